package pstproto

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Nil(t, WriteHandshake(buf, NewHandshake()))
	assert.Equal(t, handshakeSize, buf.Len())

	h, err := ReadHandshake(buf)
	assert.Nil(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, NewHandshake(), h)
}

func TestHandshakeValid(t *testing.T) {
	var tests = []struct {
		handshake Handshake
		valid     bool
	}{
		{NewHandshake(), true},
		{Handshake{ProtocolVersion + 1, handshakeSize, InitialID}, false},
		{Handshake{ProtocolVersion, handshakeSize + 4, InitialID}, false},
		{Handshake{ProtocolVersion, handshakeSize, InitialResponseID}, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.valid, test.handshake.Valid(), "%+v", test.handshake)
	}
}

func TestHandshakeAckRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	ack := NewHandshakeAck("node042.cluster", ProtocolNotUnderstoodError)
	assert.Nil(t, WriteHandshakeAck(buf, ack))
	assert.Equal(t, handshakeAckSize+len("node042.cluster"), buf.Len())

	decoded, err := ReadHandshakeAck(buf)
	assert.Nil(t, err)
	assert.Equal(t, ack, decoded)
}

func TestHandshakeAckHostNameTooLong(t *testing.T) {
	e := encoder{}
	e.uint32(InitialResponseID)
	e.uint32(handshakeAckSize)
	e.uint32(ProtocolVersion)
	e.uint32(uint32(NoError))
	e.uint32(maxHostNameLength + 1)

	_, err := ReadHandshakeAck(bytes.NewReader(e.buf))
	assert.NotNil(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		StopRequest{},
		StatisticsRequest{Flags: DownsampleFlag, Path: "/data/L1_SB000.MS"},
		AntennaRequest{Path: "/data/L1_SB001.MS"},
		BandRequest{Flags: 7, Path: ""},
		ReadRowsRequest{Flags: 1, StartRow: 10, RowCount: 250, Path: "/data/L1_SB002.MS"},
		ReadRowsRequest{Path: "/data/probe.MS"},
		WriteRowsRequest{StartRow: 1 << 40, RowCount: 3, DataSize: 1234, Path: "/data/L1_SB003.MS"},
	}

	for _, req := range requests {
		encoded := EncodeRequest(req)
		decoded, err := ReadRequest(bytes.NewReader(encoded))
		assert.Nil(t, err, "%s", req.Type())
		assert.Equal(t, req, decoded)
	}
}

func TestRequestHeaderPayloadSize(t *testing.T) {
	encoded := EncodeRequest(ReadRowsRequest{Path: "abc"})
	h, err := ReadRequestHeader(bytes.NewReader(encoded))
	assert.Nil(t, err)
	assert.Equal(t, RequestReadDataRows, h.Type)
	// flags + start + count + path
	assert.Equal(t, uint32(4+8+8+3), h.PayloadSize)
}

func TestReadUnknownRequest(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Nil(t, WriteRequestHeader(buf, RequestHeader{Type: RequestType(99), PayloadSize: 3}))
	buf.Write([]byte("xyz"))
	assert.Nil(t, WriteRequest(buf, StopRequest{}))

	_, err := ReadRequest(buf)
	var unknown *UnknownRequestError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, RequestType(99), unknown.Type)
	assert.Contains(t, err.Error(), "version mismatch")

	// The unknown payload was consumed; the next request is intact.
	req, err := ReadRequest(buf)
	assert.Nil(t, err)
	assert.Equal(t, StopRequest{}, req)
}

func TestDecodeTruncatedRequest(t *testing.T) {
	_, err := DecodeRequest(RequestWriteDataRows, []byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Nil(t, WriteResponse(buf, NoError, []byte("payload")))
	assert.Nil(t, WriteException(buf, "FormatError", "bad table"))
	assert.Nil(t, WriteResponse(buf, CouldNotOpenTableError, nil))

	h, payload, err := ReadResponse(buf)
	assert.Nil(t, err)
	assert.Equal(t, NoError, h.ErrorCode)
	assert.Equal(t, []byte("payload"), payload)

	h, payload, err = ReadResponse(buf)
	assert.Nil(t, err)
	assert.Equal(t, UnexpectedExceptionOccured, h.ErrorCode)
	assert.Equal(t, "FormatError: bad table", string(payload))

	h, payload, err = ReadResponse(buf)
	assert.Nil(t, err)
	assert.Equal(t, CouldNotOpenTableError, h.ErrorCode)
	assert.Empty(t, payload)
}

func TestReadResponseBadFrame(t *testing.T) {
	e := encoder{}
	e.uint32(InitialID)
	e.uint32(responseHeaderSize)
	e.uint32(0)
	e.uint32(0)
	_, _, err := ReadResponse(bytes.NewReader(e.buf))
	assert.NotNil(t, err)
}

func TestReadResponseTooLarge(t *testing.T) {
	e := encoder{}
	e.uint32(GenericResponseID)
	e.uint32(responseHeaderSize)
	e.uint32(uint32(NoError))
	e.uint32(maxResponseSize + 1)
	e.raw([]byte("short"))

	_, payload, err := ReadResponse(bytes.NewReader(e.buf))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "too large")
	assert.Nil(t, payload)
}

func TestQualityStatisticsRoundTrip(t *testing.T) {
	for _, stats := range []*QualityStatistics{
		{Statistics: []byte("stats"), Histogram: []byte("histogram")},
		{Statistics: []byte("stats only")},
	} {
		data, err := stats.MarshalBinary()
		assert.Nil(t, err)

		decoded := &QualityStatistics{}
		assert.Nil(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, stats, decoded)
	}
}

func TestAntennaInfoRoundTrip(t *testing.T) {
	info := &AntennaInfo{
		PolarizationCount: 4,
		Antennas: []AntennaRecord{
			{Name: "CS001HBA0", Station: "CS001", Mount: "X-Y", Diameter: 31.0, Position: [3]float64{3826896.2, 460979.4, 5064658.2}},
			{Name: "RS106HBA", Station: "RS106", Mount: "X-Y", Diameter: 41.0, Position: [3]float64{3829205.4, 469142.5, 5062181.0}},
		},
	}
	data, err := info.MarshalBinary()
	assert.Nil(t, err)

	decoded := &AntennaInfo{}
	assert.Nil(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, info, decoded)
}

func TestAntennaInfoCorruptCount(t *testing.T) {
	e := encoder{}
	e.uint32(4)
	e.uint32(1 << 30)
	assert.NotNil(t, (&AntennaInfo{}).UnmarshalBinary(e.buf))
}

func TestBandInfoRoundTrip(t *testing.T) {
	band := &BandInfo{
		WindowIndex: 3,
		Channels: []ChannelInfo{
			{Frequency: 130e6, Width: 195312.5},
			{Frequency: 130.2e6, Width: 195312.5},
		},
	}
	data, err := band.MarshalBinary()
	assert.Nil(t, err)

	decoded := &BandInfo{}
	assert.Nil(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, band, decoded)
	assert.InDelta(t, 130.1e6, decoded.CenterFrequency(), 1)
}

func testRows() []Row {
	return []Row{
		{
			Time: 4.87e9, Antenna1: 0, Antenna2: 1, FieldID: 0,
			UVW:     [3]float64{12.5, -3.25, 0.5},
			Samples: []complex64{complex(1, 2), complex(-3, 4)},
			Flags:   []bool{false, true},
		},
		{
			Time: 4.87e9 + 1, Antenna1: 1, Antenna2: 2, FieldID: 1,
			UVW:     [3]float64{-1, 2, 3},
			Samples: []complex64{complex(0.5, 0.25)},
			Flags:   []bool{true},
		},
	}
}

func TestRowsRoundTrip(t *testing.T) {
	rows := testRows()
	decoded, err := DecodeRows(EncodeRows(rows), uint64(len(rows)))
	assert.Nil(t, err)
	assert.Equal(t, rows, decoded)

	_, err = DecodeRows(EncodeRows(rows), 3)
	assert.NotNil(t, err)
}

func TestRowCountRoundTrip(t *testing.T) {
	n, err := DecodeRowCount(EncodeRowCount(123456789))
	assert.Nil(t, err)
	assert.Equal(t, uint64(123456789), n)
}

// fakeWorker answers one handshake and then the given responses, recording
// the requests it receives.
func fakeWorker(t *testing.T, conn net.Conn, ack HandshakeAck, responses [][]byte) <-chan Request {
	requests := make(chan Request, len(responses)+1)
	go func() {
		defer close(requests)
		defer conn.Close()
		if _, err := ReadHandshake(conn); err != nil {
			return
		}
		if err := WriteHandshakeAck(conn, ack); err != nil {
			return
		}
		for _, response := range responses {
			req, err := ReadRequest(conn)
			if err != nil {
				return
			}
			if w, ok := req.(WriteRowsRequest); ok {
				data := make([]byte, w.DataSize)
				if _, err := io.ReadFull(conn, data); err != nil {
					return
				}
			}
			requests <- req
			conn.Write(response)
		}
		req, err := ReadRequest(conn)
		if err == nil {
			requests <- req
		}
	}()
	return requests
}

func response(code ErrorCode, payload []byte) []byte {
	buf := new(bytes.Buffer)
	WriteResponse(buf, code, payload)
	return buf.Bytes()
}

func TestSessionRequests(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	antennas := &AntennaInfo{PolarizationCount: 2, Antennas: []AntennaRecord{{Name: "A0", Position: [3]float64{1, 2, 3}}}}
	antennaData, _ := antennas.MarshalBinary()
	band := &BandInfo{Channels: []ChannelInfo{{Frequency: 1e8, Width: 1e3}}}
	bandData, _ := band.MarshalBinary()

	requests := fakeWorker(t, server, NewHandshakeAck("node1.example.org", NoError), [][]byte{
		response(NoError, antennaData),
		response(CouldNotOpenTableError, nil),
		response(NoError, bandData),
		response(NoError, EncodeRowCount(42)),
		response(NoError, EncodeRows(testRows())),
		response(NoError, nil),
	})

	session := NewSession(client, time.Second)
	host, err := session.Handshake()
	require.Nil(t, err)
	assert.Equal(t, "node1.example.org", host)

	gotAntennas, err := session.Antennas("/a.MS")
	assert.Nil(t, err)
	assert.Equal(t, antennas, gotAntennas)

	_, err = session.QualityStatistics("/a.MS", DownsampleFlag)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CouldNotOpenTableError, remote.Code)

	gotBand, err := session.Band("/a.MS")
	assert.Nil(t, err)
	assert.Equal(t, band, gotBand)

	n, err := session.RowCount("/a.MS")
	assert.Nil(t, err)
	assert.Equal(t, uint64(42), n)

	rows, err := session.ReadRows("/a.MS", 5, 2)
	assert.Nil(t, err)
	assert.Equal(t, testRows(), rows)

	assert.Nil(t, session.WriteRows("/a.MS", 5, testRows()))
	assert.Nil(t, session.Stop())

	var seen []RequestType
	for req := range requests {
		seen = append(seen, req.Type())
	}
	assert.Equal(t, []RequestType{
		RequestReadAntennaMetadata,
		RequestReadQualityStatistics,
		RequestReadBandMetadata,
		RequestReadDataRows,
		RequestReadDataRows,
		RequestWriteDataRows,
		RequestStop,
	}, seen)
	assert.True(t, session.BytesRead() > 0)
	assert.True(t, session.BytesWritten() > 0)
	assert.Equal(t, client.RemoteAddr(), session.RemoteAddr())
}

func TestSessionHandshakeRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fakeWorker(t, server, NewHandshakeAck("node7", ProtocolNotUnderstoodError), nil)

	session := NewSession(client, time.Second)
	host, err := session.Handshake()
	assert.Equal(t, "node7", host)
	assert.True(t, errors.Is(err, ErrProtocolNotUnderstood))
}

func TestSessionReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// The peer never answers.
	go ReadHandshake(server)

	session := NewSession(client, 50*time.Millisecond)
	_, err := session.Handshake()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}
