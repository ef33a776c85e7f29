package pstproto

import (
	"fmt"
	"io"
)

// maxPayloadSize bounds request payloads read by workers.
const maxPayloadSize = 1 << 20

// Request is a typed request. Every payload starts with a flags word and
// ends with the dataset path, whose length is implied by the payload size.
type Request interface {
	Type() RequestType
	encodePayload(e *encoder)
}

type StopRequest struct{}

func (StopRequest) Type() RequestType        { return RequestStop }
func (StopRequest) encodePayload(e *encoder) {}

// StatisticsRequest asks for the quality statistics of a dataset.
type StatisticsRequest struct {
	Flags uint32
	Path  string
}

func (StatisticsRequest) Type() RequestType { return RequestReadQualityStatistics }
func (r StatisticsRequest) encodePayload(e *encoder) {
	e.uint32(r.Flags)
	e.raw([]byte(r.Path))
}

// AntennaRequest asks for the antenna table of a dataset.
type AntennaRequest struct {
	Flags uint32
	Path  string
}

func (AntennaRequest) Type() RequestType { return RequestReadAntennaMetadata }
func (r AntennaRequest) encodePayload(e *encoder) {
	e.uint32(r.Flags)
	e.raw([]byte(r.Path))
}

// BandRequest asks for the spectral band of a dataset.
type BandRequest struct {
	Flags uint32
	Path  string
}

func (BandRequest) Type() RequestType { return RequestReadBandMetadata }
func (r BandRequest) encodePayload(e *encoder) {
	e.uint32(r.Flags)
	e.raw([]byte(r.Path))
}

// ReadRowsRequest asks for RowCount rows starting at StartRow. A RowCount
// of zero asks for the total number of rows instead.
type ReadRowsRequest struct {
	Flags    uint32
	StartRow uint64
	RowCount uint64
	Path     string
}

func (ReadRowsRequest) Type() RequestType { return RequestReadDataRows }
func (r ReadRowsRequest) encodePayload(e *encoder) {
	e.uint32(r.Flags)
	e.uint64(r.StartRow)
	e.uint64(r.RowCount)
	e.raw([]byte(r.Path))
}

// WriteRowsRequest announces DataSize bytes of encoded rows that follow the
// request payload on the wire and replace rows [StartRow, StartRow+RowCount).
type WriteRowsRequest struct {
	Flags    uint32
	StartRow uint64
	RowCount uint64
	DataSize uint64
	Path     string
}

func (WriteRowsRequest) Type() RequestType { return RequestWriteDataRows }
func (r WriteRowsRequest) encodePayload(e *encoder) {
	e.uint32(r.Flags)
	e.uint64(r.StartRow)
	e.uint64(r.RowCount)
	e.uint64(r.DataSize)
	e.raw([]byte(r.Path))
}

// UnknownRequestError is returned by ReadRequest for request types this
// package does not know. The payload has been consumed, so the caller may
// continue reading requests.
type UnknownRequestError struct {
	Type RequestType
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("command not understood (version mismatch?): %s", e.Type)
}

// EncodeRequest returns the header and payload of req.
func EncodeRequest(req Request) []byte {
	payload := encoder{}
	req.encodePayload(&payload)

	e := encoder{buf: make([]byte, 0, requestHeaderSize+len(payload.buf))}
	e.uint32(uint32(req.Type()))
	e.uint32(uint32(len(payload.buf)))
	e.raw(payload.buf)
	return e.buf
}

func WriteRequest(w io.Writer, req Request) error {
	_, err := w.Write(EncodeRequest(req))
	return err
}

// ReadRequest reads one request from r.
func ReadRequest(r io.Reader) (Request, error) {
	h, err := ReadRequestHeader(r)
	if err != nil {
		return nil, err
	}
	if h.PayloadSize > maxPayloadSize {
		return nil, fmt.Errorf("pstproto: request payload of %d bytes is too large", h.PayloadSize)
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return DecodeRequest(h.Type, payload)
}

// DecodeRequest decodes the payload of a request of type t.
func DecodeRequest(t RequestType, payload []byte) (Request, error) {
	d := decoder{buf: payload}
	var req Request
	switch t {
	case RequestStop:
		req = StopRequest{}
	case RequestReadQualityStatistics:
		req = StatisticsRequest{Flags: d.uint32(), Path: string(d.rest())}
	case RequestReadAntennaMetadata:
		req = AntennaRequest{Flags: d.uint32(), Path: string(d.rest())}
	case RequestReadBandMetadata:
		req = BandRequest{Flags: d.uint32(), Path: string(d.rest())}
	case RequestReadDataRows:
		r := ReadRowsRequest{Flags: d.uint32()}
		r.StartRow = d.uint64()
		r.RowCount = d.uint64()
		r.Path = string(d.rest())
		req = r
	case RequestWriteDataRows:
		r := WriteRowsRequest{Flags: d.uint32()}
		r.StartRow = d.uint64()
		r.RowCount = d.uint64()
		r.DataSize = d.uint64()
		r.Path = string(d.rest())
		req = r
	default:
		return nil, &UnknownRequestError{Type: t}
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", t, err)
	}
	return req, nil
}
