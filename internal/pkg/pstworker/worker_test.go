package pstworker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// serveTestSession runs w on one end of a pipe and returns the other end
// along with a channel receiving the result of Serve.
func serveTestSession(t *testing.T, w *Worker) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	errc := make(chan error, 1)
	go func() {
		errc <- w.Serve(server)
	}()
	return client, errc
}

func waitServe(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish the session")
	}
	return nil
}

func TestWorkerNew(t *testing.T) {
	w, err := New(nil)
	require.Nil(t, err)
	assert.NotEmpty(t, w.HostName())

	w, err = New(nil, WithHostName("node017"), WithReadTimeout(time.Minute))
	require.Nil(t, err)
	assert.Equal(t, "node017", w.HostName())
	assert.Equal(t, time.Minute, w.readTimeout)
}

func TestCoordinatorAddress(t *testing.T) {
	assert.Equal(t, "head:3882", CoordinatorAddress("head"))
	assert.Equal(t, "head:4000", CoordinatorAddress("head:4000"))
	assert.Equal(t, "[::1]:3882", CoordinatorAddress("::1"))
}

func TestServeHandshakeMismatch(t *testing.T) {
	w, err := New(nil, WithHostName("node001"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)

	go pstproto.WriteHandshake(conn, pstproto.Handshake{
		ProtocolVersion: pstproto.ProtocolVersion + 1,
		FrameSize:       12,
		FrameID:         pstproto.InitialID,
	})
	ack, err := pstproto.ReadHandshakeAck(conn)
	assert.Nil(t, err)
	assert.Equal(t, pstproto.ProtocolNotUnderstoodError, ack.ErrorCode)
	assert.Equal(t, "node001", ack.HostName)

	assert.True(t, errors.Is(waitServe(t, errc), pstproto.ErrProtocolNotUnderstood))
}

func TestServeSession(t *testing.T) {
	store, dir := newTestStore(t)
	withStats := filepath.Join(dir, "L1_SB000.MS")
	withoutStats := filepath.Join(dir, "L1_SB001.MS")
	require.Nil(t, store.WriteTable(withStats, NewTable(4, testAntennas(), []pstproto.BandInfo{testBand()}, testRows(6))))
	require.Nil(t, store.WriteStatistics(withStats, []byte("full"), []byte("small"), []byte("hist")))
	require.Nil(t, store.WriteTable(withoutStats, NewTable(4, testAntennas(), []pstproto.BandInfo{testBand(), testBand()}, nil)))

	w, err := New(store, WithHostName("node002"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)
	session := pstproto.NewSession(conn, 0)

	host, err := session.Handshake()
	require.Nil(t, err)
	assert.Equal(t, "node002", host)

	stats, err := session.QualityStatistics(withStats, pstproto.DownsampleFlag)
	assert.Nil(t, err)
	assert.Equal(t, []byte("small"), stats.Statistics)
	assert.Equal(t, []byte("hist"), stats.Histogram)

	_, err = session.QualityStatistics(withoutStats, 0)
	var remote *pstproto.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, pstproto.CouldNotOpenTableError, remote.Code)

	antennas, err := session.Antennas(withStats)
	assert.Nil(t, err)
	assert.Equal(t, uint32(4), antennas.PolarizationCount)
	assert.Len(t, antennas.Antennas, 2)

	band, err := session.Band(withStats)
	assert.Nil(t, err)
	assert.Equal(t, testBand().Channels, band.Channels)

	_, err = session.Band(withoutStats)
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, pstproto.UnexpectedExceptionOccured, remote.Code)
	assert.Contains(t, remote.Message, "2 bands")

	n, err := session.RowCount(withStats)
	assert.Nil(t, err)
	assert.Equal(t, uint64(6), n)

	flagged := testRows(2)
	flagged[0].Flags = []bool{true, false}
	flagged[1].Flags = []bool{false, true}
	assert.Nil(t, session.WriteRows(withStats, 3, flagged))

	rows, err := session.ReadRows(withStats, 3, 2)
	assert.Nil(t, err)
	assert.Equal(t, flagged, rows)

	assert.Nil(t, session.Stop())
	assert.Nil(t, waitServe(t, errc))
	assert.Equal(t, 1, w.served[pstproto.RequestWriteDataRows])
}

func TestServeUnknownRequest(t *testing.T) {
	store, _ := newTestStore(t)
	w, err := New(store, WithHostName("node003"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)
	session := pstproto.NewSession(conn, 0)

	_, err = session.Handshake()
	require.Nil(t, err)

	go func() {
		pstproto.WriteRequestHeader(conn, pstproto.RequestHeader{Type: 99, PayloadSize: 3})
		conn.Write([]byte("abc"))
	}()
	header, payload, err := pstproto.ReadResponse(conn)
	require.Nil(t, err)
	assert.Equal(t, pstproto.UnexpectedExceptionOccured, header.ErrorCode)
	assert.Contains(t, string(payload), "command not understood")

	// The session survives the rejected request.
	_, err = session.Antennas("/does/not/exist")
	var remote *pstproto.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, pstproto.CouldNotOpenTableError, remote.Code)

	assert.Nil(t, session.Stop())
	assert.Nil(t, waitServe(t, errc))
}

func TestServeMalformedWriteRows(t *testing.T) {
	store, _ := newTestStore(t)
	w, err := New(store, WithHostName("node006"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)
	session := pstproto.NewSession(conn, 0)

	_, err = session.Handshake()
	require.Nil(t, err)

	go func() {
		pstproto.WriteRequestHeader(conn, pstproto.RequestHeader{Type: pstproto.RequestWriteDataRows, PayloadSize: 3})
		conn.Write([]byte{1, 2, 3})
	}()

	err = waitServe(t, errc)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "malformed WriteDataRows request")
	assert.Zero(t, w.served[pstproto.RequestWriteDataRows])
}

type panickingStore struct {
	Store
}

func (panickingStore) Antennas(path string) (*pstproto.AntennaInfo, error) {
	panic("antenna table corrupt")
}

func TestServeRecoversFromPanics(t *testing.T) {
	w, err := New(panickingStore{}, WithHostName("node004"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)
	session := pstproto.NewSession(conn, 0)

	_, err = session.Handshake()
	require.Nil(t, err)

	for i := 0; i < 2; i++ {
		_, err = session.Antennas("/data/L1_SB000.MS")
		var remote *pstproto.RemoteError
		require.True(t, errors.As(err, &remote))
		assert.Equal(t, pstproto.UnexpectedExceptionOccured, remote.Code)
		assert.Equal(t, "panic: antenna table corrupt", remote.Message)
	}

	assert.Nil(t, session.Stop())
	assert.Nil(t, waitServe(t, errc))
}

func TestServeConnectionLost(t *testing.T) {
	w, err := New(nil, WithHostName("node005"))
	require.Nil(t, err)
	conn, errc := serveTestSession(t, w)
	session := pstproto.NewSession(conn, 0)

	_, err = session.Handshake()
	require.Nil(t, err)
	conn.Close()

	assert.NotNil(t, waitServe(t, errc))
}

func TestExceptionKind(t *testing.T) {
	assert.Equal(t, "panic", exceptionKind(&panicError{"boom"}))
	assert.Equal(t, "error", exceptionKind(errors.New("boom")))
	assert.Equal(t, "UnknownRequestError", exceptionKind(&pstproto.UnknownRequestError{Type: 42}))
	assert.Equal(t, "PathError", exceptionKind(fmt.Errorf("reading: %w", &os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist})))
}
