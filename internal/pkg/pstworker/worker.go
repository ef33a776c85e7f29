// Package pstworker implements the worker side of the coordinator
// protocol. A worker runs on the host that owns one or more partitions,
// dials the coordinator, answers the handshake and serves requests
// against its local Store until the coordinator sends Stop.
package pstworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// maxWriteSize bounds the row data accepted with one WriteDataRows request.
const maxWriteSize = 1 << 31

// Worker serves requests against a Store.
type Worker struct {
	store       Store
	hostName    string
	readTimeout time.Duration

	served map[pstproto.RequestType]int
}

// Option configures a Worker
type Option func(*Worker)

// WithHostName sets the host name reported to the coordinator. It defaults
// to the name returned by os.Hostname.
func WithHostName(name string) Option {
	return func(w *Worker) {
		w.hostName = name
	}
}

// WithReadTimeout bounds the time the worker waits for the next frame.
func WithReadTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.readTimeout = d
	}
}

// New creates a Worker serving store.
func New(store Store, options ...Option) (*Worker, error) {
	w := &Worker{
		store:  store,
		served: make(map[pstproto.RequestType]int),
	}
	for _, f := range options {
		f(w)
	}
	if w.hostName == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determining host name: %w", err)
		}
		w.hostName = name
	}
	return w, nil
}

// HostName returns the name the worker reports in its handshake.
func (w *Worker) HostName() string {
	return w.hostName
}

// Connect dials the coordinator at address and serves the session. address
// is a host name, optionally with a port; the default port is used when
// none is given.
func (w *Worker) Connect(ctx context.Context, address string) error {
	address = CoordinatorAddress(address)
	log.Debugf("Connecting to coordinator at %s", address)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	return w.Serve(&deadlineConn{Conn: conn, timeout: w.readTimeout})
}

// CoordinatorAddress appends the default port to host when it has none.
func CoordinatorAddress(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprint(pstproto.DefaultPort))
}

// deadlineConn applies a read deadline before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// countingReadWriter tracks traffic for the end-of-session log line.
type countingReadWriter struct {
	rw      io.ReadWriter
	read    uint64
	written uint64
}

func (c *countingReadWriter) Read(p []byte) (int, error) {
	n, err := c.rw.Read(p)
	c.read += uint64(n)
	return n, err
}

func (c *countingReadWriter) Write(p []byte) (int, error) {
	n, err := c.rw.Write(p)
	c.written += uint64(n)
	return n, err
}

// Serve runs one session over rw. It returns nil when the coordinator
// sends Stop, pstproto.ErrProtocolNotUnderstood when the handshake is
// rejected, and the I/O error otherwise.
func (w *Worker) Serve(rw io.ReadWriter) error {
	conn := &countingReadWriter{rw: rw}
	defer func() {
		log.Infof("Session ended: received %s, sent %s, served %v",
			humanize.Bytes(conn.read), humanize.Bytes(conn.written), w.served)
	}()

	h, err := pstproto.ReadHandshake(conn)
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	code := pstproto.NoError
	if !h.Valid() {
		log.Errorf("Handshake not understood: version %d, size %d, id %#x", h.ProtocolVersion, h.FrameSize, h.FrameID)
		code = pstproto.ProtocolNotUnderstoodError
	}
	if err := pstproto.WriteHandshakeAck(conn, pstproto.NewHandshakeAck(w.hostName, code)); err != nil {
		return fmt.Errorf("writing handshake ack: %w", err)
	}
	if code != pstproto.NoError {
		return pstproto.ErrProtocolNotUnderstood
	}

	for {
		header, err := pstproto.ReadRequestHeader(conn)
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		if header.Type == pstproto.RequestStop {
			log.Debug("Received stop")
			return nil
		}
		if err := w.serveRequest(conn, header); err != nil {
			return err
		}
	}
}

// serveRequest reads the payload announced by header and writes one
// response. Only I/O errors on the connection are returned.
func (w *Worker) serveRequest(conn io.ReadWriter, header pstproto.RequestHeader) error {
	if header.PayloadSize > 1<<20 {
		return fmt.Errorf("request payload of %s is too large", humanize.Bytes(uint64(header.PayloadSize)))
	}
	payload := make([]byte, header.PayloadSize)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("reading %s payload: %w", header.Type, err)
	}

	req, err := pstproto.DecodeRequest(header.Type, payload)
	if err != nil {
		// The row data following a WriteDataRows cannot be skipped without
		// its header, so the stream is lost.
		if header.Type == pstproto.RequestWriteDataRows {
			return fmt.Errorf("malformed %s request: %w", header.Type, err)
		}
		log.Warnf("Rejecting request: %s", err)
		return pstproto.WriteException(conn, exceptionKind(err), err.Error())
	}

	var data []byte
	if write, ok := req.(pstproto.WriteRowsRequest); ok {
		if write.DataSize > maxWriteSize {
			return fmt.Errorf("write of %s is too large", humanize.Bytes(write.DataSize))
		}
		data = make([]byte, write.DataSize)
		if _, err := io.ReadFull(conn, data); err != nil {
			return fmt.Errorf("reading row data: %w", err)
		}
	}

	w.served[req.Type()]++
	code, response, err := w.dispatch(req, data)
	if err != nil {
		log.Errorf("Error serving %s: %s", req.Type(), err)
		return pstproto.WriteException(conn, exceptionKind(err), err.Error())
	}
	return pstproto.WriteResponse(conn, code, response)
}

// panicError carries a value recovered from a panicking handler.
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprint(p.value)
}

// dispatch runs the handler for req. Panics are converted to errors so that
// a failing request never ends the session.
func (w *Worker) dispatch(req pstproto.Request, data []byte) (code pstproto.ErrorCode, payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, payload, err = pstproto.UnexpectedExceptionOccured, nil, &panicError{r}
		}
	}()

	switch r := req.(type) {
	case pstproto.StatisticsRequest:
		payload, err = w.qualityStatistics(r)
	case pstproto.AntennaRequest:
		payload, err = w.antennas(r)
	case pstproto.BandRequest:
		payload, err = w.band(r)
	case pstproto.ReadRowsRequest:
		payload, err = w.readRows(r)
	case pstproto.WriteRowsRequest:
		err = w.writeRows(r, data)
	default:
		err = &pstproto.UnknownRequestError{Type: req.Type()}
	}
	if errors.Is(err, ErrNotFound) {
		log.Warnf("%s: %s", req.Type(), err)
		return pstproto.CouldNotOpenTableError, nil, nil
	}
	return pstproto.NoError, payload, err
}

func (w *Worker) qualityStatistics(r pstproto.StatisticsRequest) ([]byte, error) {
	downsample := r.Flags&pstproto.DownsampleFlag != 0
	stats, err := w.store.QualityStatistics(r.Path, downsample)
	if err != nil {
		return nil, err
	}
	log.Debugf("Read statistics of %s (%s, downsampled: %t, histogram: %t)",
		r.Path, humanize.Bytes(uint64(len(stats.Statistics))), downsample, stats.HasHistogram())
	return stats.MarshalBinary()
}

func (w *Worker) antennas(r pstproto.AntennaRequest) ([]byte, error) {
	info, err := w.store.Antennas(r.Path)
	if err != nil {
		return nil, err
	}
	return info.MarshalBinary()
}

func (w *Worker) band(r pstproto.BandRequest) ([]byte, error) {
	bands, err := w.store.Bands(r.Path)
	if err != nil {
		return nil, err
	}
	if len(bands) != 1 {
		return nil, fmt.Errorf("dataset %s has %d bands, expected exactly one", r.Path, len(bands))
	}
	return bands[0].MarshalBinary()
}

func (w *Worker) readRows(r pstproto.ReadRowsRequest) ([]byte, error) {
	if r.RowCount == 0 {
		n, err := w.store.RowCount(r.Path)
		if err != nil {
			return nil, err
		}
		return pstproto.EncodeRowCount(n), nil
	}
	rows, err := w.store.ReadRows(r.Path, r.StartRow, r.RowCount)
	if err != nil {
		return nil, err
	}
	return pstproto.EncodeRows(rows), nil
}

func (w *Worker) writeRows(r pstproto.WriteRowsRequest, data []byte) error {
	rows, err := pstproto.DecodeRows(data, r.RowCount)
	if err != nil {
		return err
	}
	return w.store.WriteRows(r.Path, r.StartRow, rows)
}

// exceptionKind names the outermost specific error type in err's chain,
// e.g. "PathError". Plain and wrapped text errors are reported as "error".
func exceptionKind(err error) string {
	if _, ok := err.(*panicError); ok {
		return "panic"
	}
	for ; err != nil; err = errors.Unwrap(err) {
		t := reflect.TypeOf(err)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		switch t.Name() {
		case "", "errorString", "wrapError":
			continue
		}
		return t.Name()
	}
	return "error"
}
