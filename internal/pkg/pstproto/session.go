package pstproto

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Session is the coordinator's side of one worker connection. A Session
// is not safe for concurrent use; requests on one session are strictly
// sequential.
type Session struct {
	conn        net.Conn
	readTimeout time.Duration

	// HostName is the name the worker reported in its HandshakeAck.
	HostName string

	bytesRead    int64
	bytesWritten int64
}

// NewSession wraps an accepted connection. A non-zero readTimeout bounds
// every wait for a frame from the worker.
func NewSession(conn net.Conn, readTimeout time.Duration) *Session {
	return &Session{
		conn:        conn,
		readTimeout: readTimeout,
	}
}

// meteredConn counts traffic and applies the read timeout.
type meteredConn struct {
	*Session
}

func (m meteredConn) Read(p []byte) (int, error) {
	s := m.Session
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.conn.Read(p)
	atomic.AddInt64(&s.bytesRead, int64(n))
	return n, err
}

func (m meteredConn) Write(p []byte) (int, error) {
	s := m.Session
	n, err := s.conn.Write(p)
	atomic.AddInt64(&s.bytesWritten, int64(n))
	return n, err
}

// BytesRead returns the number of bytes received from the worker.
func (s *Session) BytesRead() int64 {
	return atomic.LoadInt64(&s.bytesRead)
}

// BytesWritten returns the number of bytes sent to the worker.
func (s *Session) BytesWritten() int64 {
	return atomic.LoadInt64(&s.bytesWritten)
}

// Handshake sends the initial frame and reads the worker's ack. The
// worker's host name is returned even when it rejected the handshake, in
// which case the error wraps ErrProtocolNotUnderstood.
func (s *Session) Handshake() (string, error) {
	if err := WriteHandshake(meteredConn{s}, NewHandshake()); err != nil {
		return "", err
	}
	ack, err := ReadHandshakeAck(meteredConn{s})
	if err != nil {
		return ack.HostName, err
	}
	s.HostName = ack.HostName
	if ack.ErrorCode != NoError {
		return ack.HostName, fmt.Errorf("%w by %s (%s)", ErrProtocolNotUnderstood, ack.HostName, ack.ErrorCode)
	}
	if ack.FrameID != InitialResponseID || ack.FrameSize != handshakeAckSize || ack.NegotiatedVersion != ProtocolVersion {
		return ack.HostName, fmt.Errorf("%w: bad ack from %s (id %#x, version %d)",
			ErrProtocolNotUnderstood, ack.HostName, ack.FrameID, ack.NegotiatedVersion)
	}
	return ack.HostName, nil
}

// call sends req, followed by extra when non-empty, and returns the
// response payload. A non-zero error code is returned as a *RemoteError.
func (s *Session) call(req Request, extra []byte) ([]byte, error) {
	msg := EncodeRequest(req)
	if len(extra) > 0 {
		msg = append(msg, extra...)
	}
	if _, err := (meteredConn{s}).Write(msg); err != nil {
		return nil, err
	}
	h, payload, err := ReadResponse(meteredConn{s})
	if err != nil {
		return nil, err
	}
	if h.ErrorCode != NoError {
		return nil, &RemoteError{Code: h.ErrorCode, Message: string(payload)}
	}
	return payload, nil
}

// QualityStatistics requests the statistics of the dataset at path.
func (s *Session) QualityStatistics(path string, flags uint32) (*QualityStatistics, error) {
	payload, err := s.call(StatisticsRequest{Flags: flags, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	stats := &QualityStatistics{}
	if err := stats.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return stats, nil
}

// Antennas requests the antenna table of the dataset at path.
func (s *Session) Antennas(path string) (*AntennaInfo, error) {
	payload, err := s.call(AntennaRequest{Path: path}, nil)
	if err != nil {
		return nil, err
	}
	info := &AntennaInfo{}
	if err := info.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return info, nil
}

// Band requests the spectral band of the dataset at path.
func (s *Session) Band(path string) (*BandInfo, error) {
	payload, err := s.call(BandRequest{Path: path}, nil)
	if err != nil {
		return nil, err
	}
	band := &BandInfo{}
	if err := band.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return band, nil
}

// RowCount asks for the number of rows in the dataset at path.
func (s *Session) RowCount(path string) (uint64, error) {
	payload, err := s.call(ReadRowsRequest{Path: path}, nil)
	if err != nil {
		return 0, err
	}
	return DecodeRowCount(payload)
}

// ReadRows reads count rows starting at start. count must be positive;
// use RowCount to probe the size of a dataset.
func (s *Session) ReadRows(path string, start, count uint64) ([]Row, error) {
	if count == 0 {
		return nil, fmt.Errorf("pstproto: ReadRows of zero rows")
	}
	payload, err := s.call(ReadRowsRequest{StartRow: start, RowCount: count, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	return DecodeRows(payload, count)
}

// WriteRows replaces the rows of the dataset at path starting at start.
func (s *Session) WriteRows(path string, start uint64, rows []Row) error {
	data := EncodeRows(rows)
	req := WriteRowsRequest{
		StartRow: start,
		RowCount: uint64(len(rows)),
		DataSize: uint64(len(data)),
		Path:     path,
	}
	_, err := s.call(req, data)
	return err
}

// Stop tells the worker that no more requests follow.
func (s *Session) Stop() error {
	return WriteRequest(meteredConn{s}, StopRequest{})
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the address the worker connected from.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
