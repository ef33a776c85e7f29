// Package pstproto implements the binary protocol spoken between the
// coordinator and the workers. Workers dial the coordinator; once the TCP
// connection is up the coordinator sends a Handshake, the worker answers
// with a HandshakeAck carrying its host name, and the coordinator then
// drives a sequence of requests until it sends Stop.
//
// All integers are little-endian and fixed width. Frames are encoded field
// by field; nothing depends on in-memory struct layout.
package pstproto

import (
	"errors"
	"fmt"
	"io"
)

// DefaultPort is the TCP port the coordinator listens on.
const DefaultPort = 3882

// Protocol constants checked during the handshake.
const (
	ProtocolVersion   uint32 = 1
	InitialID         uint32 = 0x50535431
	InitialResponseID uint32 = 0x50535432
	GenericResponseID uint32 = 0x50535433
)

// Frame sizes in bytes.
const (
	handshakeSize      = 12
	handshakeAckSize   = 20
	requestHeaderSize  = 8
	responseHeaderSize = 16
)

// maxHostNameLength bounds the host name accepted in a HandshakeAck.
const maxHostNameLength = 4096

// maxResponseSize bounds response payloads read by the coordinator.
const maxResponseSize = 1 << 30

// DownsampleFlag asks a worker to down-sample quality statistics before
// sending them.
const DownsampleFlag uint32 = 1 << 0

// RequestType identifies a request sent by the coordinator.
type RequestType uint32

// Request types understood by workers
const (
	RequestStop RequestType = iota
	RequestReadQualityStatistics
	RequestReadAntennaMetadata
	RequestReadBandMetadata
	RequestReadDataRows
	RequestWriteDataRows
)

func (t RequestType) String() string {
	switch t {
	case RequestStop:
		return "Stop"
	case RequestReadQualityStatistics:
		return "ReadQualityStatistics"
	case RequestReadAntennaMetadata:
		return "ReadAntennaMetadata"
	case RequestReadBandMetadata:
		return "ReadBandMetadata"
	case RequestReadDataRows:
		return "ReadDataRows"
	case RequestWriteDataRows:
		return "WriteDataRows"
	}
	return fmt.Sprintf("RequestType(%d)", uint32(t))
}

// ErrorCode reports the outcome of a handshake or request.
type ErrorCode uint32

// Error codes carried in acks and responses
const (
	NoError ErrorCode = iota
	ProtocolNotUnderstoodError
	CouldNotOpenTableError
	UnexpectedExceptionOccured
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no error"
	case ProtocolNotUnderstoodError:
		return "protocol not understood"
	case CouldNotOpenTableError:
		return "could not open table"
	case UnexpectedExceptionOccured:
		return "unexpected exception occurred"
	}
	return fmt.Sprintf("error code %d", uint32(c))
}

// ErrProtocolNotUnderstood is returned when one side rejects the handshake.
var ErrProtocolNotUnderstood = errors.New("protocol not understood")

// RemoteError is an error reported by the peer through an error code.
// The session remains usable after a RemoteError.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Handshake is the first frame of every session, sent by the coordinator.
type Handshake struct {
	ProtocolVersion uint32
	FrameSize       uint32
	FrameID         uint32
}

// NewHandshake returns the handshake for this protocol version.
func NewHandshake() Handshake {
	return Handshake{
		ProtocolVersion: ProtocolVersion,
		FrameSize:       handshakeSize,
		FrameID:         InitialID,
	}
}

// Valid reports whether h matches the version, size and id this package
// speaks.
func (h Handshake) Valid() bool {
	return h == NewHandshake()
}

func WriteHandshake(w io.Writer, h Handshake) error {
	e := encoder{buf: make([]byte, 0, handshakeSize)}
	e.uint32(h.ProtocolVersion)
	e.uint32(h.FrameSize)
	e.uint32(h.FrameID)
	_, err := w.Write(e.buf)
	return err
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	d := decoder{buf: buf}
	h := Handshake{
		ProtocolVersion: d.uint32(),
		FrameSize:       d.uint32(),
		FrameID:         d.uint32(),
	}
	return h, d.finish()
}

// HandshakeAck is the worker's answer to a Handshake. It is followed on
// the wire by HostName, whose length is carried in the fixed part.
type HandshakeAck struct {
	FrameID           uint32
	FrameSize         uint32
	NegotiatedVersion uint32
	ErrorCode         ErrorCode
	HostName          string
}

// NewHandshakeAck returns an ack for hostName with the given outcome.
func NewHandshakeAck(hostName string, code ErrorCode) HandshakeAck {
	return HandshakeAck{
		FrameID:           InitialResponseID,
		FrameSize:         handshakeAckSize,
		NegotiatedVersion: ProtocolVersion,
		ErrorCode:         code,
		HostName:          hostName,
	}
}

func WriteHandshakeAck(w io.Writer, ack HandshakeAck) error {
	e := encoder{buf: make([]byte, 0, handshakeAckSize+len(ack.HostName))}
	e.uint32(ack.FrameID)
	e.uint32(ack.FrameSize)
	e.uint32(ack.NegotiatedVersion)
	e.uint32(uint32(ack.ErrorCode))
	e.uint32(uint32(len(ack.HostName)))
	e.raw([]byte(ack.HostName))
	_, err := w.Write(e.buf)
	return err
}

func ReadHandshakeAck(r io.Reader) (HandshakeAck, error) {
	buf := make([]byte, handshakeAckSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return HandshakeAck{}, err
	}
	d := decoder{buf: buf}
	ack := HandshakeAck{
		FrameID:           d.uint32(),
		FrameSize:         d.uint32(),
		NegotiatedVersion: d.uint32(),
		ErrorCode:         ErrorCode(d.uint32()),
	}
	nameLength := d.uint32()
	if err := d.finish(); err != nil {
		return HandshakeAck{}, err
	}
	if nameLength > maxHostNameLength {
		return ack, fmt.Errorf("pstproto: host name of %d bytes is too long", nameLength)
	}
	name := make([]byte, nameLength)
	if _, err := io.ReadFull(r, name); err != nil {
		return ack, err
	}
	ack.HostName = string(name)
	return ack, nil
}

// RequestHeader precedes every request payload.
type RequestHeader struct {
	Type        RequestType
	PayloadSize uint32
}

func WriteRequestHeader(w io.Writer, h RequestHeader) error {
	e := encoder{buf: make([]byte, 0, requestHeaderSize)}
	e.uint32(uint32(h.Type))
	e.uint32(h.PayloadSize)
	_, err := w.Write(e.buf)
	return err
}

func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	buf := make([]byte, requestHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return RequestHeader{}, err
	}
	d := decoder{buf: buf}
	h := RequestHeader{
		Type:        RequestType(d.uint32()),
		PayloadSize: d.uint32(),
	}
	return h, d.finish()
}

// ResponseHeader precedes every response payload. The payload is empty
// when ErrorCode is not NoError, except for exception envelopes which carry
// a message.
type ResponseHeader struct {
	FrameID     uint32
	FrameSize   uint32
	ErrorCode   ErrorCode
	PayloadSize uint32
}

// WriteResponse writes a generic response frame followed by payload.
func WriteResponse(w io.Writer, code ErrorCode, payload []byte) error {
	e := encoder{buf: make([]byte, 0, responseHeaderSize+len(payload))}
	e.uint32(GenericResponseID)
	e.uint32(responseHeaderSize)
	e.uint32(uint32(code))
	e.uint32(uint32(len(payload)))
	e.raw(payload)
	_, err := w.Write(e.buf)
	return err
}

// WriteException writes an UnexpectedExceptionOccured response whose
// payload is "<kind>: <message>".
func WriteException(w io.Writer, kind, message string) error {
	return WriteResponse(w, UnexpectedExceptionOccured, []byte(kind+": "+message))
}

func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	buf := make([]byte, responseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ResponseHeader{}, err
	}
	d := decoder{buf: buf}
	h := ResponseHeader{
		FrameID:     d.uint32(),
		FrameSize:   d.uint32(),
		ErrorCode:   ErrorCode(d.uint32()),
		PayloadSize: d.uint32(),
	}
	if err := d.finish(); err != nil {
		return h, err
	}
	if h.FrameID != GenericResponseID || h.FrameSize != responseHeaderSize {
		return h, fmt.Errorf("pstproto: unexpected response frame %#x (size %d)", h.FrameID, h.FrameSize)
	}
	return h, nil
}

// ReadResponse reads a response header and its payload.
func ReadResponse(r io.Reader) (ResponseHeader, []byte, error) {
	h, err := ReadResponseHeader(r)
	if err != nil {
		return h, nil, err
	}
	if h.PayloadSize > maxResponseSize {
		return h, nil, fmt.Errorf("pstproto: response payload of %d bytes is too large", h.PayloadSize)
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}
