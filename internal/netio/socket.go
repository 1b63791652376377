// Package netio implements the framed JSON transport shared by every
// endpoint. Each frame is a 4-byte big-endian payload length followed by
// that many bytes of UTF-8 JSON.
package netio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"turncast/server/internal/proto"
)

// MaxFrameSize bounds a single inbound payload so a misbehaving peer
// cannot make the reader allocate unbounded memory.
const MaxFrameSize = 64 << 20

var (
	// ErrTransportClosed reports an operation on a closed socket.
	ErrTransportClosed = errors.New("netio: socket closed")
	// ErrTransportIO reports a read or write failure on the wire.
	ErrTransportIO = errors.New("netio: transport failure")
	// ErrDecode reports a payload that is not valid JSON for the
	// expected shape. The socket stays usable after it.
	ErrDecode = errors.New("netio: decode failure")
)

// Socket frames JSON messages over a stream connection. Send is safe for
// concurrent use; Recv must be driven by a single reader.
type Socket struct {
	conn net.Conn

	writeMu sync.Mutex
	reader  io.Reader

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewSocket wraps an accepted or dialed connection.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{
		conn:   conn,
		reader: conn,
		closed: make(chan struct{}),
	}
}

// Dial connects to addr and wraps the connection.
func Dial(addr string, timeout time.Duration) (*Socket, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportIO, err)
	}
	return NewSocket(conn), nil
}

// Send marshals msg and writes one frame. The length prefix and payload
// are written as a single buffer so a frame is never interleaved with
// another sender's frame.
func (s *Socket) Send(msg proto.Message) error {
	if s.IsClosed() {
		return ErrTransportClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.IsClosed() {
		return ErrTransportClosed
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportIO, err)
	}
	return nil
}

// Recv reads one frame and decodes it into a ReceivedMessage. A decode
// failure is returned as ErrDecode and leaves the socket open; transport
// failures close further use.
func (s *Socket) Recv() (proto.ReceivedMessage, error) {
	payload, err := s.readFrame()
	if err != nil {
		return proto.ReceivedMessage{}, err
	}
	var msg proto.ReceivedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return proto.ReceivedMessage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

func (s *Socket) readFrame() ([]byte, error) {
	if s.IsClosed() {
		return nil, ErrTransportClosed
	}
	var header [4]byte
	if _, err := io.ReadFull(s.reader, header[:]); err != nil {
		return nil, s.readErr(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrTransportIO, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return nil, s.readErr(err)
	}
	return payload, nil
}

func (s *Socket) readErr(err error) error {
	if s.IsClosed() {
		return ErrTransportClosed
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: connection closed by peer", ErrTransportIO)
	}
	return fmt.Errorf("%w: %v", ErrTransportIO, err)
}

// SetReadDeadline bounds the next Recv. A zero time clears the deadline.
func (s *Socket) SetReadDeadline(t time.Time) error {
	if s.IsClosed() {
		return ErrTransportClosed
	}
	return s.conn.SetReadDeadline(t)
}

// Close shuts the connection down. Safe to call multiple times.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr exposes the peer address for logging.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
