package smtpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport errors.
var (
	// ErrTimeout is wrapped by errors returned when a read exceeds the
	// configured timeout, or when a non-blocking read finds no full line.
	ErrTimeout = errors.New("timeout")

	// ErrLineTooLong indicates a reply line exceeded MaxLineLength.
	ErrLineTooLong = errors.New("reply line too long")
)

// Transport is the byte stream the engine talks over.
// Implementations need not be safe for concurrent use; the engine
// serializes all calls.
type Transport interface {
	// Connect opens the connection.
	Connect(ctx context.Context, host string, port int) error

	// Write buffers p for sending.
	Write(p []byte) (int, error)

	// Flush sends everything buffered by Write.
	Flush() error

	// ReadLine returns the next line including its terminator. On a
	// timeout it returns an error wrapping ErrTimeout and keeps any
	// partial line for the next call.
	ReadLine() ([]byte, error)

	// SetTimeout configures reads: 0 blocks indefinitely, a negative value
	// returns immediately when no full line is buffered, a positive value
	// bounds the wait.
	SetTimeout(d time.Duration)

	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect() error
}

// DefaultMaxLineLength is the largest reply line NetTransport accepts.
// RFC 5321 limits reply lines to 512 octets; servers in the wild exceed it.
const DefaultMaxLineLength = 4096

// NetTransport is a Transport over a TCP connection.
type NetTransport struct {
	// Dialer is used by Connect. The zero value dials with no timeout
	// other than the context.
	Dialer net.Dialer

	// MaxLineLength bounds a single reply line. 0 means DefaultMaxLineLength.
	MaxLineLength int

	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	partial []byte
}

// NewNetTransport creates an unconnected TCP transport.
func NewNetTransport() *NetTransport {
	return &NetTransport{}
}

// WrapNetConn creates a transport over an established connection.
func WrapNetConn(conn net.Conn) *NetTransport {
	t := &NetTransport{}
	t.attach(conn)
	return t
}

func (t *NetTransport) attach(conn net.Conn) {
	t.conn = conn
	t.r = bufio.NewReader(conn)
	t.w = bufio.NewWriter(conn)
	t.partial = nil
}

// Connect dials host:port.
func (t *NetTransport) Connect(ctx context.Context, host string, port int) error {
	if t.connection() != nil {
		return ErrAlreadyConnected
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	t.mu.Lock()
	t.attach(conn)
	t.mu.Unlock()
	return nil
}

func (t *NetTransport) connection() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// current returns the connection and its buffers. Disconnect may run
// concurrently to abort a blocked read, so callers work on the snapshot.
func (t *NetTransport) current() (net.Conn, *bufio.Reader, *bufio.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.r, t.w
}

func (t *NetTransport) Write(p []byte) (int, error) {
	conn, _, w := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return w.Write(p)
}

func (t *NetTransport) Flush() error {
	conn, _, w := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	if t.timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return w.Flush()
}

// ReadLine reads a line with deadline support.
func (t *NetTransport) ReadLine() ([]byte, error) {
	conn, r, _ := t.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	switch {
	case t.timeout > 0:
		conn.SetReadDeadline(time.Now().Add(t.timeout))
	case t.timeout < 0:
		conn.SetReadDeadline(time.Now())
	default:
		conn.SetReadDeadline(time.Time{})
	}

	max := t.MaxLineLength
	if max <= 0 {
		max = DefaultMaxLineLength
	}

	for {
		chunk, err := r.ReadSlice('\n')
		t.partial = append(t.partial, chunk...)
		if len(t.partial) > max {
			t.partial = nil
			return nil, ErrLineTooLong
		}
		if err == nil {
			line := t.partial
			t.partial = nil
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if errors.Is(err, io.EOF) && len(t.partial) > 0 {
			t.partial = nil
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

func (t *NetTransport) SetTimeout(d time.Duration) {
	t.timeout = d
}

// Disconnect closes the TCP connection. It may be called from another
// goroutine to abort a blocked ReadLine.
func (t *NetTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
