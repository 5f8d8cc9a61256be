// Package harness provides a test harness for SMTP client sessions.
// It allows testing engine conversations without network sockets.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/iceisfun/smtpc"
)

// Responder produces server replies for client traffic.
type Responder interface {
	// Greet returns the lines sent when a client connects.
	Greet() []string

	// Respond is called with every flushed chunk of client bytes and
	// returns the reply lines to queue, in order.
	Respond(data []byte) []string
}

// Server is a scripted SMTP server that implements smtpc.Transport.
// Reply lines are queued with Reply or produced by a Responder; everything
// the client flushes is recorded.
type Server struct {
	// Responder answers client traffic. If nil, replies must be queued
	// with Reply.
	Responder Responder

	// ConnectErr is returned by Connect when set.
	ConnectErr error

	// FlushErr is returned by Flush when set.
	FlushErr error

	// Transcript records the full conversation.
	Transcript *Transcript

	mu        sync.Mutex
	cond      *sync.Cond
	incoming  bytes.Buffer
	pending   bytes.Buffer
	flushed   bytes.Buffer
	timeout   time.Duration
	connected bool
	hungUp    bool
	connects  int
	flushes   int
	address   string
}

// NewServer creates a server. responder may be nil.
func NewServer(responder Responder) *Server {
	s := &Server{
		Responder:  responder,
		Transcript: NewTranscript(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Connect implements smtpc.Transport.
func (s *Server) Connect(ctx context.Context, host string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	if s.connected {
		return smtpc.ErrAlreadyConnected
	}

	s.connected = true
	s.hungUp = false
	s.connects++
	s.address = fmt.Sprintf("%s:%d", host, port)
	if s.Responder != nil {
		s.queue(s.Responder.Greet())
	}
	return nil
}

// Write implements smtpc.Transport. Bytes are held until Flush.
func (s *Server) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return 0, smtpc.ErrNotConnected
	}
	return s.pending.Write(p)
}

// Flush implements smtpc.Transport.
func (s *Server) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return smtpc.ErrNotConnected
	}
	if s.FlushErr != nil {
		return s.FlushErr
	}

	s.flushes++
	if s.pending.Len() == 0 {
		return nil
	}

	chunk := append([]byte(nil), s.pending.Bytes()...)
	s.pending.Reset()
	s.flushed.Write(chunk)
	s.Transcript.RecordClient(string(chunk))

	if s.Responder != nil {
		s.queue(s.Responder.Respond(chunk))
	}
	return nil
}

// ReadLine implements smtpc.Transport. Incomplete lines stay buffered
// until the rest arrives.
func (s *Server) ReadLine() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
		timer := time.AfterFunc(s.timeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		if !s.connected {
			return nil, smtpc.ErrNotConnected
		}
		if i := bytes.IndexByte(s.incoming.Bytes(), '\n'); i >= 0 {
			line := make([]byte, i+1)
			s.incoming.Read(line)
			s.Transcript.RecordServer(string(line))
			return line, nil
		}
		if s.hungUp {
			return nil, fmt.Errorf("server hung up: %w", io.EOF)
		}
		if s.timeout < 0 {
			return nil, fmt.Errorf("%w: no complete line buffered", smtpc.ErrTimeout)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: no reply within %v", smtpc.ErrTimeout, s.timeout)
		}
		s.cond.Wait()
	}
}

// SetTimeout implements smtpc.Transport.
func (s *Server) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	s.cond.Broadcast()
}

// Disconnect implements smtpc.Transport. Blocked reads return
// smtpc.ErrNotConnected.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.pending.Reset()
	s.incoming.Reset()
	s.cond.Broadcast()
	return nil
}

// Reply queues reply lines. A missing CRLF is added.
func (s *Server) Reply(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(lines)
}

// ReplyRaw queues bytes exactly as given, e.g. half of a line.
func (s *Server) ReplyRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming.WriteString(data)
	s.cond.Broadcast()
}

// HangUp makes reads fail once the queued lines are consumed.
func (s *Server) HangUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungUp = true
	s.cond.Broadcast()
}

func (s *Server) queue(lines []string) {
	for _, line := range lines {
		s.incoming.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			s.incoming.WriteString("\r\n")
		}
	}
	s.cond.Broadcast()
}

// Written returns everything the client has flushed so far.
func (s *Server) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed.String()
}

// TakeWritten returns the flushed client bytes and forgets them.
func (s *Server) TakeWritten() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.flushed.String()
	s.flushed.Reset()
	return out
}

// Unflushed returns bytes written but not yet flushed.
func (s *Server) Unflushed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.String()
}

// Flushes returns the number of Flush calls on an open connection.
func (s *Server) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Connects returns the number of successful Connect calls.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Connected reports whether the client holds the connection open.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Address returns host:port of the last Connect.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Transcript records an SMTP conversation.
type Transcript struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

// TranscriptEntry is a single entry in the transcript.
type TranscriptEntry struct {
	Time      time.Time
	Direction TranscriptDirection
	Data      string
}

// TranscriptDirection indicates client or server.
type TranscriptDirection int

const (
	DirectionClient TranscriptDirection = iota
	DirectionServer
)

// NewTranscript creates a new transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// RecordClient records data from the client.
func (t *Transcript) RecordClient(data string) {
	t.record(DirectionClient, data)
}

// RecordServer records data from the server.
func (t *Transcript) RecordServer(data string) {
	t.record(DirectionServer, data)
}

func (t *Transcript) record(dir TranscriptDirection, data string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, TranscriptEntry{
		Time:      time.Now(),
		Direction: dir,
		Data:      data,
	})
}

// String returns the transcript as a string.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, e := range t.entries {
		prefix := "S: "
		if e.Direction == DirectionClient {
			prefix = "C: "
		}
		for _, line := range strings.SplitAfter(strings.TrimSuffix(e.Data, "\r\n"), "\r\n") {
			b.WriteString(prefix)
			b.WriteString(strings.TrimSuffix(line, "\r\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Entries returns all transcript entries.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]TranscriptEntry, len(t.entries))
	copy(result, t.entries)
	return result
}
