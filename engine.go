package smtpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
)

// Engine is the SMTP client protocol engine.
// It drives a single session over a Transport. Every exported method
// takes the engine lock; an Engine may be shared between goroutines but
// commands are still issued one session step at a time.
type Engine struct {
	transport  Transport
	parser     *Parser
	sink       Sink
	logger     log.Logger
	metrics    *Metrics
	observer   StateObserver
	transcript Transcript

	sessionID SessionID
	server    string

	timeout        time.Duration
	chunkSize      int
	wantPipelining bool

	// Synchronization
	mu sync.Mutex

	queue      PendingQueue
	st         engineState
	extensions Extensions
	ehloExt    Extensions
	reported   State
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSessionID sets a specific session ID.
func WithSessionID(id SessionID) EngineOption {
	return func(e *Engine) {
		e.sessionID = id
	}
}

// WithSink sets the reply sink.
func WithSink(sink Sink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithParser replaces the reply parser.
func WithParser(p *Parser) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.parser = p
		}
	}
}

// NewEngine creates an engine over t. It does not connect.
func NewEngine(t Transport, config Config, opts ...EngineOption) *Engine {
	e := &Engine{
		transport:      t,
		parser:         NewParser(),
		sink:           NullSink{},
		metrics:        config.Metrics,
		observer:       config.Observer,
		transcript:     config.Transcript,
		timeout:        config.Timeout,
		chunkSize:      config.ChunkSize,
		wantPipelining: config.Pipelining,
		sessionID:      uuid.NewString(),
	}

	for _, opt := range opts {
		opt(e)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e.logger = log.With(logger, KeySession, e.sessionID)

	if e.metrics == nil {
		e.metrics = NewDiscardMetrics()
	}
	if e.observer == nil {
		e.observer = NullStateObserver{}
	}
	if e.transcript == nil {
		e.transcript = nullTranscript{}
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}

	return e
}

// Connect opens the transport and queues the server greeting. Nothing is
// written; call ProcessResponses to read the 220 reply.
func (e *Engine) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("smtpc: connect %q port %d: %w", host, port, ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.connected {
		return ErrAlreadyConnected
	}

	e.st = engineState{}
	e.queue.Clear()
	e.extensions = nil
	e.ehloExt = nil

	e.transport.SetTimeout(e.timeout)
	if err := e.transport.Connect(ctx, host, port); err != nil {
		level.Info(e.logger).Log("msg", "connect failed", KeyServer, host, KeyErr, err)
		return fmt.Errorf("smtpc: connect: %w", err)
	}

	e.server = net.JoinHostPort(host, strconv.Itoa(port))
	e.st.connected = true
	e.queue.Push(TagConnect)
	e.st.mustProcess = true
	e.metrics.Pending.Set(float64(e.queue.Len()))

	level.Info(e.logger).Log("msg", "connected", KeyServer, e.server)
	e.notifyState(TagConnect)
	return nil
}

// Disconnect closes the transport and discards pending replies. It may be
// called from another goroutine to abort a ProcessResponses call blocked
// in a read; the transport is closed before the engine lock is taken.
func (e *Engine) Disconnect() error {
	err := e.transport.Disconnect()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.markDisconnected(TagRaw)
	return err
}

func (e *Engine) markDisconnected(tag Tag) {
	if !e.st.connected {
		return
	}
	e.st = engineState{}
	e.queue.Clear()
	e.metrics.Pending.Set(0)
	level.Info(e.logger).Log("msg", "disconnected", KeyServer, e.server)
	e.notifyState(tag)
}

// Ehlo sends EHLO. Its reply also updates Extensions and pipelining
// support.
func (e *Engine) Ehlo(domain string) error {
	return e.command(TagEHLO, domain, true, func() string { return formatHello("EHLO", domain) })
}

// Helo sends HELO. A successful reply clears any advertised extensions.
func (e *Engine) Helo(domain string) error {
	return e.command(TagHELO, domain, true, func() string { return formatHello("HELO", domain) })
}

// Mail sends MAIL FROM. An empty address sends the null reverse-path <>.
func (e *Engine) Mail(address string, params Params) error {
	if err := checkPath(address); err != nil {
		return fmt.Errorf("smtpc: MAIL: %w", err)
	}
	if err := checkParams(params); err != nil {
		return fmt.Errorf("smtpc: MAIL: %w", err)
	}
	return e.command(TagMAIL, address, false, func() string { return formatPath("MAIL", "FROM", address, params) })
}

// Rcpt sends RCPT TO.
func (e *Engine) Rcpt(address string, params Params) error {
	if err := checkPath(address); err != nil {
		return fmt.Errorf("smtpc: RCPT: %w", err)
	}
	if err := checkParams(params); err != nil {
		return fmt.Errorf("smtpc: RCPT: %w", err)
	}
	return e.command(TagRCPT, address, true, func() string { return formatPath("RCPT", "TO", address, params) })
}

// Data sends DATA. Once a reply below 400 has been processed the engine
// is in StateSendingData and the body must be sent with Send.
func (e *Engine) Data() error {
	return e.command(TagDATA, "", false, func() string { return "DATA\r\n" })
}

// Reset sends RSET.
func (e *Engine) Reset() error {
	return e.command(TagRSET, "", false, func() string { return "RSET\r\n" })
}

// Noop sends NOOP.
func (e *Engine) Noop() error {
	return e.command(TagNOOP, "", false, func() string { return "NOOP\r\n" })
}

// Quit sends QUIT. The transport is disconnected once the reply has been
// processed.
func (e *Engine) Quit() error {
	return e.command(TagQUIT, "", false, func() string { return "QUIT\r\n" })
}

// Help sends HELP with an optional topic.
func (e *Engine) Help(topic string) error {
	return e.command(TagHELP, topic, false, func() string { return formatWithArg("HELP", topic) })
}

// Expand sends EXPN for a mailing list.
func (e *Engine) Expand(list string) error {
	return e.command(TagEXPN, list, true, func() string { return formatWithArg("EXPN", list) })
}

// Verify sends VRFY for a user or mailbox.
func (e *Engine) Verify(user string) error {
	return e.command(TagVRFY, user, true, func() string { return formatWithArg("VRFY", user) })
}

// SendCommand sends a caller-formatted command line. A trailing CRLF is
// optional; embedded line breaks are rejected.
func (e *Engine) SendCommand(raw string) error {
	raw = strings.TrimSuffix(raw, "\r\n")
	return e.command(TagRaw, raw, true, func() string { return raw + "\r\n" })
}

// Bdat sends data[offset:offset+length] as one BDAT chunk (RFC 3030).
// last marks the final chunk of the message.
func (e *Engine) Bdat(data []byte, offset, length int, last bool) error {
	if offset < 0 || length < 0 || offset > len(data) || length > len(data)-offset {
		return fmt.Errorf("smtpc: BDAT offset %d length %d of %d bytes: %w", offset, length, len(data), ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.st.checkCommand(TagBDAT.String()); err != nil {
		return err
	}

	header := formatBdat(length, last)
	if _, err := io.WriteString(e.transport, header); err != nil {
		return fmt.Errorf("smtpc: writing BDAT: %w", err)
	}
	if _, err := e.transport.Write(data[offset : offset+length]); err != nil {
		return fmt.Errorf("smtpc: writing BDAT chunk: %w", err)
	}
	e.transcript.Sent([]byte(header))
	e.metrics.BytesSent.Add(float64(length))

	return e.enqueue(TagBDAT)
}

// Send streams the message body after an accepted DATA. Content is
// dot-stuffed, bare LF is sent as CRLF and the <CRLF>.<CRLF> terminator
// is appended. If Send fails part way the session cannot be recovered and
// should be disconnected.
func (e *Engine) Send(ctx context.Context, body io.Reader) error {
	if body == nil {
		return fmt.Errorf("smtpc: SEND: nil body: %w", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.st.connected {
		return &StateConflictError{Op: TagSEND.String(), State: e.st.state(), Err: ErrNotConnected}
	}
	if !e.st.sendingData {
		return &StateConflictError{Op: TagSEND.String(), State: e.st.state(), Err: ErrNotSendingData}
	}

	dw := newDotWriter(e.transport)
	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := dw.Write(buf[:n]); err != nil {
				return fmt.Errorf("smtpc: writing message body: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("smtpc: reading message body: %w", rerr)
		}
	}
	if err := dw.Close(); err != nil {
		return fmt.Errorf("smtpc: writing end of data: %w", err)
	}

	e.transcript.Sent([]byte("<" + strconv.FormatInt(dw.Written(), 10) + " bytes of message content>\r\n"))
	e.metrics.BytesSent.Add(float64(dw.Written()))
	e.st.sendingData = false

	return e.enqueue(TagSEND)
}

// command validates state and arguments, then writes one command line.
func (e *Engine) command(tag Tag, arg string, required bool, line func() string) error {
	if required && arg == "" {
		return fmt.Errorf("smtpc: %s: empty argument: %w", tag, ErrInvalidArgument)
	}
	if strings.ContainsAny(arg, "\r\n") {
		return fmt.Errorf("smtpc: %s: line break in argument: %w", tag, ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.st.checkCommand(tag.String()); err != nil {
		return err
	}

	text := line()
	if _, err := io.WriteString(e.transport, text); err != nil {
		return fmt.Errorf("smtpc: writing %s: %w", tag, err)
	}
	e.transcript.Sent([]byte(text))

	return e.enqueue(tag)
}

// enqueue records the reply owed for tag and flushes unless the command
// can join a pipelined group.
func (e *Engine) enqueue(tag Tag) error {
	e.queue.Push(tag)
	e.metrics.Commands.With("command", tag.String()).Add(1)
	e.metrics.Pending.Set(float64(e.queue.Len()))

	defer e.notifyState(tag)

	if e.st.pipeliningEnabled && tag.Pipelinable() {
		e.st.unflushed = true
		level.Debug(e.logger).Log("msg", "command queued", KeyCommand, tag, KeyPending, e.queue.Len())
		return nil
	}

	e.st.unflushed = false
	e.st.mustProcess = true
	if err := e.transport.Flush(); err != nil {
		return fmt.Errorf("smtpc: flushing %s: %w", tag, err)
	}
	level.Debug(e.logger).Log("msg", "command sent", KeyCommand, tag, KeyPending, e.queue.Len())
	return nil
}

// ProcessResponses reads every reply still owed and dispatches it to the
// sink, oldest first. Pipelined commands are flushed first.
//
// A read timeout returns an error wrapping ErrTimeout and leaves the
// queue as it was; calling ProcessResponses again resumes where the read
// stopped. A malformed line returns a *ParseError after dropping the
// current command. When the sink returns an error, the rest of the
// current reply is read without dispatch and the sink's error is returned.
func (e *Engine) ProcessResponses(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.Len() == 0 {
		e.st.mustProcess = false
		return nil
	}

	last := TagRaw
	defer func() { e.notifyState(last) }()

	if e.st.unflushed {
		e.st.unflushed = false
		if err := e.transport.Flush(); err != nil {
			return fmt.Errorf("smtpc: flushing pipelined commands: %w", err)
		}
	}
	e.st.mustProcess = true

	for e.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		tag, _ := e.queue.Peek()
		last = tag
		if err := e.readReply(tag); err != nil {
			return err
		}
	}

	e.st.mustProcess = false
	return nil
}

// readReply consumes the lines of the reply owed for tag.
func (e *Engine) readReply(tag Tag) error {
	var abortErr error

	for {
		raw, err := e.transport.ReadLine()
		if err != nil {
			err = fmt.Errorf("smtpc: reading %s reply: %w", tag, err)
			if errors.Is(err, ErrTimeout) {
				level.Debug(e.logger).Log("msg", "read timed out", KeyCommand, tag, KeyPending, e.queue.Len())
			} else {
				level.Warn(e.logger).Log("msg", "read failed", KeyCommand, tag, KeyErr, err)
			}
			if abortErr != nil {
				return errors.Join(abortErr, err)
			}
			return err
		}
		e.transcript.Received(raw)

		reply, err := e.parser.ParseReply(raw)
		if err != nil {
			e.dropFront()
			level.Warn(e.logger).Log("msg", "malformed reply", KeyCommand, tag, KeyErr, err)
			err = fmt.Errorf("smtpc: %s reply: %w", tag, err)
			if abortErr != nil {
				return errors.Join(abortErr, err)
			}
			return err
		}

		if tag == TagEHLO {
			e.scanExtension(reply)
		}

		level.Debug(e.logger).Log("msg", "reply", KeyCommand, tag, KeyCode, int(reply.Code), KeyLine, reply.Message)

		if !e.st.discarding {
			kind := OutcomeSuccess
			if reply.Code.IsNegative() {
				kind = OutcomeError
			}
			if serr := e.sink.Notify(Outcome{Kind: kind, Tag: tag, Reply: reply}); serr != nil {
				level.Warn(e.logger).Log("msg", "sink aborted processing", KeyCommand, tag, KeyCode, int(reply.Code), KeyErr, serr)
				abortErr = serr
				e.st.discarding = true
			}
		}

		if reply.Continued {
			e.st.inReply = true
			continue
		}

		discarded := e.st.discarding
		e.finishReply(tag, reply)

		if !discarded && tag.MultiLine() && !reply.Code.IsNegative() {
			if serr := e.sink.Notify(Outcome{Kind: OutcomeComplete, Tag: tag, Reply: reply}); serr != nil {
				abortErr = serr
			}
		}

		if abortErr != nil {
			e.st.mustProcess = false
			return abortErr
		}
		return nil
	}
}

// dropFront discards the reply being read after a framing error.
func (e *Engine) dropFront() {
	e.queue.Pop()
	e.st.inReply = false
	e.st.discarding = false
	e.st.mustProcess = false
	e.metrics.Pending.Set(float64(e.queue.Len()))
}

// finishReply pops tag and applies the protocol effects of its final line.
func (e *Engine) finishReply(tag Tag, reply Reply) {
	e.queue.Pop()
	e.st.inReply = false
	e.st.discarding = false
	e.metrics.Replies.With("command", tag.String(), "class", reply.Code.Class()).Add(1)
	e.metrics.Pending.Set(float64(e.queue.Len()))

	ok := !reply.Code.IsNegative()

	switch tag {
	case TagDATA:
		if ok {
			e.st.sendingData = true
		}
	case TagEHLO:
		if ok {
			e.extensions = e.ehloExt
		} else {
			e.extensions = nil
		}
		e.ehloExt = nil
		if !e.st.pipeliningSupported {
			e.st.pipeliningEnabled = false
		} else if ok && e.wantPipelining {
			e.st.pipeliningEnabled = true
		}
	case TagHELO:
		if ok {
			e.extensions = nil
			e.st.pipeliningSupported = false
			e.st.pipeliningEnabled = false
		}
	case TagQUIT:
		if err := e.transport.Disconnect(); err != nil {
			level.Debug(e.logger).Log("msg", "close after QUIT", KeyErr, err)
		}
		e.markDisconnected(TagQUIT)
	}
}

// scanExtension records one line of an EHLO reply. PIPELINING support is
// taken from every line whatever the reply code.
func (e *Engine) scanExtension(reply Reply) {
	if !e.st.inReply {
		e.ehloExt = make(Extensions)
		e.st.pipeliningSupported = false
	}

	keyword, param, _ := strings.Cut(strings.TrimSpace(reply.Message), " ")
	keyword = strings.ToUpper(keyword)
	if keyword == "PIPELINING" {
		e.st.pipeliningSupported = true
	}
	if isEhloKeyword(keyword) {
		e.ehloExt[keyword] = strings.TrimSpace(param)
	}
}

// isEhloKeyword matches the RFC 5321 ehlo-keyword grammar, which keeps the
// greeting's domain out of the extension set.
func isEhloKeyword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' && i > 0:
		default:
			return false
		}
	}
	return true
}

// notifyState reports a change since the last reported state.
func (e *Engine) notifyState(tag Tag) {
	before, after := e.reported, e.st.state()
	if after == before {
		return
	}
	e.reported = after
	level.Debug(e.logger).Log("msg", "state change", KeyState, after.String(), KeyCommand, tag)
	e.observer.OnStateChange(StateTransition{From: before, To: after, Tag: tag})
}

// SetTimeout configures the transport read timeout. See Config.Timeout.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
	e.transport.SetTimeout(d)
}

// SetChunkSize sets the number of body bytes Send handles at a time.
func (e *Engine) SetChunkSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("smtpc: chunk size %d: %w", n, ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chunkSize = n
	return nil
}

// SetPipelining turns pipelining on or off. Enabling fails with
// ErrPipeliningUnsupported unless the last EHLO reply advertised
// PIPELINING. Disabling flushes commands that were waiting for the end of
// their group.
func (e *Engine) SetPipelining(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enabled && !e.st.pipeliningSupported {
		return ErrPipeliningUnsupported
	}

	e.wantPipelining = enabled
	if enabled {
		e.st.pipeliningEnabled = true
		return nil
	}

	e.st.pipeliningEnabled = false
	if e.st.unflushed {
		e.st.unflushed = false
		e.st.mustProcess = e.queue.Len() > 0
		defer e.notifyState(TagRaw)
		if err := e.transport.Flush(); err != nil {
			return fmt.Errorf("smtpc: flushing pipelined commands: %w", err)
		}
	}
	return nil
}

// SetSink replaces the reply sink. A nil sink discards outcomes.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sink == nil {
		sink = NullSink{}
	}
	e.sink = sink
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.state()
}

// Pending returns the number of replies the server still owes.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// PendingTags returns the commands still awaiting replies, oldest first.
func (e *Engine) PendingTags() []Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Tags()
}

// PipeliningSupported reports whether the last EHLO reply advertised
// PIPELINING.
func (e *Engine) PipeliningSupported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.pipeliningSupported
}

// PipeliningEnabled reports whether commands are currently pipelined.
func (e *Engine) PipeliningEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.pipeliningEnabled
}

// Extensions returns a copy of the extensions advertised by the last
// successful EHLO reply.
func (e *Engine) Extensions() Extensions {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(Extensions, len(e.extensions))
	for k, v := range e.extensions {
		out[k] = v
	}
	return out
}

// ID returns the session ID used in logs.
func (e *Engine) ID() SessionID { return e.sessionID }

// Server returns host:port of the last Connect.
func (e *Engine) Server() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server
}

// Logger returns the session-scoped logger.
func (e *Engine) Logger() log.Logger { return e.logger }

// checkParams rejects ESMTP parameters that would break the command line.
// Keywords are case-insensitive, so "size" and "SIZE" are duplicates.
func checkParams(params Params) error {
	seen := make(map[string]bool, len(params))
	for k, v := range params {
		if k == "" || strings.ContainsAny(k, " =\r\n") || strings.ContainsAny(v, " \r\n") {
			return fmt.Errorf("parameter %q=%q: %w", k, v, ErrInvalidArgument)
		}
		upper := strings.ToUpper(k)
		if seen[upper] {
			return fmt.Errorf("parameter %q given twice: %w", upper, ErrInvalidArgument)
		}
		seen[upper] = true
	}
	return nil
}

// checkPath rejects addresses that would not fit inside <...>.
func checkPath(address string) error {
	if strings.ContainsAny(address, "<>") {
		return fmt.Errorf("address %q: %w", address, ErrInvalidArgument)
	}
	return nil
}
