package smtpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
)

// Mailer drives complete mail transactions over an Engine. It installs
// its own sink on the engine; use the Engine directly for custom reply
// handling.
type Mailer struct {
	engine   *Engine
	recorder *Recorder

	// Pipelining enables RFC 2920 pipelining when the server supports it.
	Pipelining bool

	// UseChunking sends content with BDAT when the server advertises
	// CHUNKING.
	UseChunking bool

	// ChunkSize is the BDAT chunk size. 0 means DefaultChunkSize.
	ChunkSize int

	greeting Reply
}

// NewMailer creates a mailer over e.
func NewMailer(e *Engine) *Mailer {
	m := &Mailer{
		engine:   e,
		recorder: &Recorder{},
	}
	e.SetSink(m.recorder)
	return m
}

// Engine returns the underlying engine.
func (m *Mailer) Engine() *Engine { return m.engine }

// Greeting returns the server's connection greeting.
func (m *Mailer) Greeting() Reply { return m.greeting }

// Dial connects, reads the greeting and introduces the client with EHLO,
// falling back to HELO when EHLO is refused.
func (m *Mailer) Dial(ctx context.Context, host string, port int, helo string) error {
	e := m.engine
	if err := e.Connect(ctx, host, port); err != nil {
		return err
	}

	replies, err := m.process(ctx)
	if err != nil {
		e.Disconnect()
		return err
	}
	m.greeting = replies[0].Reply
	if m.greeting.Code.IsNegative() {
		e.Disconnect()
		return &ReplyError{Tag: TagConnect, Reply: m.greeting}
	}

	if err := m.hello(ctx, helo); err != nil {
		e.Disconnect()
		return err
	}

	if m.Pipelining && e.PipeliningSupported() {
		if err := e.SetPipelining(true); err != nil {
			return err
		}
	}

	level.Info(e.Logger()).Log("msg", "session ready", KeyServer, e.Server(),
		"pipelining", e.PipeliningEnabled(), "extensions", len(e.Extensions()))
	return nil
}

func (m *Mailer) hello(ctx context.Context, helo string) error {
	e := m.engine
	final, err := m.single(ctx, func() error { return e.Ehlo(helo) })
	if err != nil {
		return err
	}
	if !final.Code.IsPermanent() {
		if final.Code.IsNegative() {
			return &ReplyError{Tag: TagEHLO, Reply: final}
		}
		return nil
	}

	level.Debug(e.Logger()).Log("msg", "EHLO refused, trying HELO", KeyCode, int(final.Code))
	final, err = m.single(ctx, func() error { return e.Helo(helo) })
	if err != nil {
		return err
	}
	if final.Code.IsNegative() {
		return &ReplyError{Tag: TagHELO, Reply: final}
	}
	return nil
}

// Deliver sends one message. The returned Delivery is non-nil whenever
// any command was written, so per-recipient results are available even
// when an error is returned. A refused transaction is reset with RSET.
func (m *Mailer) Deliver(ctx context.Context, env Envelope, body io.Reader) (*Delivery, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("smtpc: deliver: %w", err)
	}

	e := m.engine
	d := &Delivery{ID: uuid.NewString()}
	d.Chunked = m.UseChunking && e.Extensions().Supports("CHUNKING")
	logger := e.Logger()

	mailCmd := func() error { return e.Mail(env.From, env.MailParams) }
	rcptCmds := make([]func() error, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		rcptCmds = append(rcptCmds, func() error { return e.Rcpt(rcpt, env.RcptParams) })
	}
	pipelinedData := !d.Chunked && e.PipeliningEnabled()

	var mail Reply
	var rcptReplies []Outcome
	if e.PipeliningEnabled() {
		// MAIL, RCPT and (unless chunking) DATA form one pipelined group.
		group := append([]func() error{mailCmd}, rcptCmds...)
		if pipelinedData {
			group = append(group, e.Data)
		}
		replies, err := m.run(ctx, group...)
		if err != nil {
			return d, m.abort(ctx, err)
		}
		mail, rcptReplies = replies[0].Reply, replies[1:]
	} else {
		var err error
		mail, err = m.single(ctx, mailCmd)
		if err != nil {
			return d, m.abort(ctx, err)
		}
		if mail.Code.IsNegative() {
			d.Final = mail
			return d, m.fail(ctx, &ReplyError{Tag: TagMAIL, Reply: mail})
		}
		rcptReplies, err = m.run(ctx, rcptCmds...)
		if err != nil {
			return d, m.abort(ctx, err)
		}
	}

	for i, rcpt := range env.Recipients {
		res := RecipientResult{Address: rcpt, Reply: rcptReplies[i].Reply}
		if res.Reply.Code.IsNegative() {
			d.Rejected = append(d.Rejected, res)
		} else {
			d.Accepted = append(d.Accepted, res)
		}
	}

	if mail.Code.IsNegative() {
		d.Final = mail
		return d, m.fail(ctx, &ReplyError{Tag: TagMAIL, Reply: mail})
	}
	if len(d.Accepted) == 0 {
		d.Final = d.Rejected[len(d.Rejected)-1].Reply
		return d, m.fail(ctx, fmt.Errorf("smtpc: deliver: %w", ErrNoAcceptedRecipients))
	}

	if d.Chunked {
		final, err := m.chunks(ctx, body)
		d.Final = final
		if err != nil {
			return d, m.fail(ctx, err)
		}
	} else {
		var data Reply
		if pipelinedData {
			data = rcptReplies[len(env.Recipients)].Reply
		} else {
			var err error
			data, err = m.single(ctx, e.Data)
			if err != nil {
				return d, err
			}
		}
		if data.Code.IsNegative() {
			d.Final = data
			return d, m.fail(ctx, &ReplyError{Tag: TagDATA, Reply: data})
		}

		final, err := m.single(ctx, func() error { return e.Send(ctx, body) })
		if err != nil {
			return d, err
		}
		d.Final = final
		if final.Code.IsNegative() {
			return d, &ReplyError{Tag: TagSEND, Reply: final}
		}
	}

	level.Info(logger).Log("msg", "message accepted", "delivery", d.ID,
		"accepted", len(d.Accepted), "rejected", len(d.Rejected), KeyCode, int(d.Final.Code))
	return d, nil
}

// chunks sends body as BDAT chunks and returns the last chunk's reply.
func (m *Mailer) chunks(ctx context.Context, body io.Reader) (Reply, error) {
	e := m.engine
	size := m.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	buf := make([]byte, size)
	var cmds []func() error
	for {
		n, err := io.ReadFull(body, buf)
		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return Reply{}, fmt.Errorf("smtpc: reading message body: %w", err)
		}
		chunk := bytes.Clone(buf[:n])
		cmds = append(cmds, func() error { return e.Bdat(chunk, 0, len(chunk), last) })
		if last {
			break
		}
		if !e.PipeliningEnabled() {
			// Without pipelining each chunk waits for its reply anyway.
			replies, err := m.run(ctx, cmds...)
			if err != nil {
				return Reply{}, err
			}
			if r := replies[0].Reply; r.Code.IsNegative() {
				return r, &ReplyError{Tag: TagBDAT, Reply: r}
			}
			cmds = nil
		}
	}

	replies, err := m.run(ctx, cmds...)
	if err != nil {
		return Reply{}, err
	}
	for _, o := range replies {
		if o.Reply.Code.IsNegative() {
			return o.Reply, &ReplyError{Tag: TagBDAT, Reply: o.Reply}
		}
	}
	return replies[len(replies)-1].Reply, nil
}

// fail resets the transaction after a refused command and returns cause.
func (m *Mailer) fail(ctx context.Context, cause error) error {
	e := m.engine
	level.Info(e.Logger()).Log("msg", "transaction refused", KeyErr, cause)

	if e.State() == StateSendingData {
		// DATA was accepted in a pipelined group although nothing else
		// was; end it with empty content.
		if _, err := m.single(ctx, func() error { return e.Send(ctx, bytes.NewReader(nil)) }); err != nil {
			return errors.Join(cause, err)
		}
	}
	if _, err := m.single(ctx, e.Reset); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// abort ends a transaction that stopped on a local error. The RSET is
// only attempted when every reply owed has been read.
func (m *Mailer) abort(ctx context.Context, cause error) error {
	switch m.engine.State() {
	case StateIdle, StateSendingData:
		if m.engine.Pending() == 0 {
			return m.fail(ctx, cause)
		}
	}
	return cause
}

// Close ends the session with QUIT. The transport is closed even when
// QUIT fails.
func (m *Mailer) Close(ctx context.Context) error {
	e := m.engine
	if e.State() == StateDisconnected {
		return nil
	}
	_, err := m.single(ctx, e.Quit)
	if err != nil {
		e.Disconnect()
	}
	return err
}

// single issues one command and returns its final reply.
func (m *Mailer) single(ctx context.Context, cmd func() error) (Reply, error) {
	replies, err := m.run(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	return replies[0].Reply, nil
}

// run issues cmds, processing replies whenever the engine requires it,
// and returns one final-line outcome per command.
func (m *Mailer) run(ctx context.Context, cmds ...func() error) ([]Outcome, error) {
	var replies []Outcome
	for _, cmd := range cmds {
		if m.engine.State() == StateAwaitingResponse {
			got, err := m.process(ctx)
			if err != nil {
				return nil, err
			}
			replies = append(replies, got...)
		}
		if err := cmd(); err != nil {
			return nil, m.drain(ctx, err)
		}
	}
	got, err := m.process(ctx)
	if err != nil {
		return nil, err
	}
	return append(replies, got...), nil
}

// drain reads the replies owed for commands already written before cmd
// failed, so the queue matches the server again.
func (m *Mailer) drain(ctx context.Context, cause error) error {
	if m.engine.Pending() == 0 {
		return cause
	}
	if _, err := m.process(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// process reads the owed replies and returns their final lines.
func (m *Mailer) process(ctx context.Context) ([]Outcome, error) {
	m.recorder.Reset()
	if err := m.engine.ProcessResponses(ctx); err != nil {
		return nil, err
	}

	var finals []Outcome
	for _, o := range m.recorder.Outcomes() {
		if o.Kind != OutcomeComplete && !o.Reply.Continued {
			finals = append(finals, o)
		}
	}
	return finals, nil
}
