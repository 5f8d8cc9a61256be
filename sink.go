package smtpc

import (
	"strconv"
	"sync"
)

// OutcomeKind classifies a dispatched reply.
type OutcomeKind int

const (
	// OutcomeSuccess is a reply line with a code below 400.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeError is a reply line with a code of 400 or above.
	OutcomeError

	// OutcomeComplete follows the last line of a successful EHLO, HELP
	// or EXPN reply. It carries the final line again.
	OutcomeComplete
)

// String returns the name of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeError:
		return "Error"
	case OutcomeComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Outcome is one notification from ProcessResponses.
// Multi-line replies produce one Success or Error outcome per line.
type Outcome struct {
	Kind  OutcomeKind
	Tag   Tag
	Reply Reply
}

// Sink receives outcomes in reply order. Returning a non-nil error aborts
// the current ProcessResponses call: the engine finishes reading the
// current reply so the stream stays framed, then returns the error.
// Returning nil continues with the next pending reply.
type Sink interface {
	Notify(o Outcome) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Outcome) error

// Notify calls f(o).
func (f SinkFunc) Notify(o Outcome) error { return f(o) }

// NullSink discards every outcome.
type NullSink struct{}

func (NullSink) Notify(_ Outcome) error { return nil }

// ReplyError carries a negative reply as a Go error. Sinks return it to
// abort processing on a server error.
type ReplyError struct {
	Tag   Tag
	Reply Reply
}

func (e *ReplyError) Error() string {
	return "smtpc: " + e.Tag.String() + " failed: " + strconv.Itoa(int(e.Reply.Code)) + " " + e.Reply.Message
}

// ReplyFunc handles a single reply line.
type ReplyFunc func(code ReplyCode, message string) error

// Handlers dispatches outcomes to one function per command. Nil fields
// are skipped. Negative replies go to Error regardless of the command;
// if Error is nil they are ignored.
type Handlers struct {
	Connect ReplyFunc
	Ehlo    ReplyFunc
	Helo    ReplyFunc
	Mail    ReplyFunc
	Rcpt    ReplyFunc
	Data    ReplyFunc
	Send    ReplyFunc
	Bdat    ReplyFunc
	Reset   ReplyFunc
	Noop    ReplyFunc
	Quit    ReplyFunc
	Help    ReplyFunc
	Expand  ReplyFunc
	Verify  ReplyFunc
	Raw     ReplyFunc

	EhloComplete   func() error
	HelpComplete   func() error
	ExpandComplete func() error

	Error func(tag Tag, code ReplyCode, message string) error
}

// Notify implements Sink.
func (h *Handlers) Notify(o Outcome) error {
	switch o.Kind {
	case OutcomeError:
		if h.Error != nil {
			return h.Error(o.Tag, o.Reply.Code, o.Reply.Message)
		}
		return nil
	case OutcomeComplete:
		var fn func() error
		switch o.Tag {
		case TagEHLO:
			fn = h.EhloComplete
		case TagHELP:
			fn = h.HelpComplete
		case TagEXPN:
			fn = h.ExpandComplete
		}
		if fn != nil {
			return fn()
		}
		return nil
	}

	if fn := h.replyFunc(o.Tag); fn != nil {
		return fn(o.Reply.Code, o.Reply.Message)
	}
	return nil
}

func (h *Handlers) replyFunc(tag Tag) ReplyFunc {
	switch tag {
	case TagConnect:
		return h.Connect
	case TagEHLO:
		return h.Ehlo
	case TagHELO:
		return h.Helo
	case TagMAIL:
		return h.Mail
	case TagRCPT:
		return h.Rcpt
	case TagDATA:
		return h.Data
	case TagSEND:
		return h.Send
	case TagBDAT:
		return h.Bdat
	case TagRSET:
		return h.Reset
	case TagNOOP:
		return h.Noop
	case TagQUIT:
		return h.Quit
	case TagHELP:
		return h.Help
	case TagEXPN:
		return h.Expand
	case TagVRFY:
		return h.Verify
	case TagRaw:
		return h.Raw
	default:
		return nil
	}
}

// Recorder is a Sink that keeps every outcome. It is safe for use from
// multiple goroutines.
type Recorder struct {
	// AbortOnError makes Notify return a *ReplyError for negative replies.
	AbortOnError bool

	mu       sync.Mutex
	outcomes []Outcome
}

// Notify implements Sink.
func (r *Recorder) Notify(o Outcome) error {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()

	if r.AbortOnError && o.Kind == OutcomeError {
		return &ReplyError{Tag: o.Tag, Reply: o.Reply}
	}
	return nil
}

// Outcomes returns a copy of the recorded outcomes.
func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Last returns the most recent outcome, if any.
func (r *Recorder) Last() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return Outcome{}, false
	}
	return r.outcomes[len(r.outcomes)-1], true
}

// Reset discards the recorded outcomes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.outcomes = nil
	r.mu.Unlock()
}
