package smtpc

import (
	"strings"
	"time"

	"github.com/go-kit/kit/log"
)

// Config contains configuration for an Engine.
type Config struct {
	// Timeout is the read timeout applied to the transport: 0 blocks
	// indefinitely, negative is non-blocking, positive bounds each read.
	Timeout time.Duration

	// ChunkSize is the number of body bytes Send reads and writes at a
	// time. It must be positive.
	ChunkSize int

	// Pipelining requests RFC 2920 pipelining. The engine enables it
	// automatically once an EHLO reply advertises PIPELINING; it is never
	// enabled against a server that did not advertise it.
	Pipelining bool

	// Logger receives structured log events. If nil, logging is disabled.
	Logger log.Logger

	// Metrics receives counters. If nil, metrics are discarded.
	Metrics *Metrics

	// Observer is notified of state transitions. If nil, none is used.
	Observer StateObserver

	// Transcript records raw traffic. If nil, nothing is recorded.
	Transcript Transcript
}

// Default settings.
const (
	DefaultTimeout   = 5 * time.Minute
	DefaultChunkSize = 32 * 1024
)

// DefaultConfig returns the settings used by NewEngine when fields are
// left zero.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		ChunkSize: DefaultChunkSize,
	}
}

// SessionID identifies an engine in logs and journals.
type SessionID = string

// Extensions holds the ESMTP keywords advertised by the last EHLO reply.
// Keys are upper case; values are the (possibly empty) parameters.
type Extensions map[string]string

// Supports reports whether the keyword was advertised.
func (x Extensions) Supports(keyword string) bool {
	_, ok := x[strings.ToUpper(keyword)]
	return ok
}

// Param returns the parameters advertised with keyword, e.g. "1000000"
// for SIZE.
func (x Extensions) Param(keyword string) (string, bool) {
	v, ok := x[strings.ToUpper(keyword)]
	return v, ok
}
