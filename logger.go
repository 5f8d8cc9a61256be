package smtpc

import (
	"io"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Common log keys.
const (
	KeySession = "session"
	KeyServer  = "server"
	KeyCommand = "command"
	KeyCode    = "code"
	KeyLine    = "line"
	KeyPending = "pending"
	KeyState   = "state"
	KeyErr     = "err"
)

// NewLogger builds a go-kit logger writing to w, filtered at the named
// level ("debug", "info", "warn", "error"; anything else is debug).
// JSON output is used when json is true, logfmt otherwise.
func NewLogger(w io.Writer, levelName string, json bool) log.Logger {
	var logger log.Logger
	if json {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(levelName) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// Transcript records the raw SMTP conversation.
// This is useful for debugging and testing.
type Transcript interface {
	// Sent records bytes written to the server.
	Sent(data []byte)

	// Received records a line read from the server.
	Received(data []byte)
}

// WriterTranscript writes transcripts to an io.Writer, prefixing client
// traffic with "C: " and server traffic with "S: ".
type WriterTranscript struct {
	Writer io.Writer

	mu sync.Mutex
}

// Sent logs client output. Message content is logged as one entry.
func (l *WriterTranscript) Sent(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Writer.Write([]byte("C: "))
	l.Writer.Write(data)
}

// Received logs server output.
func (l *WriterTranscript) Received(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Writer.Write([]byte("S: "))
	l.Writer.Write(data)
}

type nullTranscript struct{}

func (nullTranscript) Sent(_ []byte)     {}
func (nullTranscript) Received(_ []byte) {}
