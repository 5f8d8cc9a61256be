package smtpc

import (
	"bytes"
	"errors"
)

// Parser errors.
var (
	// ErrShortReply indicates a reply line shorter than code plus separator.
	ErrShortReply = errors.New("reply line too short")

	// ErrInvalidCode indicates the first three bytes are not a reply code.
	ErrInvalidCode = errors.New("invalid reply code")

	// ErrInvalidSeparator indicates the fourth byte is neither ' ' nor '-'.
	ErrInvalidSeparator = errors.New("invalid reply separator")
)

// ParseError contains details about a reply line that could not be decoded.
type ParseError struct {
	// Err is the underlying error.
	Err error

	// Position is the byte position where the error occurred.
	Position ParsePosition

	// Input is the offending line without its terminator.
	Input string
}

// ParsePosition is a position in the input.
type ParsePosition = int

func (e *ParseError) Error() string {
	if e.Input != "" {
		return e.Err.Error() + ": " + quoteLine(e.Input)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// quoteLine bounds the amount of server text copied into error messages.
func quoteLine(s string) string {
	const max = 64
	if len(s) > max {
		s = s[:max] + "..."
	}
	return "\"" + s + "\""
}

// Parser decodes SMTP reply lines.
type Parser struct {
	// Strict rejects codes whose first digit is outside 1-5.
	Strict bool
}

// NewParser creates a new parser with default settings.
func NewParser() *Parser {
	return &Parser{Strict: true}
}

// ParseReply decodes a single reply line. The line may include its
// trailing CRLF or LF. A line of exactly "NNN " yields an empty message.
func (p *Parser) ParseReply(line []byte) (Reply, error) {
	line = trimEOL(line)

	if len(line) < 4 {
		return Reply{}, &ParseError{
			Err:      ErrShortReply,
			Position: len(line),
			Input:    string(line),
		}
	}

	code := 0
	for i := 0; i < 3; i++ {
		c := line[i]
		if c < '0' || c > '9' {
			return Reply{}, &ParseError{
				Err:      ErrInvalidCode,
				Position: i,
				Input:    string(line),
			}
		}
		code = code*10 + int(c-'0')
	}
	if p.Strict && (line[0] < '1' || line[0] > '5') {
		return Reply{}, &ParseError{
			Err:   ErrInvalidCode,
			Input: string(line),
		}
	}

	var continued bool
	switch line[3] {
	case ' ':
	case '-':
		continued = true
	default:
		return Reply{}, &ParseError{
			Err:      ErrInvalidSeparator,
			Position: 3,
			Input:    string(line),
		}
	}

	return Reply{
		Code:      ReplyCode(code),
		Message:   string(line[4:]),
		Continued: continued,
	}, nil
}

// IsContinuation reports whether a raw line belongs to a multi-line reply
// that has more lines to come. It does not validate the code.
func IsContinuation(line []byte) bool {
	return len(line) >= 4 && line[3] == '-'
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line
}
