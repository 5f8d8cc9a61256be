package smtpc

import (
	"io"
)

// Dot-stuffing states.
const (
	dotBeginLine = iota
	dotInLine
	dotCR
)

// dotWriter escapes message content for the DATA phase.
// A '.' at the start of a line is doubled, bare LF becomes CRLF, and
// Close writes the <CRLF>.<CRLF> terminator, adding the final CRLF if the
// content did not end with one.
type dotWriter struct {
	w     io.Writer
	state int
	buf   []byte
	n     int64
}

func newDotWriter(w io.Writer) *dotWriter {
	return &dotWriter{w: w, state: dotBeginLine}
}

func (d *dotWriter) Write(p []byte) (int, error) {
	out := d.buf[:0]
	for _, c := range p {
		if d.state == dotBeginLine && c == '.' {
			out = append(out, '.')
		}
		if c == '\n' && d.state != dotCR {
			out = append(out, '\r')
		}
		out = append(out, c)

		switch c {
		case '\r':
			d.state = dotCR
		case '\n':
			d.state = dotBeginLine
		default:
			d.state = dotInLine
		}
	}
	d.buf = out

	n, err := d.w.Write(out)
	d.n += int64(n)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close terminates the content. It does not close the underlying writer.
func (d *dotWriter) Close() error {
	var tail string
	switch d.state {
	case dotInLine:
		tail = "\r\n.\r\n"
	case dotCR:
		tail = "\n.\r\n"
	default:
		tail = ".\r\n"
	}
	n, err := io.WriteString(d.w, tail)
	d.n += int64(n)
	d.state = dotBeginLine
	return err
}

// Written returns the number of bytes handed to the underlying writer,
// including escapes and the terminator.
func (d *dotWriter) Written() int64 {
	return d.n
}
