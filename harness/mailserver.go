package harness

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
)

// Message is a message received by a MailServer.
type Message struct {
	From       string
	Recipients []string
	Data       []byte
	Chunked    bool
}

// MailServer is a Responder that accepts mail like a permissive SMTP
// server. It understands DATA and BDAT and keeps every message it accepts.
type MailServer struct {
	// Hostname is used in the greeting and EHLO reply.
	Hostname string

	// Extensions are the EHLO keywords advertised, e.g. "PIPELINING".
	Extensions []string

	// RejectHelo makes EHLO fail with 502 so clients fall back to HELO.
	RejectHelo bool

	// RejectRecipient returns true for addresses RCPT should refuse.
	RejectRecipient func(address string) bool
	// RejectSender returns true for reverse paths MAIL should refuse.
	RejectSender func(address string) bool

	mu       sync.Mutex
	buf      []byte
	inData   bool
	bdatLeft int
	bdatLast bool
	inMail   bool
	current  Message
	messages []Message
	commands []string
}

// NewMailServer creates a server advertising the given extensions.
func NewMailServer(hostname string, extensions ...string) *MailServer {
	return &MailServer{
		Hostname:   hostname,
		Extensions: extensions,
	}
}

// Greet implements Responder.
func (m *MailServer) Greet() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	m.inData = false
	m.bdatLeft = 0
	m.inMail = false
	m.current = Message{}
	return []string{"220 " + m.Hostname + " ESMTP ready"}
}

// Respond implements Responder.
func (m *MailServer) Respond(data []byte) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf = append(m.buf, data...)

	var out []string
	for {
		if m.bdatLeft > 0 {
			n := min(m.bdatLeft, len(m.buf))
			m.current.Data = append(m.current.Data, m.buf[:n]...)
			m.buf = m.buf[n:]
			m.bdatLeft -= n
			if m.bdatLeft > 0 {
				return out
			}
			out = append(out, m.chunkDone())
			continue
		}

		i := bytes.Index(m.buf, []byte("\r\n"))
		if i < 0 {
			return out
		}
		line := string(m.buf[:i])
		m.buf = m.buf[i+2:]

		if m.inData {
			if line == "." {
				m.inData = false
				out = append(out, m.accept())
				continue
			}
			line = strings.TrimPrefix(line, ".")
			m.current.Data = append(m.current.Data, line...)
			m.current.Data = append(m.current.Data, "\r\n"...)
			continue
		}

		m.commands = append(m.commands, line)
		out = append(out, m.command(line)...)
	}
}

func (m *MailServer) command(line string) []string {
	verb, arg, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "EHLO":
		if m.RejectHelo {
			return []string{"502 5.5.1 EHLO not implemented"}
		}
		if len(m.Extensions) == 0 {
			return []string{"250 " + m.Hostname}
		}
		lines := []string{"250-" + m.Hostname + " greets " + arg}
		for i, ext := range m.Extensions {
			sep := "-"
			if i == len(m.Extensions)-1 {
				sep = " "
			}
			lines = append(lines, "250"+sep+ext)
		}
		return lines
	case "HELO":
		return []string{"250 " + m.Hostname}
	case "MAIL":
		if m.RejectSender != nil && m.RejectSender(path(arg)) {
			return []string{"550 5.7.1 Sender rejected"}
		}
		m.current = Message{From: path(arg)}
		m.inMail = true
		return []string{"250 2.1.0 Sender OK"}
	case "RCPT":
		if !m.inMail {
			return []string{"503 5.5.1 Need MAIL command"}
		}
		address := path(arg)
		if m.RejectRecipient != nil && m.RejectRecipient(address) {
			return []string{"550 5.1.1 <" + address + ">: Recipient address rejected"}
		}
		m.current.Recipients = append(m.current.Recipients, address)
		return []string{"250 2.1.5 Recipient OK"}
	case "DATA":
		if len(m.current.Recipients) == 0 {
			return []string{"554 5.5.1 No valid recipients"}
		}
		m.inData = true
		return []string{"354 End data with <CR><LF>.<CR><LF>"}
	case "BDAT":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return []string{"501 5.5.4 Syntax: BDAT size [LAST]"}
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			return []string{"501 5.5.4 Invalid chunk size"}
		}
		m.current.Chunked = true
		m.bdatLast = len(fields) > 1 && strings.EqualFold(fields[1], "LAST")
		if n == 0 {
			return []string{m.chunkDone()}
		}
		m.bdatLeft = n
		return nil
	case "RSET":
		m.inMail = false
		m.current = Message{}
		return []string{"250 2.0.0 OK"}
	case "NOOP":
		return []string{"250 2.0.0 OK"}
	case "QUIT":
		return []string{"221 2.0.0 Bye"}
	case "HELP":
		return []string{
			"214-Commands supported:",
			"214 EHLO HELO MAIL RCPT DATA BDAT RSET NOOP QUIT VRFY",
		}
	case "VRFY":
		return []string{"252 2.1.5 Cannot VRFY user"}
	case "EXPN":
		return []string{"502 5.5.1 EXPN not implemented"}
	default:
		return []string{"500 5.5.2 Command unrecognized"}
	}
}

func (m *MailServer) chunkDone() string {
	if !m.bdatLast {
		return "250 2.0.0 " + strconv.Itoa(len(m.current.Data)) + " octets received"
	}
	return m.accept()
}

func (m *MailServer) accept() string {
	m.messages = append(m.messages, m.current)
	m.inMail = false
	m.current = Message{}
	return "250 2.0.0 Message accepted for delivery"
}

// Messages returns the accepted messages.
func (m *MailServer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Commands returns the command lines received, message content excluded.
func (m *MailServer) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// path extracts the address from "FROM:<a@b> SIZE=1".
func path(arg string) string {
	start := strings.IndexByte(arg, '<')
	end := strings.IndexByte(arg, '>')
	if start < 0 || end < start {
		return ""
	}
	return arg[start+1 : end]
}
