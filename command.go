package smtpc

import (
	"slices"
	"strconv"
	"strings"
)

// Tag identifies which command a pending reply belongs to.
// A tag is queued when its command is written and removed once the
// server's reply to it has been fully read.
type Tag uint8

const (
	// TagConnect stands for the 220 greeting owed after Connect.
	TagConnect Tag = iota

	// TagEHLO identifies the client and requests extended SMTP (RFC 5321).
	TagEHLO

	// TagHELO identifies the client without extensions (RFC 5321).
	TagHELO

	// TagMAIL starts a mail transaction with MAIL FROM (RFC 5321).
	TagMAIL

	// TagRCPT names a recipient with RCPT TO (RFC 5321).
	TagRCPT

	// TagDATA asks the server for permission to send message content.
	TagDATA

	// TagSEND stands for the reply that follows the end-of-data marker.
	TagSEND

	// TagBDAT sends one chunk of message content (RFC 3030).
	TagBDAT

	// TagRSET aborts the current mail transaction.
	TagRSET

	// TagNOOP does nothing; used to keep the connection alive.
	TagNOOP

	// TagQUIT ends the session.
	TagQUIT

	// TagHELP requests help text.
	TagHELP

	// TagEXPN expands a mailing list.
	TagEXPN

	// TagVRFY verifies a user or mailbox name.
	TagVRFY

	// TagRaw is any caller-formatted command sent through SendCommand.
	TagRaw
)

var tagNames = [...]string{
	TagConnect: "CONNECT",
	TagEHLO:    "EHLO",
	TagHELO:    "HELO",
	TagMAIL:    "MAIL",
	TagRCPT:    "RCPT",
	TagDATA:    "DATA",
	TagSEND:    "SEND",
	TagBDAT:    "BDAT",
	TagRSET:    "RSET",
	TagNOOP:    "NOOP",
	TagQUIT:    "QUIT",
	TagHELP:    "HELP",
	TagEXPN:    "EXPN",
	TagVRFY:    "VRFY",
	TagRaw:     "RAW",
}

// String returns the verb name of the tag.
func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "UNKNOWN"
}

// Pipelinable reports whether a command may be followed by further
// commands before its reply is read. RFC 2920 requires EHLO, DATA, VRFY,
// EXPN, QUIT and NOOP to be the last command of a group; HELO, HELP and
// raw commands are treated the same way since their effect on the session
// is unknown to the engine.
func (t Tag) Pipelinable() bool {
	switch t {
	case TagMAIL, TagRCPT, TagRSET, TagBDAT, TagSEND:
		return true
	default:
		return false
	}
}

// MultiLine reports whether a successful reply to this command is
// followed by a Complete outcome.
func (t Tag) MultiLine() bool {
	return t == TagEHLO || t == TagHELP || t == TagEXPN
}

// Params holds ESMTP parameters appended to MAIL FROM and RCPT TO.
// Keys are parameter names (e.g. SIZE, BODY); an empty value writes the
// keyword alone.
type Params map[string]string

// format renders params in a stable order so that command lines are
// reproducible.
func (p Params) format(b *strings.Builder) {
	if len(p) == 0 {
		return
	}
	keys := make([]string, 0, len(p))
	values := make(map[string]string, len(p))
	for k, v := range p {
		k = strings.ToUpper(k)
		keys = append(keys, k)
		values[k] = v
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		if v := values[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
}

func formatHello(verb, domain string) string {
	return verb + " " + domain + "\r\n"
}

func formatPath(verb, prefix, address string, params Params) string {
	var b strings.Builder
	b.WriteString(verb)
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(":<")
	b.WriteString(address)
	b.WriteByte('>')
	params.format(&b)
	b.WriteString("\r\n")
	return b.String()
}

func formatWithArg(verb, arg string) string {
	if arg == "" {
		return verb + "\r\n"
	}
	return verb + " " + arg + "\r\n"
}

func formatBdat(length int, last bool) string {
	line := "BDAT " + strconv.Itoa(length)
	if last {
		line += " LAST"
	}
	return line + "\r\n"
}
