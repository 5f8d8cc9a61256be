package smtpc_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceisfun/smtpc"
	"github.com/iceisfun/smtpc/harness"
)

const testBody = "Subject: hello\r\n\r\nHi there.\r\n.leading dot\r\n"

func newMailer(t *testing.T, mail *harness.MailServer) (*smtpc.Mailer, *harness.Server) {
	t.Helper()
	srv := harness.NewServer(mail)
	engine := smtpc.NewEngine(srv, smtpc.Config{Timeout: time.Second})
	return smtpc.NewMailer(engine), srv
}

func dial(t *testing.T, m *smtpc.Mailer) {
	t.Helper()
	require.NoError(t, m.Dial(context.Background(), "mx.example.com", 25, "client.example.com"))
}

func TestMailer_DeliverPipelined(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING", "SIZE 1000000", "8BITMIME")
	m, srv := newMailer(t, mail)
	m.Pipelining = true
	dial(t, m)

	assert.Equal(t, smtpc.ReplyCode(220), m.Greeting().Code)
	assert.True(t, m.Engine().PipeliningEnabled())
	flushes := srv.Flushes()

	env := smtpc.Envelope{
		From:       "a@example.com",
		Recipients: []string{"b@example.org", "c@example.org"},
		MailParams: smtpc.Params{"SIZE": "64"},
	}
	d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.False(t, d.Chunked)
	assert.Equal(t, []string{"b@example.org", "c@example.org"}, d.AcceptedAddresses())
	assert.Empty(t, d.Rejected)
	assert.Equal(t, smtpc.ReplyCode(250), d.Final.Code)
	assert.Equal(t, flushes+2, srv.Flushes(), "one flush for the envelope group, one for the content")

	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a@example.com", msgs[0].From)
	assert.Equal(t, env.Recipients, msgs[0].Recipients)
	assert.Equal(t, testBody, string(msgs[0].Data))

	assert.Contains(t, mail.Commands(), "MAIL FROM:<a@example.com> SIZE=64")
}

func TestMailer_DeliverWithoutPipelining(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING")
	m, srv := newMailer(t, mail)
	dial(t, m)
	assert.False(t, m.Engine().PipeliningEnabled())
	flushes := srv.Flushes()

	env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}}
	d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)

	assert.Equal(t, []string{"b@example.org"}, d.AcceptedAddresses())
	assert.Equal(t, flushes+4, srv.Flushes(), "MAIL, RCPT, DATA and content each flush")
	require.Len(t, mail.Messages(), 1)
}

func TestMailer_RejectedRecipient(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING")
	mail.RejectRecipient = func(addr string) bool { return strings.HasPrefix(addr, "nobody@") }
	m, _ := newMailer(t, mail)
	m.Pipelining = true
	dial(t, m)

	env := smtpc.Envelope{
		From:       "a@example.com",
		Recipients: []string{"nobody@example.org", "b@example.org"},
	}
	d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)

	assert.Equal(t, []string{"b@example.org"}, d.AcceptedAddresses())
	require.Len(t, d.Rejected, 1)
	assert.Equal(t, "nobody@example.org", d.Rejected[0].Address)
	assert.Equal(t, smtpc.ReplyCode(550), d.Rejected[0].Reply.Code)

	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"b@example.org"}, msgs[0].Recipients)
}

func TestMailer_AllRecipientsRejected(t *testing.T) {
	for _, pipelining := range []bool{true, false} {
		name := "serial"
		if pipelining {
			name = "pipelined"
		}
		t.Run(name, func(t *testing.T) {
			mail := harness.NewMailServer("mx.example.com", "PIPELINING")
			mail.RejectRecipient = func(string) bool { return true }
			m, _ := newMailer(t, mail)
			m.Pipelining = pipelining
			dial(t, m)

			env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"x@example.org"}}
			d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
			require.Error(t, err)
			assert.ErrorIs(t, err, smtpc.ErrNoAcceptedRecipients)

			require.NotNil(t, d)
			assert.Empty(t, d.Accepted)
			assert.Len(t, d.Rejected, 1)
			assert.Equal(t, smtpc.ReplyCode(550), d.Final.Code)

			cmds := mail.Commands()
			assert.Equal(t, "RSET", cmds[len(cmds)-1])
			assert.Empty(t, mail.Messages())
			assert.Equal(t, smtpc.StateIdle, m.Engine().State())

			// The session is still usable.
			mail.RejectRecipient = nil
			_, err = m.Deliver(context.Background(), env, strings.NewReader(testBody))
			require.NoError(t, err)
			assert.Len(t, mail.Messages(), 1)
		})
	}
}

func TestMailer_HeloFallback(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING")
	mail.RejectHelo = true
	m, _ := newMailer(t, mail)
	m.Pipelining = true
	dial(t, m)

	assert.Empty(t, m.Engine().Extensions())
	assert.False(t, m.Engine().PipeliningEnabled())
	assert.Equal(t, []string{"EHLO client.example.com", "HELO client.example.com"}, mail.Commands())

	env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}}
	_, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)
}

func TestMailer_Chunking(t *testing.T) {
	for _, pipelining := range []bool{true, false} {
		name := "serial"
		if pipelining {
			name = "pipelined"
		}
		t.Run(name, func(t *testing.T) {
			mail := harness.NewMailServer("mx.example.com", "PIPELINING", "CHUNKING")
			m, _ := newMailer(t, mail)
			m.Pipelining = pipelining
			m.UseChunking = true
			m.ChunkSize = 4
			dial(t, m)

			env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}}
			d, err := m.Deliver(context.Background(), env, strings.NewReader("0123456789"))
			require.NoError(t, err)
			assert.True(t, d.Chunked)
			assert.Equal(t, "2.0.0 Message accepted for delivery", d.Final.Message)

			msgs := mail.Messages()
			require.Len(t, msgs, 1)
			assert.True(t, msgs[0].Chunked)
			assert.Equal(t, "0123456789", string(msgs[0].Data))

			var bdat []string
			for _, c := range mail.Commands() {
				if strings.HasPrefix(c, "BDAT") {
					bdat = append(bdat, c)
				}
			}
			assert.Equal(t, []string{"BDAT 4", "BDAT 4", "BDAT 2 LAST"}, bdat)
		})
	}
}

func TestMailer_ChunkingNotAdvertised(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING")
	m, _ := newMailer(t, mail)
	m.UseChunking = true
	dial(t, m)

	env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}}
	d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)
	assert.False(t, d.Chunked)
	assert.Contains(t, mail.Commands(), "DATA")
}

func TestMailer_InvalidEnvelope(t *testing.T) {
	m, srv := newMailer(t, harness.NewMailServer("mx.example.com"))
	dial(t, m)
	srv.TakeWritten()

	d, err := m.Deliver(context.Background(), smtpc.Envelope{From: "a@example.com"}, strings.NewReader(""))
	assert.ErrorIs(t, err, smtpc.ErrNoRecipients)
	assert.Nil(t, d)
	assert.Empty(t, srv.Written())
}

func TestMailer_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		env  smtpc.Envelope
	}{
		{"mail param", smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}, MailParams: smtpc.Params{"BODY": "8 BIT"}}},
		{"rcpt param", smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}, RcptParams: smtpc.Params{"NOTIFY": "a\r\n"}}},
		{"duplicate keyword", smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}, MailParams: smtpc.Params{"size": "1", "SIZE": "2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, srv := newMailer(t, harness.NewMailServer("mx.example.com", "PIPELINING"))
			m.Pipelining = true
			dial(t, m)
			srv.TakeWritten()

			_, err := m.Deliver(context.Background(), tt.env, strings.NewReader(testBody))
			assert.ErrorIs(t, err, smtpc.ErrInvalidArgument)
			assert.Empty(t, srv.Written())
			assert.Empty(t, srv.Unflushed())
			assert.Equal(t, smtpc.StateIdle, m.Engine().State())
			assert.Zero(t, m.Engine().Pending())
		})
	}
}

// rcptWriteFailure refuses the first RCPT write, leaving MAIL queued ahead of it.
type rcptWriteFailure struct {
	*harness.Server
	failed bool
}

func (w *rcptWriteFailure) Write(p []byte) (int, error) {
	if !w.failed && strings.HasPrefix(string(p), "RCPT") {
		w.failed = true
		return 0, errors.New("write refused")
	}
	return w.Server.Write(p)
}

func TestMailer_CommandFailsMidGroup(t *testing.T) {
	mail := harness.NewMailServer("mx.example.com", "PIPELINING")
	tr := &rcptWriteFailure{Server: harness.NewServer(mail)}
	m := smtpc.NewMailer(smtpc.NewEngine(tr, smtpc.Config{Timeout: time.Second}))
	m.Pipelining = true
	dial(t, m)

	env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org"}}
	_, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write refused")
	assert.Equal(t, smtpc.StateIdle, m.Engine().State())
	assert.Zero(t, m.Engine().Pending())
	cmds := mail.Commands()
	assert.Equal(t, []string{"MAIL FROM:<a@example.com>", "RSET"}, cmds[len(cmds)-2:])

	d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
	require.NoError(t, err)
	require.Len(t, d.Accepted, 1)
	assert.Equal(t, "2.1.5 Recipient OK", d.Accepted[0].Reply.Message)
	assert.Equal(t, "2.0.0 Message accepted for delivery", d.Final.Message)
	require.Len(t, mail.Messages(), 1)
}

func TestMailer_SenderRejected(t *testing.T) {
	tests := []struct {
		name       string
		pipelining bool
		wantRcpt   bool
	}{
		{"serial", false, false},
		{"pipelined", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mail := harness.NewMailServer("mx.example.com", "PIPELINING")
			mail.RejectSender = func(string) bool { return true }
			m, _ := newMailer(t, mail)
			m.Pipelining = tt.pipelining
			dial(t, m)

			env := smtpc.Envelope{From: "a@example.com", Recipients: []string{"b@example.org", "c@example.org"}}
			d, err := m.Deliver(context.Background(), env, strings.NewReader(testBody))
			var re *smtpc.ReplyError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, smtpc.TagMAIL, re.Tag)
			assert.Equal(t, smtpc.ReplyCode(550), d.Final.Code)

			cmds := mail.Commands()
			assert.Equal(t, "RSET", cmds[len(cmds)-1])
			assert.Equal(t, tt.wantRcpt, slices.Contains(cmds, "RCPT TO:<b@example.org>"))
			assert.Empty(t, mail.Messages())
			assert.Equal(t, smtpc.StateIdle, m.Engine().State())
		})
	}
}

func TestMailer_Close(t *testing.T) {
	m, srv := newMailer(t, harness.NewMailServer("mx.example.com"))
	dial(t, m)

	require.NoError(t, m.Close(context.Background()))
	assert.False(t, srv.Connected())
	assert.Equal(t, smtpc.StateDisconnected, m.Engine().State())

	// Closing twice is a no-op.
	assert.NoError(t, m.Close(context.Background()))
}

type refusingServer struct{}

func (refusingServer) Greet() []string          { return []string{"554 5.3.2 Service unavailable"} }
func (refusingServer) Respond([]byte) []string { return nil }

func TestMailer_GreetingRefused(t *testing.T) {
	srv := harness.NewServer(refusingServer{})
	m := smtpc.NewMailer(smtpc.NewEngine(srv, smtpc.Config{Timeout: time.Second}))

	err := m.Dial(context.Background(), "mx.example.com", 25, "client.example.com")
	var re *smtpc.ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, smtpc.TagConnect, re.Tag)
	assert.Equal(t, smtpc.ReplyCode(554), re.Reply.Code)
	assert.False(t, srv.Connected())
}
