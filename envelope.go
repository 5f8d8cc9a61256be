package smtpc

import (
	"errors"
	"fmt"
	"strings"
)

// Delivery errors.
var (
	// ErrNoRecipients indicates an envelope without recipients.
	ErrNoRecipients = errors.New("envelope has no recipients")

	// ErrNoAcceptedRecipients indicates the server refused every recipient.
	ErrNoAcceptedRecipients = errors.New("no recipient was accepted")
)

// Envelope is the SMTP envelope of one message.
type Envelope struct {
	// From is the reverse-path. Empty means the null sender <>.
	From string

	// Recipients are the forward-paths, in the order RCPT is sent.
	Recipients []string

	// MailParams are ESMTP parameters for MAIL, e.g. SIZE or BODY.
	MailParams Params

	// RcptParams are ESMTP parameters added to every RCPT.
	RcptParams Params
}

// Validate checks the envelope before any command is written.
func (env Envelope) Validate() error {
	if len(env.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, addr := range append([]string{env.From}, env.Recipients...) {
		if strings.ContainsAny(addr, "<>\r\n") {
			return fmt.Errorf("address %q: %w", addr, ErrInvalidArgument)
		}
	}
	for i, rcpt := range env.Recipients {
		if rcpt == "" {
			return fmt.Errorf("recipient %d is empty: %w", i, ErrInvalidArgument)
		}
	}
	if err := checkParams(env.MailParams); err != nil {
		return fmt.Errorf("MAIL %w", err)
	}
	if err := checkParams(env.RcptParams); err != nil {
		return fmt.Errorf("RCPT %w", err)
	}
	return nil
}

// RecipientResult is the server's answer to one RCPT.
type RecipientResult struct {
	Address string
	Reply   Reply
}

// Delivery reports the result of Mailer.Deliver.
type Delivery struct {
	// ID identifies the delivery in logs and journals.
	ID string

	// Accepted and Rejected split the recipients by their RCPT reply.
	Accepted []RecipientResult
	Rejected []RecipientResult

	// Final is the reply that ended the transaction: the reply to the
	// message content, or to the command that failed.
	Final Reply

	// Chunked reports whether the content was sent with BDAT.
	Chunked bool
}

// AcceptedAddresses returns the addresses the server accepted.
func (d *Delivery) AcceptedAddresses() []string {
	out := make([]string, 0, len(d.Accepted))
	for _, r := range d.Accepted {
		out = append(out, r.Address)
	}
	return out
}
