package smtpc

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned by Journal.Get for an unknown ID.
var ErrEntryNotFound = errors.New("journal entry not found")

// Journal records delivery attempts.
// Implementations may persist to disk, a database or memory.
type Journal interface {
	// Record stores one delivery attempt.
	Record(ctx context.Context, entry JournalEntry) error

	// List returns up to limit entries, newest first. A limit of 0 or
	// less returns every entry.
	List(ctx context.Context, limit int) ([]JournalEntry, error)

	// Get returns the entry with the given ID or ErrEntryNotFound.
	Get(ctx context.Context, id string) (JournalEntry, error)
}

// JournalEntry describes one delivery attempt.
type JournalEntry struct {
	// ID is the Delivery ID. Journals assign one when it is empty.
	ID string

	// Time is when the attempt finished.
	Time time.Time

	// Server is host:port of the server.
	Server string

	From       string
	Recipients []string

	// Accepted lists the recipients the server accepted.
	Accepted []string

	// Code and Message are the final reply of the transaction, if any.
	Code    ReplyCode
	Message string

	// Err is the error text when the delivery failed.
	Err string
}

// Delivered reports whether the message was accepted for at least one
// recipient.
func (e JournalEntry) Delivered() bool {
	return e.Err == "" && len(e.Accepted) > 0 && e.Code.IsPositive()
}

// NewJournalEntry summarises a Mailer.Deliver call. d may be nil.
func NewJournalEntry(server string, env Envelope, d *Delivery, err error) JournalEntry {
	entry := JournalEntry{
		Time:       time.Now().UTC(),
		Server:     server,
		From:       env.From,
		Recipients: append([]string(nil), env.Recipients...),
	}
	if d != nil {
		entry.ID = d.ID
		entry.Accepted = d.AcceptedAddresses()
		entry.Code = d.Final.Code
		entry.Message = d.Final.Message
	}
	if err != nil {
		entry.Err = err.Error()
	}
	return entry
}
