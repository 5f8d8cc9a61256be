// Package mem provides an in-memory smtpc.Journal.
// It is suitable for testing and short-lived processes.
package mem

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/iceisfun/smtpc"
)

// Journal is an in-memory smtpc.Journal.
type Journal struct {
	mu      sync.RWMutex
	entries []smtpc.JournalEntry
	index   map[string]int
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{
		index: make(map[string]int),
	}
}

// Record stores entry. An existing entry with the same ID is replaced.
func (j *Journal) Record(ctx context.Context, entry smtpc.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Recipients = slices.Clone(entry.Recipients)
	entry.Accepted = slices.Clone(entry.Accepted)

	j.mu.Lock()
	defer j.mu.Unlock()

	if i, ok := j.index[entry.ID]; ok {
		j.entries[i] = entry
		return nil
	}
	j.index[entry.ID] = len(j.entries)
	j.entries = append(j.entries, entry)
	return nil
}

// List returns up to limit entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]smtpc.JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]smtpc.JournalEntry, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Get returns the entry with the given ID.
func (j *Journal) Get(ctx context.Context, id string) (smtpc.JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return smtpc.JournalEntry{}, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	i, ok := j.index[id]
	if !ok {
		return smtpc.JournalEntry{}, smtpc.ErrEntryNotFound
	}
	return j.entries[i], nil
}

// Count returns the number of entries.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
