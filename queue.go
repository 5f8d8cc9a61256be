package smtpc

import "errors"

// ErrQueueEmpty is returned by Pop when no reply is outstanding.
var ErrQueueEmpty = errors.New("no pending command")

// PendingQueue records, in issue order, the commands whose replies have
// not been read yet. SMTP servers answer strictly in order, pipelined or
// not, so the front of the queue always names the reply being read.
//
// The zero value is an empty queue.
type PendingQueue struct {
	tags []Tag
	head int
}

// Push appends a tag at the tail.
func (q *PendingQueue) Push(tag Tag) {
	if q.head > 0 && q.head == len(q.tags) {
		q.tags = q.tags[:0]
		q.head = 0
	}
	q.tags = append(q.tags, tag)
}

// Peek returns the oldest tag without removing it.
func (q *PendingQueue) Peek() (Tag, bool) {
	if q.Len() == 0 {
		return 0, false
	}
	return q.tags[q.head], true
}

// Pop removes and returns the oldest tag.
func (q *PendingQueue) Pop() (Tag, error) {
	if q.Len() == 0 {
		return 0, ErrQueueEmpty
	}
	tag := q.tags[q.head]
	q.head++
	if q.head == len(q.tags) {
		q.tags = q.tags[:0]
		q.head = 0
	}
	return tag, nil
}

// Len returns the number of replies still owed by the server.
func (q *PendingQueue) Len() int {
	return len(q.tags) - q.head
}

// Clear drops every pending tag.
func (q *PendingQueue) Clear() {
	q.tags = q.tags[:0]
	q.head = 0
}

// Tags returns a copy of the pending tags, oldest first.
func (q *PendingQueue) Tags() []Tag {
	out := make([]Tag, q.Len())
	copy(out, q.tags[q.head:])
	return out
}
