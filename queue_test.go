package smtpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueue_FIFO(t *testing.T) {
	var q PendingQueue

	_, ok := q.Peek()
	assert.False(t, ok)
	_, err := q.Pop()
	assert.ErrorIs(t, err, ErrQueueEmpty)

	q.Push(TagMAIL)
	q.Push(TagRCPT)
	q.Push(TagRCPT)
	q.Push(TagDATA)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []Tag{TagMAIL, TagRCPT, TagRCPT, TagDATA}, q.Tags())

	front, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, TagMAIL, front)

	for _, want := range []Tag{TagMAIL, TagRCPT, TagRCPT, TagDATA} {
		got, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPendingQueue_Interleaved(t *testing.T) {
	var q PendingQueue

	q.Push(TagEHLO)
	q.Push(TagMAIL)
	tag, _ := q.Pop()
	assert.Equal(t, TagEHLO, tag)

	q.Push(TagRCPT)
	assert.Equal(t, []Tag{TagMAIL, TagRCPT}, q.Tags())

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Tags())

	q.Push(TagQUIT)
	tag, _ = q.Pop()
	assert.Equal(t, TagQUIT, tag)
}

func TestPendingQueue_TagsIsCopy(t *testing.T) {
	var q PendingQueue
	q.Push(TagNOOP)

	tags := q.Tags()
	tags[0] = TagQUIT

	front, _ := q.Peek()
	assert.Equal(t, TagNOOP, front)
}
