package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltStore(t *testing.T) *boltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "minichat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltCreateAndGet(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	msg := &Message{Sender: "alice", Receiver: "bob", Text: "hi", Status: StatusSent}
	require.NoError(t, s.CreateMessage(ctx, msg))

	assert.NotEmpty(t, msg.ID, "id assigned at creation")
	assert.False(t, msg.CreateTime.IsZero())

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Text, got.Text)
	assert.Equal(t, StatusSent, got.Status)
}

func TestBoltGetUnknown(t *testing.T) {
	s := newBoltStore(t)

	_, err := s.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AdvanceStatus(context.Background(), "nope", StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltAdvanceStatusMonotonic(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	msg := &Message{Sender: "alice", Receiver: "bob", Text: "hi", Status: StatusSent}
	require.NoError(t, s.CreateMessage(ctx, msg))

	got, err := s.AdvanceStatus(ctx, msg.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)

	got, err = s.AdvanceStatus(ctx, msg.ID, StatusRead)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)

	// Never backward: a late delivered upgrade is a no-op, not an error.
	got, err = s.AdvanceStatus(ctx, msg.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)

	// Re-marking read is a no-op too.
	got, err = s.AdvanceStatus(ctx, msg.ID, StatusRead)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)
}

func TestBoltConversation(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	texts := []struct {
		sender, receiver, text string
	}{
		{"alice", "bob", "one"},
		{"bob", "alice", "two"},
		{"alice", "carol", "other conversation"},
		{"alice", "bob", "three"},
	}
	for _, m := range texts {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			Sender: m.sender, Receiver: m.receiver, Text: m.text, Status: StatusSent,
		}))
		time.Sleep(2 * time.Millisecond) // distinct create times
	}

	// Both directions, ascending by creation time, symmetric for a/b order.
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		msgs, err := s.Conversation(ctx, pair[0], pair[1])
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].Text)
		assert.Equal(t, "two", msgs[1].Text)
		assert.Equal(t, "three", msgs[2].Text)
	}

	msgs, err := s.Conversation(ctx, "alice", "carol")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "other conversation", msgs[0].Text)

	msgs, err = s.Conversation(ctx, "bob", "carol")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBoltUsers(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &User{ID: "alice", Name: "Alice"}))
	require.NoError(t, s.PutUser(ctx, &User{ID: "bob", Name: "Bob"}))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
