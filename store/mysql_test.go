package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a live MySQL with dev/schema.sql applied, e.g.
// MINICHAT_MYSQL_DSN="root:@tcp(127.0.0.1:3306)/minichat?parseTime=true" go test ./store/
func newMySQLStore(t *testing.T) *mysqlStore {
	t.Helper()
	dsn := os.Getenv("MINICHAT_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MINICHAT_MYSQL_DSN not set")
	}

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"messages", "users"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	return NewMySQLStore(db)
}

func TestMySQLMessageLifecycle(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()

	msg := &Message{Sender: "alice", Receiver: "bob", Text: "hi", Status: StatusSent}
	require.NoError(t, s.CreateMessage(ctx, msg))
	require.NotEmpty(t, msg.ID)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)

	got, err = s.AdvanceStatus(ctx, msg.ID, StatusRead)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)

	// Monotonic: backward transition is a no-op.
	got, err = s.AdvanceStatus(ctx, msg.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)

	_, err = s.GetMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMySQLConversation(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()

	for _, m := range []Message{
		{Sender: "alice", Receiver: "bob", Text: "one", Status: StatusSent},
		{Sender: "bob", Receiver: "alice", Text: "two", Status: StatusSent},
		{Sender: "alice", Receiver: "carol", Text: "nope", Status: StatusSent},
	} {
		msg := m
		require.NoError(t, s.CreateMessage(ctx, &msg))
		time.Sleep(2 * time.Millisecond) // distinct create times
	}

	msgs, err := s.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
}
