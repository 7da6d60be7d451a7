package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
)

const (
	insertMessageSQL = "INSERT INTO messages (id,sender,receiver,text,status,create_time) VALUES (?,?,?,?,?,?)"
	getMessageSQL    = "SELECT id,sender,receiver,text,status,create_time FROM messages WHERE id=?"
	advanceStatusSQL = "UPDATE messages SET status=? WHERE id=? AND status<?"
	conversationSQL  = "SELECT id,sender,receiver,text,status,create_time FROM messages " +
		"WHERE (sender=? AND receiver=?) OR (sender=? AND receiver=?) " +
		"ORDER BY create_time ASC, id ASC"
	listUsersSQL = "SELECT id,name,create_time FROM users ORDER BY name ASC"
)

// mysqlStore implements MessageStore and UserStore on MySQL.
// Schema: dev/schema.sql. Status is stored as its rank so the monotonic
// guard is a single compare in SQL.
type mysqlStore struct {
	*sql.DB
}

func NewMySQLStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

// NewMessageID returns a fresh message id: uuid without dashes.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

func (s *mysqlStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = NewMessageID()
	msg.CreateTime = time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.ExecContext(ctx, insertMessageSQL,
		msg.ID, msg.Sender, msg.Receiver, msg.Text, msg.Status.Rank(), msg.CreateTime)
	if err != nil {
		glog.Errorf("insert message err: %v", err)
	}
	return err
}

func (s *mysqlStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.QueryRowContext(ctx, getMessageSQL, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *mysqlStore) AdvanceStatus(ctx context.Context, id string, to Status) (*Message, error) {
	var msg *Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, advanceStatusSQL, to.Rank(), id, to.Rank()); err != nil {
			glog.Errorf("advance status exec err: %v", err)
			return err
		}

		row := tx.QueryRowContext(ctx, getMessageSQL, id)
		var err error
		msg, err = scanMessage(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *mysqlStore) Conversation(ctx context.Context, a, b string) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, conversationSQL, a, b, b, a)
	if err != nil {
		glog.Errorf("conversation query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("conversation scan err: %v", err)
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *mysqlStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.QueryContext(ctx, listUsersSQL)
	if err != nil {
		glog.Errorf("list users query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.CreateTime); err != nil {
			glog.Errorf("list users scan err: %v", err)
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var rank int
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Text, &rank, &msg.CreateTime); err != nil {
		return nil, err
	}
	msg.Status = statusFromRank(rank)
	return &msg, nil
}

func statusFromRank(rank int) Status {
	switch rank {
	case StatusDelivered.Rank():
		return StatusDelivered
	case StatusRead.Rank():
		return StatusRead
	}
	return StatusSent
}
