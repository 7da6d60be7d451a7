package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketConvIdx  = []byte("conversations")
	bucketUsers    = []byte("users")
)

// boltStore implements MessageStore and UserStore on an embedded bbolt file.
// Intended for standalone single-node deployments and tests; MySQL is the
// production backend.
type boltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketConvIdx, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

// convKey orders the two identities so both directions of a conversation
// share one index prefix.
func convKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(a + "\x00" + b + "\x00")
}

func convIdxKey(msg *Message) []byte {
	key := convKey(msg.Sender, msg.Receiver)
	key = append(key, []byte(fmt.Sprintf("%020d", msg.CreateTime.UnixNano()))...)
	key = append(key, '\x00')
	key = append(key, []byte(msg.ID)...)
	return key
}

func (s *boltStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = NewMessageID()
	msg.CreateTime = time.Now().UTC().Truncate(time.Millisecond)

	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), buf); err != nil {
			return err
		}
		return tx.Bucket(bucketConvIdx).Put(convIdxKey(msg), []byte(msg.ID))
	})
}

func (s *boltStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	if err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		msg, err = getMessageTx(tx, id)
		return err
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func getMessageTx(tx *bolt.Tx, id string) (*Message, error) {
	buf := tx.Bucket(bucketMessages).Get([]byte(id))
	if buf == nil {
		return nil, ErrNotFound
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		glog.Errorf("unmarshal message %s err: %v", id, err)
		return nil, err
	}
	return &msg, nil
}

func (s *boltStore) AdvanceStatus(ctx context.Context, id string, to Status) (*Message, error) {
	var msg *Message
	if err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		msg, err = getMessageTx(tx, id)
		if err != nil {
			return err
		}

		if msg.Status.Rank() >= to.Rank() {
			return nil // no-op upgrade
		}

		msg.Status = to
		buf, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put([]byte(id), buf)
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *boltStore) Conversation(ctx context.Context, a, b string) ([]*Message, error) {
	prefix := convKey(a, b)
	var out []*Message

	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConvIdx).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			msg, err := getMessageTx(tx, string(id))
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) ListUsers(ctx context.Context) ([]*User, error) {
	var out []*User
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// PutUser upserts a user record. Account records are owned by the auth
// collaborator; this exists for the standalone/dev deployment only.
func (s *boltStore) PutUser(ctx context.Context, u *User) error {
	if u.CreateTime.IsZero() {
		u.CreateTime = time.Now().UTC().Truncate(time.Millisecond)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(u.ID), buf)
	})
}
