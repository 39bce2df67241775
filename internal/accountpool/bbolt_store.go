package accountpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var authBucket = []byte("auths")

// BboltStore implements Store backed by a single bbolt database file, one
// bucket keyed by auth id. Unlike FileStore's per-file layout, this keeps
// every credential's full Auth record (not just its provider metadata) in
// one bucket. Each call opens, transacts, and closes the database rather
// than holding it open for the store's lifetime, so external admin tooling
// can access the same file between requests.
type BboltStore struct {
	path string
}

// NewBboltStore builds a store backed by the database file at path. The
// file and its parent directory are created on first use (Load or a write)
// if missing.
func NewBboltStore(path string) *BboltStore {
	return &BboltStore{path: path}
}

// Load enumerates every auth record in the bucket.
func (s *BboltStore) Load(_ context.Context) ([]*Auth, error) {
	db, err := s.open(time.Second)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = db.Close() }()

	var out []*Auth
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var auth Auth
			if e := json.Unmarshal(v, &auth); e != nil {
				// Skip a malformed record rather than failing the whole list.
				return nil
			}
			out = append(out, &auth)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bbolt store: list: %w", err)
	}
	return out, nil
}

// Save upserts auth's full record under its id.
func (s *BboltStore) Save(_ context.Context, auth *Auth) error {
	if auth == nil {
		return fmt.Errorf("bbolt store: auth is nil")
	}
	if auth.ID == "" {
		return fmt.Errorf("bbolt store: auth id is empty")
	}
	db, err := s.open(2 * time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	enc, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("bbolt store: marshal auth: %w", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, errBucket := tx.CreateBucketIfNotExists(authBucket)
		if errBucket != nil {
			return errBucket
		}
		return b.Put([]byte(auth.ID), enc)
	})
}

// Remove deletes the record with the given id, if present.
func (s *BboltStore) Remove(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("bbolt store: id is empty")
	}
	db, err := s.open(2 * time.Second)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *BboltStore) open(timeout time.Duration) (*bolt.DB, error) {
	if s.path == "" {
		return nil, fmt.Errorf("bbolt store: path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("bbolt store: create dir: %w", err)
	}
	return bolt.Open(s.path, 0o600, &bolt.Options{Timeout: timeout})
}
