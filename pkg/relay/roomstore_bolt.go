package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var boltRoomBucket = []byte("rooms")

var ErrBoltNoBucket = errors.New("no bucket in bolt")

// BoltRoomStore keeps one key per room in a single bucket.
type BoltRoomStore struct {
	db *bolt.DB
}

func OpenBoltRoomStore(path string) (*BoltRoomStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltRoomBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltRoomStore{db: db}, nil
}

func (s *BoltRoomStore) LoadRoom(_ context.Context, room string) (content []byte, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltRoomBucket)
		if bucket == nil {
			return ErrBoltNoBucket
		}
		if v := bucket.Get([]byte(room)); v != nil {
			content = append([]byte(nil), v...) // copy
			found = true
		}
		return nil
	})
	return
}

func (s *BoltRoomStore) SaveRoom(_ context.Context, room string, content []byte) (changed bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltRoomBucket)
		if bucket == nil {
			return ErrBoltNoBucket
		}
		if bytes.Equal(bucket.Get([]byte(room)), content) {
			return nil
		}
		changed = true
		return bucket.Put([]byte(room), content)
	})
	return
}

func (s *BoltRoomStore) Close() error {
	return s.db.Close()
}
