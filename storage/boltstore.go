package storage

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// database buckets
var (
	// bucketShards maps raw shard hashes to encoded Items.
	bucketShards = []byte("bucketShards")

	dbBuckets = [][]byte{
		bucketShards,
	}
)

// scanBatchSize is the number of items read per transaction during a Scan. No
// read transaction may be held open while the caller deletes items.
const scanBatchSize = 64

// BoltAdapter implements Adapter with a Bolt key-value database.
type BoltAdapter struct {
	db *bolt.DB
}

func hashKey(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	return hex.DecodeString(hash)
}

// Get implements Adapter.
func (s *BoltAdapter) Get(hash string) (*Item, error) {
	key, err := hashKey(hash)
	if err != nil {
		return nil, err
	}
	var it *Item
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketShards).Get(key)
		if v == nil {
			return ErrNotFound
		}
		it, err = decodeItem(v)
		return err
	})
	return it, err
}

// Put implements Adapter.
func (s *BoltAdapter) Put(it *Item) error {
	key, err := hashKey(it.Hash)
	if err != nil {
		return err
	}
	v, err := encodeItem(it)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Put(key, v)
	})
}

// Delete implements Adapter.
func (s *BoltAdapter) Delete(hash string) error {
	key, err := hashKey(hash)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Delete(key)
	})
}

// Scan implements Adapter.
func (s *BoltAdapter) Scan() (Iterator, error) {
	return &boltIterator{db: s.db}, nil
}

// Close closes the bolt database.
func (s *BoltAdapter) Close() error {
	return s.db.Close()
}

type boltIterator struct {
	db      *bolt.DB
	lastKey []byte
	batch   []*Item
	cur     *Item
	err     error
	done    bool
}

func (it *boltIterator) fill() {
	it.err = it.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShards).Cursor()
		var k, v []byte
		if it.lastKey == nil {
			k, v = c.First()
		} else if k, v = c.Seek(it.lastKey); bytes.Equal(k, it.lastKey) {
			k, v = c.Next()
		}
		for ; k != nil && len(it.batch) < scanBatchSize; k, v = c.Next() {
			item, err := decodeItem(v)
			if err != nil {
				return errors.Wrapf(err, "could not decode item %x", k)
			}
			it.batch = append(it.batch, item)
			it.lastKey = append(it.lastKey[:0], k...)
		}
		if k == nil {
			it.done = true
		}
		return nil
	})
}

func (it *boltIterator) Next() bool {
	if len(it.batch) == 0 && !it.done && it.err == nil {
		it.fill()
	}
	if it.err != nil || len(it.batch) == 0 {
		return false
	}
	it.cur, it.batch = it.batch[0], it.batch[1:]
	return true
}

func (it *boltIterator) Item() *Item  { return it.cur }
func (it *boltIterator) Err() error   { return it.err }
func (it *boltIterator) Close() error { it.batch = nil; it.done = true; return nil }

// NewBoltAdapter returns a BoltAdapter backed by the database at filename,
// creating it if necessary.
func NewBoltAdapter(filename string) (*BoltAdapter, error) {
	db, err := bolt.Open(filename, 0666, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "could not open bolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range dbBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltAdapter{
		db: db,
	}, nil
}
