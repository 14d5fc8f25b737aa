package storage

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// prefixShard namespaces shard items within the database.
var prefixShard = []byte("shard/")

// LevelDBAdapter implements Adapter with a LevelDB database.
type LevelDBAdapter struct {
	db *leveldb.DB
}

func shardKey(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	return append(append([]byte(nil), prefixShard...), hash...), nil
}

// Get implements Adapter.
func (s *LevelDBAdapter) Get(hash string) (*Item, error) {
	key, err := shardKey(hash)
	if err != nil {
		return nil, err
	}
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeItem(v)
}

// Put implements Adapter.
func (s *LevelDBAdapter) Put(it *Item) error {
	key, err := shardKey(it.Hash)
	if err != nil {
		return err
	}
	v, err := encodeItem(it)
	if err != nil {
		return err
	}
	return s.db.Put(key, v, nil)
}

// Delete implements Adapter.
func (s *LevelDBAdapter) Delete(hash string) error {
	key, err := shardKey(hash)
	if err != nil {
		return err
	}
	return s.db.Delete(key, nil)
}

// Scan implements Adapter. The scan reads from a snapshot taken when Scan is
// called, so concurrent deletions are not observed.
func (s *LevelDBAdapter) Scan() (Iterator, error) {
	return &leveldbIterator{
		iter: s.db.NewIterator(util.BytesPrefix(prefixShard), nil),
	}, nil
}

// Close closes the database.
func (s *LevelDBAdapter) Close() error {
	return s.db.Close()
}

type leveldbIterator struct {
	iter iterator.Iterator
	cur  *Item
	err  error
}

func (it *leveldbIterator) Next() bool {
	if it.err != nil || !it.iter.Next() {
		return false
	}
	it.cur, it.err = decodeItem(it.iter.Value())
	if it.err != nil {
		it.err = errors.Wrapf(it.err, "could not decode item %s", it.iter.Key())
		return false
	}
	return true
}

func (it *leveldbIterator) Item() *Item { return it.cur }

func (it *leveldbIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

func (it *leveldbIterator) Close() error {
	it.iter.Release()
	return nil
}

// NewLevelDBAdapter returns a LevelDBAdapter backed by the database in dir,
// creating it if necessary.
func NewLevelDBAdapter(dir string) (*LevelDBAdapter, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not open leveldb database")
	}
	return &LevelDBAdapter{db: db}, nil
}

// NewMemLevelDBAdapter returns a LevelDBAdapter that keeps its database in
// memory.
func NewMemLevelDBAdapter() (*LevelDBAdapter, error) {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBAdapter{db: db}, nil
}
