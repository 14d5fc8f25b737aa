package storage

import (
	"sort"
	"sync"
)

// EphemeralAdapter implements Adapter in memory.
type EphemeralAdapter struct {
	mu    sync.Mutex
	items map[string][]byte
}

// Get implements Adapter.
func (s *EphemeralAdapter) Get(hash string) (*Item, error) {
	s.mu.Lock()
	b, ok := s.items[hash]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeItem(b)
}

// Put implements Adapter.
func (s *EphemeralAdapter) Put(it *Item) error {
	b, err := encodeItem(it)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[it.Hash] = b
	s.mu.Unlock()
	return nil
}

// Delete implements Adapter.
func (s *EphemeralAdapter) Delete(hash string) error {
	s.mu.Lock()
	delete(s.items, hash)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored items.
func (s *EphemeralAdapter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Scan implements Adapter. The set of keys is fixed when Scan is called; items
// are read lazily, and items deleted in the meantime are skipped.
func (s *EphemeralAdapter) Scan() (Iterator, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return &ephemeralIterator{s: s, keys: keys}, nil
}

type ephemeralIterator struct {
	s    *EphemeralAdapter
	keys []string
	cur  *Item
	err  error
}

func (it *ephemeralIterator) Next() bool {
	for it.err == nil && len(it.keys) > 0 {
		key := it.keys[0]
		it.keys = it.keys[1:]
		it.s.mu.Lock()
		b, ok := it.s.items[key]
		it.s.mu.Unlock()
		if !ok {
			continue
		}
		it.cur, it.err = decodeItem(b)
		return it.err == nil
	}
	return false
}

func (it *ephemeralIterator) Item() *Item  { return it.cur }
func (it *ephemeralIterator) Err() error   { return it.err }
func (it *ephemeralIterator) Close() error { return nil }

// NewEphemeralAdapter returns a new EphemeralAdapter.
func NewEphemeralAdapter() *EphemeralAdapter {
	return &EphemeralAdapter{
		items: make(map[string][]byte),
	}
}
