// Package storage implements shard storage for a farmer node, including the
// reaper that reclaims shards whose contracts have all expired.
package storage // import "lukechampine.com/farm/storage"

import (
	"github.com/pkg/errors"
)

// Errors returned by the storage manager and its adapters.
var (
	ErrInvalidAdapter  = errors.New("invalid storage adapter")
	ErrInvalidHash     = errors.New("key must be 160 bit hex string")
	ErrInvalidItem     = errors.New("invalid storage item supplied")
	ErrMalformedResult = errors.New("storage adapter provided invalid result")
	ErrNotFound        = errors.New("shard not found")
)

// An Adapter is a durable store of Items, keyed by hash.
type Adapter interface {
	// Get returns the item stored under hash. If no such item exists, Get
	// returns ErrNotFound.
	Get(hash string) (*Item, error)
	// Put stores the item under its hash, overwriting any existing item.
	Put(it *Item) error
	// Delete removes the item stored under hash.
	Delete(hash string) error
	// Scan returns an Iterator over every stored item, ordered by hash.
	// Items deleted while the scan is in progress must not cause the scan to
	// fail.
	Scan() (Iterator, error)
}

// An Iterator is a pull-based stream of Items. The next item is not read from
// the store until Next is called, so a caller that is slow to call Next
// exerts backpressure on the scan.
type Iterator interface {
	// Next advances the iterator, returning false when the scan is exhausted
	// or has failed.
	Next() bool
	// Item returns the current item.
	Item() *Item
	// Err returns the error, if any, that terminated the scan.
	Err() error
	// Close releases any resources held by the iterator.
	Close() error
}
