package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/ripemd160"
)

// HashSize is the size, in bytes, of a shard hash.
const HashSize = ripemd160.Size

// ShardHash returns the hex-encoded RIPEMD-160 hash of the SHA-256 hash of
// shard. This is the key under which a shard is stored.
func ShardHash(shard []byte) string {
	sum := sha256.Sum256(shard)
	h := ripemd160.New()
	h.Write(sum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ValidHash reports whether hash is a 40-character lowercase hex string.
func ValidHash(hash string) bool {
	if len(hash) != HashSize*2 {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if !('0' <= c && c <= '9') && !('a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// A Contract is a renter's storage agreement for a shard. The storage manager
// only ever reads StoreEnd.
type Contract struct {
	RenterID   string `json:"renter_id"`
	FarmerID   string `json:"farmer_id"`
	DataSize   int64  `json:"data_size"`
	DataHash   string `json:"data_hash"`
	StoreBegin int64  `json:"store_begin"` // epoch milliseconds
	StoreEnd   int64  `json:"store_end"`   // epoch milliseconds
	AuditCount int    `json:"audit_count"`
}

// Get returns the value of the named contract field, using the field's wire
// name (e.g. "store_end").
func (c Contract) Get(field string) (interface{}, bool) {
	switch field {
	case "renter_id":
		return c.RenterID, true
	case "farmer_id":
		return c.FarmerID, true
	case "data_size":
		return c.DataSize, true
	case "data_hash":
		return c.DataHash, true
	case "store_begin":
		return c.StoreBegin, true
	case "store_end":
		return c.StoreEnd, true
	case "audit_count":
		return c.AuditCount, true
	}
	return nil, false
}

// Expired reports whether the contract's storage period ended strictly before
// now.
func (c Contract) Expired(now time.Time) bool {
	return c.StoreEnd < now.UnixMilli()
}

// An Item is a stored shard together with the contracts and audit records
// that govern it.
type Item struct {
	Hash       string              `json:"hash"`
	Shard      []byte              `json:"shard"`
	Contracts  map[string]Contract `json:"contracts"`
	Challenges map[string][]byte   `json:"challenges"`
}

// NewItem returns an Item holding shard, keyed by its ShardHash.
func NewItem(shard []byte) *Item {
	return &Item{
		Hash:       ShardHash(shard),
		Shard:      shard,
		Contracts:  make(map[string]Contract),
		Challenges: make(map[string][]byte),
	}
}

// AddContract attaches c to the item on behalf of peer, replacing any existing
// contract from that peer.
func (it *Item) AddContract(peer string, c Contract) {
	if it.Contracts == nil {
		it.Contracts = make(map[string]Contract)
	}
	it.Contracts[peer] = c
}

// RemoveContract detaches peer's contract and audit record from the item.
func (it *Item) RemoveContract(peer string) {
	delete(it.Contracts, peer)
	delete(it.Challenges, peer)
}

// expired reports whether every contract attached to the item has expired. An
// item with no contracts is considered expired.
func (it *Item) expired(now time.Time) bool {
	ended := 0
	for _, c := range it.Contracts {
		if c.Expired(now) {
			ended++
		}
	}
	return ended == len(it.Contracts)
}

// wellFormed reports whether the item could have been produced by Save.
func (it *Item) wellFormed() bool {
	return it != nil && ValidHash(it.Hash)
}

func encodeItem(it *Item) ([]byte, error) {
	return json.Marshal(it)
}

func decodeItem(b []byte) (*Item, error) {
	it := new(Item)
	if err := json.Unmarshal(b, it); err != nil {
		return nil, err
	}
	if it.Contracts == nil {
		it.Contracts = make(map[string]Contract)
	}
	if it.Challenges == nil {
		it.Challenges = make(map[string][]byte)
	}
	return it, nil
}
