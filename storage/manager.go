package storage

import (
	"context"
	"reflect"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("storage")

// DefaultReapInterval is the time between the end of one reaper pass and the
// start of the next.
const DefaultReapInterval = 24 * time.Hour

// A ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithReapInterval sets the delay between reaper passes.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithClock sets the function used to determine the current time when
// deciding whether a contract has expired.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the collectors updated by the reaper.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithoutReaper prevents the Manager from starting its background reaper.
// Clean may still be called directly.
func WithoutReaper() ManagerOption {
	return func(m *Manager) { m.reaper = false }
}

// CleanStats summarizes a reaper pass.
type CleanStats struct {
	Scanned int `json:"scanned"`
	Reaped  int `json:"reaped"`
	Failed  int `json:"failed"`
}

// A Manager loads and saves shards through an Adapter, and periodically reaps
// shards whose contracts have all expired.
type Manager struct {
	store    Adapter
	interval time.Duration
	now      func() time.Time
	metrics  *Metrics
	reaper   bool

	cleanMu sync.Mutex // serializes Clean
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Load returns the item stored under hash.
func (m *Manager) Load(hash string) (*Item, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}
	it, err := m.store.Get(hash)
	if err != nil {
		return nil, err
	}
	if !it.wellFormed() || it.Hash != hash {
		return nil, ErrMalformedResult
	}
	return it, nil
}

// Save stores it, overwriting any item with the same hash. Save does not merge
// contracts with an existing item; callers that need to do so must Load,
// modify, and Save.
func (m *Manager) Save(it *Item) error {
	if !it.wellFormed() {
		return ErrInvalidItem
	}
	return m.store.Put(it)
}

// Clean scans every stored item and deletes those whose contracts have all
// expired. Note that an item with no contracts at all is also deleted.
//
// Items are processed one at a time: the next item is not read until the
// current one has been retained or deleted. A failed deletion is logged and
// does not abort the scan. Clean returns once the scan is exhausted, or early
// if ctx is canceled.
func (m *Manager) Clean(ctx context.Context) (CleanStats, error) {
	m.cleanMu.Lock()
	defer m.cleanMu.Unlock()

	var stats CleanStats
	start := time.Now()
	iter, err := m.store.Scan()
	if err != nil {
		return stats, errors.Wrap(err, "could not scan storage")
	}
	defer iter.Close()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		it := iter.Item()
		stats.Scanned++
		m.metrics.Scanned.Inc()
		if !it.expired(m.now()) {
			continue
		}
		if err := m.store.Delete(it.Hash); err != nil {
			log.Warnw("failed to delete expired shard", "hash", it.Hash, "err", err)
			stats.Failed++
			m.metrics.DeleteErrors.Inc()
			continue
		}
		stats.Reaped++
		m.metrics.Reaped.Inc()
	}
	if err := iter.Err(); err != nil {
		return stats, errors.Wrap(err, "storage scan failed")
	}
	m.metrics.PassSeconds.Observe(time.Since(start).Seconds())
	log.Debugw("reaper pass complete", "scanned", stats.Scanned, "reaped", stats.Reaped, "failed", stats.Failed)
	return stats, nil
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.done)
	for {
		if _, err := m.Clean(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("reaper pass failed: %v", err)
		}
		t := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Close stops the reaper, waiting for any pass in progress to halt. It does
// not close the underlying Adapter.
func (m *Manager) Close() error {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
	return nil
}

// NewManager returns a Manager backed by store. Unless WithoutReaper is
// supplied, a reaper pass begins immediately and repeats until Close is
// called.
func NewManager(store Adapter, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, ErrInvalidAdapter
	} else if v := reflect.ValueOf(store); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, ErrInvalidAdapter
	}
	m := &Manager{
		store:    store,
		interval: DefaultReapInterval,
		now:      time.Now,
		reaper:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.interval <= 0 {
		return nil, errors.Errorf("invalid reap interval %v", m.interval)
	}
	if m.reaper {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.reapLoop(ctx)
	}
	return m, nil
}
