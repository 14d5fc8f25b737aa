package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/frand"
)

func contractEnding(end time.Time) Contract {
	return Contract{
		RenterID:   hex.EncodeToString(frand.Bytes(20)),
		DataSize:   4,
		StoreBegin: end.Add(-time.Hour).UnixMilli(),
		StoreEnd:   end.UnixMilli(),
	}
}

func randItem(ends ...time.Time) *Item {
	it := NewItem(frand.Bytes(64))
	for i, end := range ends {
		it.AddContract(string(rune('a'+i)), contractEnding(end))
	}
	return it
}

// faultyAdapter wraps an EphemeralAdapter, allowing individual methods to be
// overridden.
type faultyAdapter struct {
	*EphemeralAdapter
	get func(hash string) (*Item, error)
	del func(hash string) error
}

func (a *faultyAdapter) Get(hash string) (*Item, error) {
	if a.get != nil {
		return a.get(hash)
	}
	return a.EphemeralAdapter.Get(hash)
}

func (a *faultyAdapter) Delete(hash string) error {
	if a.del != nil {
		return a.del(hash)
	}
	return a.EphemeralAdapter.Delete(hash)
}

func newTestManager(t *testing.T, a Adapter, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(a, append([]ManagerOption{WithoutReaper()}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManagerInvalidAdapter(t *testing.T) {
	if _, err := NewManager(nil); err != ErrInvalidAdapter {
		t.Fatal("expected ErrInvalidAdapter, got", err)
	}
	for _, a := range []Adapter{(*BoltAdapter)(nil), (*LevelDBAdapter)(nil), (*EphemeralAdapter)(nil)} {
		if _, err := NewManager(a); err != ErrInvalidAdapter {
			t.Fatalf("expected ErrInvalidAdapter for %T, got %v", a, err)
		}
	}
	if _, err := NewManager(NewEphemeralAdapter(), WithReapInterval(0)); err == nil {
		t.Fatal("expected error for zero reap interval")
	}
}

func TestLoadSave(t *testing.T) {
	m := newTestManager(t, NewEphemeralAdapter())

	it := randItem(time.Now().Add(time.Hour))
	it.Challenges["a"] = []byte(`{"challenges":["00ff"],"depth":3}`)
	if err := m.Save(it); err != nil {
		t.Fatal(err)
	}
	loaded, err := m.Load(it.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(loaded); err != nil {
		t.Fatal(err)
	}
	reloaded, err := m.Load(it.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Hash != it.Hash {
		t.Fatal("hash mismatch")
	} else if !bytes.Equal(reloaded.Shard, it.Shard) {
		t.Fatal("shard mismatch")
	} else if !reflect.DeepEqual(reloaded.Contracts, it.Contracts) {
		t.Fatal("contracts mismatch", reloaded.Contracts, it.Contracts)
	} else if !reflect.DeepEqual(reloaded.Challenges, it.Challenges) {
		t.Fatal("challenges mismatch")
	}
}

func TestSaveOverwrites(t *testing.T) {
	m := newTestManager(t, NewEphemeralAdapter())

	it := randItem(time.Now().Add(time.Hour), time.Now().Add(time.Hour))
	if err := m.Save(it); err != nil {
		t.Fatal(err)
	}
	it.RemoveContract("a")
	if err := m.Save(it); err != nil {
		t.Fatal(err)
	}
	loaded, err := m.Load(it.Hash)
	if err != nil {
		t.Fatal(err)
	} else if len(loaded.Contracts) != 1 {
		t.Fatal("expected 1 contract after overwrite, got", len(loaded.Contracts))
	}
}

func TestLoadPreconditions(t *testing.T) {
	m := newTestManager(t, NewEphemeralAdapter())
	bad := []string{
		"",
		"abc",
		"ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ",
		"0123456789ABCDEF0123456789ABCDEF01234567",
		"0123456789abcdef0123456789abcdef012345678",
	}
	for _, hash := range bad {
		if _, err := m.Load(hash); err != ErrInvalidHash {
			t.Errorf("Load(%q): expected ErrInvalidHash, got %v", hash, err)
		}
	}
	if err := m.Save(nil); err != ErrInvalidItem {
		t.Fatal("expected ErrInvalidItem, got", err)
	}
	if err := m.Save(&Item{Hash: "foo"}); err != ErrInvalidItem {
		t.Fatal("expected ErrInvalidItem, got", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	m := newTestManager(t, NewEphemeralAdapter())
	if _, err := m.Load(ShardHash([]byte("missing"))); err != ErrNotFound {
		t.Fatal("expected ErrNotFound, got", err)
	}

	// arbitrary adapter errors should be passed through untouched
	adapterErr := errors.New("disk on fire")
	fa := &faultyAdapter{
		EphemeralAdapter: NewEphemeralAdapter(),
		get:              func(string) (*Item, error) { return nil, adapterErr },
	}
	m = newTestManager(t, fa)
	if _, err := m.Load(ShardHash([]byte("missing"))); err != adapterErr {
		t.Fatal("expected adapter error, got", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	hash := ShardHash([]byte("shard"))
	results := []*Item{
		nil,
		{Hash: "not a hash"},
		NewItem([]byte("some other shard")),
	}
	for _, res := range results {
		res := res
		fa := &faultyAdapter{
			EphemeralAdapter: NewEphemeralAdapter(),
			get:              func(string) (*Item, error) { return res, nil },
		}
		m := newTestManager(t, fa)
		if it, err := m.Load(hash); err != ErrMalformedResult {
			t.Fatal("expected ErrMalformedResult, got", err)
		} else if it != nil {
			t.Fatal("malformed load should not return an item")
		}
	}
}

func TestClean(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	a := NewEphemeralAdapter()
	m := newTestManager(t, a, WithClock(func() time.Time { return now }))

	expired := []*Item{
		randItem(past),
		randItem(past, past, past),
		randItem(now.Add(-time.Millisecond)),
	}
	retained := []*Item{
		randItem(future),
		randItem(past, future),
		randItem(past, past, future),
		randItem(now.Add(time.Millisecond)),
	}
	for _, it := range append(append([]*Item(nil), expired...), retained...) {
		if err := m.Save(it); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := m.Clean(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != len(expired)+len(retained) || stats.Reaped != len(expired) || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, it := range expired {
		if _, err := m.Load(it.Hash); err != ErrNotFound {
			t.Fatal("expired item should have been reaped")
		}
	}
	for _, it := range retained {
		if _, err := m.Load(it.Hash); err != nil {
			t.Fatal("unexpired item should have been retained:", err)
		}
	}
}

func TestCleanStoreEndBoundary(t *testing.T) {
	now := time.Unix(1600000000, 0)
	a := NewEphemeralAdapter()
	m := newTestManager(t, a, WithClock(func() time.Time { return now }))

	// a contract ending exactly now has not ended strictly before now
	it := randItem(now)
	if err := m.Save(it); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Clean(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 1 {
		t.Fatal("item whose contract ends now should be retained")
	}
}

func TestCleanEmptyContracts(t *testing.T) {
	a := NewEphemeralAdapter()
	m := newTestManager(t, a)

	// an item with no contracts is vacuously expired
	it := NewItem([]byte("orphan"))
	if err := m.Save(it); err != nil {
		t.Fatal(err)
	}
	stats, err := m.Clean(context.Background())
	if err != nil {
		t.Fatal(err)
	} else if stats.Reaped != 1 {
		t.Fatal("expected orphaned item to be reaped")
	}
	if a.Len() != 0 {
		t.Fatal("item with no contracts should have been deleted")
	}
}

func TestCleanDeleteFailure(t *testing.T) {
	fa := &faultyAdapter{EphemeralAdapter: NewEphemeralAdapter()}
	m := newTestManager(t, fa)

	past := time.Now().Add(-time.Hour)
	items := []*Item{randItem(past), randItem(past), randItem(past)}
	for _, it := range items {
		if err := m.Save(it); err != nil {
			t.Fatal(err)
		}
	}
	var failHash string
	for _, it := range items {
		if failHash == "" || it.Hash < failHash {
			failHash = it.Hash
		}
	}
	fa.del = func(hash string) error {
		if hash == failHash {
			return errors.New("delete failed")
		}
		return fa.EphemeralAdapter.Delete(hash)
	}

	// the first delete fails, but the scan should continue
	stats, err := m.Clean(context.Background())
	if err != nil {
		t.Fatal(err)
	} else if stats.Failed != 1 || stats.Reaped != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if fa.Len() != 1 {
		t.Fatal("expected only the undeletable item to remain, got", fa.Len())
	}
}

func TestCleanSequentialDeletes(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	fa := &faultyAdapter{EphemeralAdapter: NewEphemeralAdapter()}
	fa.del = func(hash string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return fa.EphemeralAdapter.Delete(hash)
	}
	m := newTestManager(t, fa)
	for i := 0; i < 20; i++ {
		if err := m.Save(randItem(time.Now().Add(-time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	// concurrent passes must not overlap
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Clean(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Fatal("expected at most one in-flight delete, got", maxInFlight)
	}
	if fa.Len() != 0 {
		t.Fatal("all items should have been reaped")
	}
}

func TestCleanCanceled(t *testing.T) {
	a := NewEphemeralAdapter()
	m := newTestManager(t, a)
	for i := 0; i < 5; i++ {
		if err := m.Save(randItem(time.Now().Add(-time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Clean(ctx); err != context.Canceled {
		t.Fatal("expected context.Canceled, got", err)
	}
	if a.Len() != 5 {
		t.Fatal("canceled pass should not delete anything")
	}
}

func TestReaper(t *testing.T) {
	a := NewEphemeralAdapter()
	it := randItem(time.Now().Add(-time.Hour))
	if err := a.Put(it); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(a, WithReapInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	waitEmpty := func() {
		t.Helper()
		for i := 0; i < 200 && a.Len() != 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		if a.Len() != 0 {
			t.Fatal("reaper did not delete expired item")
		}
	}
	// the first pass runs on construction
	waitEmpty()

	// subsequent passes run on the configured interval
	if err := a.Put(randItem(time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	waitEmpty()
}

func TestReaperClose(t *testing.T) {
	a := NewEphemeralAdapter()
	m, err := NewManager(a, WithReapInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		m.Close()
		m.Close() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the reaper")
	}

	// once closed, no further passes should run
	it := randItem(time.Now().Add(-time.Hour))
	if err := a.Put(it); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if a.Len() != 1 {
		t.Fatal("reaper ran after Close")
	}
}

func TestShardHash(t *testing.T) {
	// RIPEMD-160(SHA-256("")), computed independently
	const emptyHash = "b472a266d0bd89c13706a4132ccfb16f7c3b9fcb"
	if h := ShardHash(nil); h != emptyHash {
		t.Fatal("wrong hash for empty shard:", h)
	}
	if !ValidHash(ShardHash(frand.Bytes(100))) {
		t.Fatal("ShardHash should produce a valid hash")
	}
}

func TestContractGet(t *testing.T) {
	c := contractEnding(time.Unix(1700000000, 0))
	v, ok := c.Get("store_end")
	if !ok || v.(int64) != 1700000000000 {
		t.Fatal("wrong store_end:", v)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("unknown field should not be found")
	}
}

func TestContractExpiredFarFuture(t *testing.T) {
	end := time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Contract{StoreEnd: end.UnixMilli()}
	if c.Expired(time.Date(2999, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("contract should not have expired before its end")
	}
	if !c.Expired(time.Date(3001, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("contract should have expired after its end")
	}
}
