package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/jacktea/castore/pkg/xerrors"
)

func newTestTieredStore(t *testing.T, budget int64) (*TieredStore, *MemStore, *DirStore) {
	t.Helper()
	cacheTier := NewMemStore()
	fallback, err := NewDirStore(memfs.New())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	ts, err := NewTieredStore(cacheTier, fallback, TieredOptions{ByteBudget: budget})
	if err != nil {
		t.Fatalf("NewTieredStore: %v", err)
	}
	return ts, cacheTier, fallback
}

func TestTieredStoreWriteReachesBothTiers(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)

	n, err := ts.Write(ctx, "k", strings.NewReader("both tiers"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != int64(len("both tiers")) {
		t.Fatalf("write returned %d bytes, want %d", n, len("both tiers"))
	}
	if got := mustRead(t, cacheTier, "k"); got != "both tiers" {
		t.Fatalf("cache tier holds %q", got)
	}
	if got := mustRead(t, fallback, "k"); got != "both tiers" {
		t.Fatalf("fallback tier holds %q", got)
	}
	if got := mustRead(t, ts, "k"); got != "both tiers" {
		t.Fatalf("tiered read %q", got)
	}
}

func TestTieredStoreWriteSourceError(t *testing.T) {
	ctx := context.Background()
	ts, _, fallback := newTestTieredStore(t, 0)
	boom := errors.New("source died")

	_, err := ts.Write(ctx, "k", &failReader{data: "partial", err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("write: got %v, want the source error", err)
	}
	if ok, _ := fallback.Exists(ctx, "k"); ok {
		t.Fatal("failed write left a fallback entry")
	}
}

func TestTieredStoreWriteCacheTierFailure(t *testing.T) {
	ctx := context.Background()
	fallback, err := NewDirStore(memfs.New())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	broken := &hookStore{
		Store: NewMemStore(),
		write: func(ctx context.Context, key string, src io.Reader) (int64, error) {
			io.Copy(io.Discard, src)
			return 0, errors.New("cache tier down")
		},
	}
	ts, err := NewTieredStore(broken, fallback, TieredOptions{})
	if err != nil {
		t.Fatalf("NewTieredStore: %v", err)
	}
	if _, err := ts.Write(ctx, "k", strings.NewReader("x")); err == nil {
		t.Fatal("write succeeded with a failing cache tier")
	}
}

func TestTieredStoreBudgetEviction(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 100)

	blob := func(c byte) string { return strings.Repeat(string(c), 40) }
	mustWrite(t, ts, "a", blob('a'))
	mustWrite(t, ts, "b", blob('b'))
	mustWrite(t, ts, "c", blob('c')) // 120 tracked bytes, "a" must go

	if ok, _ := cacheTier.Exists(ctx, "a"); ok {
		t.Fatal("evicted key still in cache tier")
	}
	for _, key := range []string{"b", "c"} {
		if ok, _ := cacheTier.Exists(ctx, key); !ok {
			t.Fatalf("key %s missing from cache tier", key)
		}
	}
	// Eviction never touches the durable tier.
	if ok, _ := fallback.Exists(ctx, "a"); !ok {
		t.Fatal("eviction removed the fallback entry")
	}
	if got := mustRead(t, ts, "a"); got != blob('a') {
		t.Fatalf("evicted key unreadable through the store: %q", got)
	}

	stats := ts.Stats()
	if stats.Evictions == 0 {
		t.Fatalf("stats report no evictions: %+v", stats)
	}
	if stats.Used > stats.Budget {
		t.Fatalf("tracker over budget: %+v", stats)
	}
}

func TestTieredStoreReadThroughRepopulates(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)

	// Populate the fallback behind the tiered store's back, as a restart
	// with a cold cache would leave it.
	mustWrite(t, fallback, "cold", "from fallback")

	var buf bytes.Buffer
	n, err := ts.Read(ctx, "cold", &buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != int64(len("from fallback")) || buf.String() != "from fallback" {
		t.Fatalf("read %d bytes %q", n, buf.String())
	}
	if got := mustRead(t, cacheTier, "cold"); got != "from fallback" {
		t.Fatalf("read-through left cache tier with %q", got)
	}

	// Second read is a tracker hit.
	before := ts.Stats().Hits
	if got := mustRead(t, ts, "cold"); got != "from fallback" {
		t.Fatalf("second read %q", got)
	}
	if after := ts.Stats().Hits; after != before+1 {
		t.Fatalf("hits went %d -> %d, want +1", before, after)
	}
}

func TestTieredStoreReadMissingEverywhere(t *testing.T) {
	ts, _, _ := newTestTieredStore(t, 0)
	var buf bytes.Buffer
	_, err := ts.Read(context.Background(), "nowhere", &buf)
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("read missing: got %v, want not found", err)
	}
}

func TestTieredStoreReadStaleTrackerEntry(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, _ := newTestTieredStore(t, 0)
	mustWrite(t, ts, "k", "content")

	// Drop the cached bytes without telling the tracker; the next read must
	// fall back and repopulate rather than fail.
	if err := cacheTier.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := mustRead(t, ts, "k"); got != "content" {
		t.Fatalf("read %q, want \"content\"", got)
	}
	if got := mustRead(t, cacheTier, "k"); got != "content" {
		t.Fatalf("cache tier not repopulated: %q", got)
	}
}

func TestTieredStoreRename(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)
	mustWrite(t, ts, "tmp/x", "blob")

	if err := ts.Rename(ctx, "tmp/x", "fi/na/l"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	for name, s := range map[string]Store{"cache": cacheTier, "fallback": fallback} {
		if ok, _ := s.Exists(ctx, "tmp/x"); ok {
			t.Fatalf("%s tier still holds the old key", name)
		}
		if ok, _ := s.Exists(ctx, "fi/na/l"); !ok {
			t.Fatalf("%s tier missing the new key", name)
		}
	}
	if got := mustRead(t, ts, "fi/na/l"); got != "blob" {
		t.Fatalf("renamed blob reads %q", got)
	}

	err := ts.Rename(ctx, "tmp/x", "anywhere")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("rename of missing key: got %v, want not found", err)
	}
}

func TestTieredStoreRenameEvictedKey(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 50)
	mustWrite(t, ts, "old", strings.Repeat("x", 40))
	mustWrite(t, ts, "filler", strings.Repeat("y", 40)) // evicts "old" from the cache tier

	if ok, _ := cacheTier.Exists(ctx, "old"); ok {
		t.Fatal("precondition: old key should have been evicted")
	}
	if err := ts.Rename(ctx, "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if ok, _ := fallback.Exists(ctx, "new"); !ok {
		t.Fatal("fallback missing the new key")
	}
	if ok, _ := cacheTier.Exists(ctx, "new"); ok {
		t.Fatal("cache tier grew an entry it never held")
	}
	if got := mustRead(t, ts, "new"); got != strings.Repeat("x", 40) {
		t.Fatalf("renamed blob reads %q", got)
	}
}

// An eviction that lands while a rename of the same key is in flight must
// spare the cache-tier bytes: they moved, they did not expire.
func TestTieredStoreRenameEvictionRace(t *testing.T) {
	ctx := context.Background()
	cacheTier := NewMemStore()
	inner, err := NewDirStore(memfs.New())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	var ts *TieredStore
	fallback := &hookStore{
		Store: inner,
		beforeRename: func(oldKey, newKey string) {
			// Push the source key out of the tracker mid-rename.
			mustWrite(t, ts, "filler", strings.Repeat("z", 80))
		},
	}
	ts, err = NewTieredStore(cacheTier, fallback, TieredOptions{ByteBudget: 100})
	if err != nil {
		t.Fatalf("NewTieredStore: %v", err)
	}
	mustWrite(t, ts, "old", strings.Repeat("x", 40))

	if err := ts.Rename(ctx, "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if ok, _ := cacheTier.Exists(ctx, "new"); !ok {
		t.Fatal("eviction during rename deleted the moving entry")
	}
	if ok, _ := cacheTier.Exists(ctx, "old"); ok {
		t.Fatal("old key left behind in the cache tier")
	}
	if got := mustRead(t, ts, "new"); got != strings.Repeat("x", 40) {
		t.Fatalf("renamed blob reads %q", got)
	}
}

func TestTieredStoreExistsConsultsFallbackOnly(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)

	mustWrite(t, cacheTier, "cache-only", "x")
	if ok, _ := ts.Exists(ctx, "cache-only"); ok {
		t.Fatal("cache-only key reported as existing")
	}
	mustWrite(t, fallback, "durable-only", "x")
	if ok, _ := ts.Exists(ctx, "durable-only"); !ok {
		t.Fatal("durable key reported as missing")
	}
}

func TestTieredStoreDelete(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)
	mustWrite(t, ts, "k", "bytes")

	if err := ts.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := cacheTier.Exists(ctx, "k"); ok {
		t.Fatal("cache tier still holds the key")
	}
	if ok, _ := fallback.Exists(ctx, "k"); ok {
		t.Fatal("fallback still holds the key")
	}
	if err := ts.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete of absent key: %v", err)
	}
}

func TestTieredStoreExtensionForwarding(t *testing.T) {
	ctx := context.Background()
	ts, cacheTier, fallback := newTestTieredStore(t, 0)
	mustWrite(t, ts, "src", "forwarded")

	// "copy" exists only on the fallback tier and must still be callable.
	res, err := Call(ctx, ts, ExtCopy, "src", "dst")
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n := res.(int64); n != int64(len("forwarded")) {
		t.Fatalf("copy reported %d bytes", n)
	}
	if ok, _ := fallback.Exists(ctx, "dst"); !ok {
		t.Fatal("copy did not reach the fallback tier")
	}

	// "list" exists on both tiers; the cache tier's result wins.
	res, err = Call(ctx, ts, ExtList)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantRes, err := Call(ctx, cacheTier, ExtList)
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if !reflect.DeepEqual(res, wantRes) {
		t.Fatalf("list returned %v, want the cache tier's %v", res, wantRes)
	}

	_, err = Call(ctx, ts, "no-such-capability")
	if xerrors.KindOf(err) != xerrors.KindNotSupported {
		t.Fatalf("unknown capability: got %v, want not supported", err)
	}
}

// hookStore overrides selected operations of an inner store, for fault and
// ordering injection.
type hookStore struct {
	Store
	write        func(ctx context.Context, key string, src io.Reader) (int64, error)
	beforeRename func(oldKey, newKey string)
}

func (h *hookStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	if h.write != nil {
		return h.write(ctx, key, src)
	}
	return h.Store.Write(ctx, key, src)
}

func (h *hookStore) Rename(ctx context.Context, oldKey, newKey string) error {
	if h.beforeRename != nil {
		h.beforeRename(oldKey, newKey)
	}
	return h.Store.Rename(ctx, oldKey, newKey)
}
