package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/jacktea/castore/pkg/cache"
	"github.com/jacktea/castore/pkg/xerrors"
)

// TieredOptions control a TieredStore.
type TieredOptions struct {
	// ByteBudget bounds the bytes held by the cache tier. Zero picks
	// cache.DefaultBudget (100 MiB).
	ByteBudget int64
}

// TieredStore layers a fast cache tier in front of a durable fallback tier.
//
// The fallback tier is the source of truth: every successful write lands
// there, and existence checks consult it alone. The cache tier holds a
// budget-bounded subset of the fallback's keys, repopulated on read misses
// and trimmed by LRU eviction. Extensions exposed by either tier are
// forwarded (see Extensions).
type TieredStore struct {
	cacheTier Store
	fallback  Store
	tracker   *cache.Tracker
	exts      map[string]Extension

	mu      sync.Mutex
	pending map[string]string // rename in flight: source key -> destination key
}

var (
	_ Store    = (*TieredStore)(nil)
	_ Extender = (*TieredStore)(nil)
)

// NewTieredStore composes a cache tier and a fallback tier.
func NewTieredStore(cacheTier, fallback Store, opts TieredOptions) (*TieredStore, error) {
	if cacheTier == nil {
		return nil, fmt.Errorf("tiered: cache tier required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("tiered: fallback tier required")
	}
	t := &TieredStore{
		cacheTier: cacheTier,
		fallback:  fallback,
		pending:   make(map[string]string),
	}
	t.tracker = cache.New(opts.ByteBudget, t.onEvict)
	t.exts = mergeExtensions(cacheTier, fallback)
	return t, nil
}

// Write fans the source stream out to both tiers. Each tier consumes its own
// pipe fed from a single copy loop, so both observe every byte and the
// slowest consumer throttles the source. Joint success registers the key
// with the LRU tracker, which may evict older cache entries.
func (t *TieredStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	cacheRd, cacheWr := io.Pipe()
	fallRd, fallWr := io.Pipe()
	var n int64
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		_, err := t.cacheTier.Write(ctx, key, cacheRd)
		cacheRd.CloseWithError(err)
		return err
	})
	p.Go(func(ctx context.Context) error {
		_, err := t.fallback.Write(ctx, key, fallRd)
		fallRd.CloseWithError(err)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		n, err = io.Copy(io.MultiWriter(cacheWr, fallWr), src)
		// Propagate the source's error (or EOF) into both pipes so the
		// tier writers stop with the original failure.
		cacheWr.CloseWithError(err)
		fallWr.CloseWithError(err)
		return err
	})
	if err := p.Wait(); err != nil {
		return 0, err
	}
	t.tracker.Add(key, n)
	return n, nil
}

// Read serves tracked keys from the cache tier and falls back to a
// read-through: the fallback stream is teed into a cache-tier write while it
// flows to dst, then the key is registered with the tracker. Only a fallback
// miss is a not-found error.
func (t *TieredStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	if t.tracker.Touch(key) {
		n, err := t.cacheTier.Read(ctx, key, dst)
		if err == nil {
			return n, nil
		}
		if xerrors.KindOf(err) != xerrors.KindNotFound {
			return n, err
		}
		// Tracked but gone from the tier; forget it and repopulate.
		t.tracker.Remove(key)
	}
	pr, pw := io.Pipe()
	var n int64
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		_, err := t.cacheTier.Write(ctx, key, pr)
		pr.CloseWithError(err)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		n, err = t.fallback.Read(ctx, key, io.MultiWriter(dst, pw))
		pw.CloseWithError(err)
		return err
	})
	if err := p.Wait(); err != nil {
		return 0, err
	}
	t.tracker.Add(key, n)
	return n, nil
}

// Rename records the move before touching either tier so a concurrent
// eviction of oldKey is treated as a relocation, not an abandonment. The
// fallback tier always renames; the cache tier only if it currently holds
// the key.
func (t *TieredStore) Rename(ctx context.Context, oldKey, newKey string) error {
	t.mu.Lock()
	t.pending[oldKey] = newKey
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, oldKey)
		t.mu.Unlock()
	}()

	if err := t.fallback.Rename(ctx, oldKey, newKey); err != nil {
		return err
	}
	cached, err := t.cacheTier.Exists(ctx, oldKey)
	if err != nil {
		return err
	}
	if cached {
		if err := t.cacheTier.Rename(ctx, oldKey, newKey); err != nil {
			return err
		}
	}
	t.tracker.Rename(oldKey, newKey)
	return nil
}

// Exists consults the fallback tier only; cache absence is not informative.
func (t *TieredStore) Exists(ctx context.Context, key string) (bool, error) {
	return t.fallback.Exists(ctx, key)
}

// Delete removes the key from both tiers. The fallback tier's outcome is the
// operation's outcome.
func (t *TieredStore) Delete(ctx context.Context, key string) error {
	t.tracker.Remove(key)
	_ = t.cacheTier.Delete(ctx, key)
	return t.fallback.Delete(ctx, key)
}

// Extensions implements Extender with the capability table merged from both
// tiers at construction: a capability on the cache tier runs there first and
// then on the fallback tier when both define it, returning the cache tier's
// result; a fallback-only capability runs on the fallback directly.
func (t *TieredStore) Extensions() map[string]Extension { return t.exts }

// Stats exposes the cache tracker's counters.
func (t *TieredStore) Stats() cache.Stats { return t.tracker.Stats() }

// onEvict runs after the tracker dropped key. A pending rename means the
// content moved rather than expired, so the cache-tier entry must survive
// under its new key; otherwise the cached copy is deleted. The fallback tier
// is never touched by eviction.
func (t *TieredStore) onEvict(key string, size int64) {
	t.mu.Lock()
	if _, ok := t.pending[key]; ok {
		delete(t.pending, key)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	_ = t.cacheTier.Delete(context.Background(), key)
}

func mergeExtensions(cacheTier, fallback Store) map[string]Extension {
	var cacheExts, fallExts map[string]Extension
	if ex, ok := cacheTier.(Extender); ok {
		cacheExts = ex.Extensions()
	}
	if ex, ok := fallback.(Extender); ok {
		fallExts = ex.Extensions()
	}
	merged := make(map[string]Extension, len(cacheExts)+len(fallExts))
	for name, fn := range fallExts {
		merged[name] = fn
	}
	for name, cacheFn := range cacheExts {
		fallFn := fallExts[name]
		cacheFn := cacheFn
		merged[name] = func(ctx context.Context, args ...any) (any, error) {
			res, err := cacheFn(ctx, args...)
			if err != nil {
				return res, err
			}
			if fallFn != nil {
				if _, err := fallFn(ctx, args...); err != nil {
					return res, err
				}
			}
			return res, nil
		}
	}
	return merged
}
