// Package gc removes abandoned temporary keys left behind by puts that were
// prepared but never finalized.
package gc

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jacktea/castore/pkg/store"
)

// Options configures a Sweeper.
type Options struct {
	Store  store.Store
	Prefix string // key prefix to sweep, default "tmp/"
	Logger func(format string, args ...any)
}

// Sweeper deletes stale temporary keys from a store. It relies on the
// store's "list" extension; stores without it cannot be swept.
//
// A key is only deleted once it has been observed on two consecutive passes,
// so a put that is mid-prepare during one pass survives it.
type Sweeper struct {
	store  store.Store
	prefix string
	logf   func(string, ...any)
	seen   map[string]struct{}
}

// NewSweeper wires a store for temporary-key garbage collection.
func NewSweeper(opts Options) *Sweeper {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tmp/"
	}
	return &Sweeper{
		store:  opts.Store,
		prefix: prefix,
		logf:   logf,
		seen:   make(map[string]struct{}),
	}
}

// Sweep performs one pass, returning the number of keys deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("gc sweeper missing store")
	}
	res, err := store.Call(ctx, s.store, store.ExtList)
	if err != nil {
		return 0, err
	}
	keys, ok := res.([]string)
	if !ok {
		return 0, fmt.Errorf("gc: list extension returned %T", res)
	}
	current := make(map[string]struct{})
	var deleted int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !strings.HasPrefix(key, s.prefix) {
			continue
		}
		if _, stale := s.seen[key]; !stale {
			current[key] = struct{}{}
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	s.seen = current
	return deleted, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Sweep(ctx); err != nil {
					s.logf("gc: sweep failed: %v", err)
				} else if n > 0 {
					s.logf("gc: removed %d stale temporary keys", n)
				}
			}
		}
	}()
	return cancel
}
