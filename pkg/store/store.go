// Package store defines the capability contract blob backends satisfy and
// the composite stores layered on top of it.
//
// A Store is a flat key space of byte blobs. Keys are opaque slash-separated
// strings chosen by the caller; backends never derive or interpret them.
// Backends may expose optional extensions beyond the core contract, declared
// through the Extender interface and invoked by name via Call.
package store

import (
	"context"
	"io"

	"github.com/jacktea/castore/pkg/xerrors"
)

// Store is the capability set every blob backend must satisfy.
type Store interface {
	// Write persists every byte of src under key, overwriting any existing
	// entry, and returns the byte count once the write is durably complete.
	// A failure of src itself is returned unwrapped, and no readable entry
	// may remain under key afterwards.
	Write(ctx context.Context, key string, src io.Reader) (int64, error)

	// Read streams the stored bytes for key into dst. An absent key fails
	// with a not-found error.
	Read(ctx context.Context, key string, dst io.Writer) (int64, error)

	// Rename relocates the entry at oldKey to newKey, overwriting newKey if
	// present. An absent oldKey fails with a not-found error.
	Rename(ctx context.Context, oldKey, newKey string) error

	// Exists reports whether key holds an entry. Mere absence is not an
	// error.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the entry at key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// Extension names shared by the built-in backends.
const (
	// ExtCopy duplicates a blob: args (srcKey, dstKey string), result int64
	// bytes copied.
	ExtCopy = "copy"
	// ExtList enumerates stored keys: no args, result []string.
	ExtList = "list"
)

// Extension is a named optional capability a backend exposes beyond Store.
type Extension func(ctx context.Context, args ...any) (any, error)

// Extender is implemented by backends exposing extensions. The returned map
// must be stable for the lifetime of the store.
type Extender interface {
	Extensions() map[string]Extension
}

// Call invokes the named extension on s. Stores lacking the capability fail
// with a not-supported error.
func Call(ctx context.Context, s Store, name string, args ...any) (any, error) {
	if ex, ok := s.(Extender); ok {
		if fn, ok := ex.Extensions()[name]; ok {
			return fn(ctx, args...)
		}
	}
	return nil, xerrors.E(xerrors.KindNotSupported, "store.Call", name)
}
