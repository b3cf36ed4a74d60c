// Package cas implements content-addressed blob storage over a pluggable
// backend store.
//
// A put runs in two phases. PreparePut streams the source into the store
// under a temporary key while a digest accumulates over the same bytes;
// FinalizePut renames the entry to a key derived from that digest. Because
// the final key is a pure function of content hash and metadata, identical
// content always lands on the same key and duplicate submissions collapse
// onto one stored copy.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	iofs "io/fs"
	"os"

	"github.com/jacktea/castore/pkg/store"
	"github.com/jacktea/castore/pkg/xerrors"
)

// Key identifies a stored blob within a Store.
type Key string

// BlobKey implements Ref.
func (k Key) BlobKey() Key { return k }

// Metadata is caller-supplied data carried through key derivation. The
// storage layer never interprets it.
type Metadata map[string]string

// Info describes a stored blob. Hash and Size are empty until the content
// has fully streamed through PreparePut.
type Info struct {
	Key  Key      `json:"key"`
	Hash string   `json:"hash,omitempty"`
	Size int64    `json:"size,omitempty"`
	Meta Metadata `json:"meta,omitempty"`
}

// BlobKey implements Ref.
func (i Info) BlobKey() Key { return i.Key }

// Ref is anything resolving to a blob key: a bare Key or an Info.
type Ref interface {
	BlobKey() Key
}

// Options configure a CAS.
type Options struct {
	// Store is the backend all operations run against. Required.
	Store store.Store
	// NewHash constructs the digest used for content addressing.
	// Defaults to sha256.New.
	NewHash func() hash.Hash
	// Keys derives storage keys from partial blob infos. Defaults to
	// DefaultKeys.
	Keys KeyFunc
	// Logf receives diagnostics for best-effort background work. Defaults
	// to a no-op.
	Logf func(format string, args ...any)
}

// CAS is the content-addressed facade over a Store.
type CAS struct {
	store   store.Store
	newHash func() hash.Hash
	keys    KeyFunc
	logf    func(string, ...any)
}

// New builds a CAS from opts.
func New(opts Options) (*CAS, error) {
	if opts.Store == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "cas.New", "store")
	}
	c := &CAS{
		store:   opts.Store,
		newHash: opts.NewHash,
		keys:    opts.Keys,
		logf:    opts.Logf,
	}
	if c.newHash == nil {
		c.newHash = sha256.New
	}
	if c.keys == nil {
		c.keys = DefaultKeys
	}
	if c.logf == nil {
		c.logf = func(string, ...any) {}
	}
	return c, nil
}

// PreparePut streams src into the store under a freshly derived temporary
// key while computing its digest. The store write and the digest consume the
// same bytes and finish together; a failing source aborts the write and is
// returned unwrapped, leaving no readable entry.
func (c *CAS) PreparePut(ctx context.Context, src io.Reader, meta Metadata) (Info, error) {
	info := Info{Meta: meta}
	tmpKey := c.keys(info)
	h := c.newHash()
	n, err := c.store.Write(ctx, string(tmpKey), io.TeeReader(src, h))
	if err != nil {
		return Info{}, err
	}
	info.Key = tmpKey
	info.Hash = hex.EncodeToString(h.Sum(nil))
	info.Size = n
	return info, nil
}

// FinalizePut renames a prepared blob onto its content-derived key. The
// rename overwrites an existing entry, which is how duplicate content
// collapses: identical bytes derive identical keys, and replacing one copy
// with another is a no-op in effect.
func (c *CAS) FinalizePut(ctx context.Context, info Info) (Info, error) {
	if info.Hash == "" {
		return Info{}, xerrors.E(xerrors.KindInvalid, "cas.FinalizePut", string(info.Key))
	}
	final := c.keys(Info{Hash: info.Hash, Meta: info.Meta})
	if final != info.Key {
		if err := c.store.Rename(ctx, string(info.Key), string(final)); err != nil {
			return Info{}, err
		}
	}
	info.Key = final
	return info, nil
}

// Put is PreparePut followed by FinalizePut.
func (c *CAS) Put(ctx context.Context, src io.Reader, meta Metadata) (Info, error) {
	prepared, err := c.PreparePut(ctx, src, meta)
	if err != nil {
		return Info{}, err
	}
	info, err := c.FinalizePut(ctx, prepared)
	if err != nil {
		if delErr := c.store.Delete(ctx, string(prepared.Key)); delErr != nil {
			c.logf("cas: orphaned temporary key %s: %v", prepared.Key, delErr)
		}
		return Info{}, err
	}
	return info, nil
}

// Stream copies the blob identified by ref into dst.
func (c *CAS) Stream(ctx context.Context, ref Ref, dst io.Writer) (int64, error) {
	return c.store.Read(ctx, string(ref.BlobKey()), dst)
}

// ReadFile buffers the whole blob identified by ref in memory.
func (c *CAS) ReadFile(ctx context.Context, ref Ref) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Stream(ctx, ref, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unlink removes the blob identified by ref.
func (c *CAS) Unlink(ctx context.Context, ref Ref) error {
	return c.store.Delete(ctx, string(ref.BlobKey()))
}

// Has reports whether the blob identified by ref is stored.
func (c *CAS) Has(ctx context.Context, ref Ref) (bool, error) {
	return c.store.Exists(ctx, string(ref.BlobKey()))
}

// HasContent reports whether content equal to src is already stored. The
// source must be fully consumed to compute its digest before the lookup can
// run.
func (c *CAS) HasContent(ctx context.Context, src io.Reader, meta Metadata) (bool, error) {
	h := c.newHash()
	if _, err := io.Copy(h, src); err != nil {
		return false, err
	}
	key := c.keys(Info{Hash: hex.EncodeToString(h.Sum(nil)), Meta: meta})
	return c.store.Exists(ctx, string(key))
}

// TempFile streams the blob identified by ref into a fresh file under dir
// (the system temp directory when dir is empty) and returns its path with a
// release func. Callers must invoke release on every exit path; it removes
// the file and tolerates it already being gone.
func (c *CAS) TempFile(ctx context.Context, ref Ref, dir string) (string, func() error, error) {
	f, err := os.CreateTemp(dir, "castore-*")
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	if _, err := c.Stream(ctx, ref, f); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", nil, err
	}
	release := func() error {
		if err := os.Remove(name); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return err
		}
		return nil
	}
	return name, release, nil
}
