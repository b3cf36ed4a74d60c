package store

import (
	"context"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/castore/pkg/xerrors"
)

var bucketBlobs = []byte("blobs")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists blobs in a single BoltDB file. Writes buffer the whole
// blob in memory before the transaction commits, so it suits moderate blob
// sizes where single-file durability matters more than streaming.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket: %w", err)
	}
	return &BoltStore{cfg: cfg, db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	buf, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), buf)
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "BoltStore.Write", key, err)
	}
	return int64(len(buf)), nil
}

func (b *BoltStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return xerrors.E(xerrors.KindNotFound, "BoltStore.Read", key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(data)
	return int64(n), err
}

// Rename moves the entry inside a single transaction, so the relocation is
// atomic even across process crashes.
func (b *BoltStore) Rename(ctx context.Context, oldKey, newKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlobs)
		v := bkt.Get([]byte(oldKey))
		if v == nil {
			return xerrors.E(xerrors.KindNotFound, "BoltStore.Rename", oldKey)
		}
		if err := bkt.Put([]byte(newKey), v); err != nil {
			return err
		}
		return bkt.Delete([]byte(oldKey))
	})
}

func (b *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketBlobs).Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (b *BoltStore) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}
