package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/jacktea/castore/pkg/xerrors"
)

// CryptStore encrypts blob bytes before they reach the inner store and
// decrypts them on the way out, using AES-256-CTR with a random IV prefixed
// to each entry. Keys and the key space stay in the clear; only blob content
// is protected. Byte counts reported by Write and Read are plaintext sizes.
type CryptStore struct {
	inner Store
	key   []byte
	exts  map[string]Extension
}

var (
	_ Store    = (*CryptStore)(nil)
	_ Extender = (*CryptStore)(nil)
)

// NewCryptStore wraps inner with content encryption. The key must be 32
// bytes.
func NewCryptStore(inner Store, key []byte) (*CryptStore, error) {
	if inner == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "NewCryptStore", "inner")
	}
	if len(key) != 32 {
		return nil, xerrors.E(xerrors.KindInvalid, "NewCryptStore", "key must be 32 bytes")
	}
	c := &CryptStore{inner: inner, key: append([]byte(nil), key...)}
	if ex, ok := inner.(Extender); ok {
		// Extensions operate on ciphertext, which is safe for capabilities
		// that move or enumerate entries without interpreting them.
		c.exts = ex.Extensions()
	}
	return c, nil
}

func (c *CryptStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "CryptStore.Write", key, err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "CryptStore.Write", key, err)
	}

	pr, pw := io.Pipe()
	innerErr := make(chan error, 1)
	go func() {
		_, err := c.inner.Write(ctx, key, pr)
		pr.CloseWithError(err)
		innerErr <- err
	}()

	var n int64
	err = func() error {
		if _, err := pw.Write(iv); err != nil {
			return err
		}
		sw := &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: pw}
		var err error
		n, err = io.Copy(sw, src)
		return err
	}()
	pw.CloseWithError(err)
	werr := <-innerErr
	if err != nil {
		// A failing source aborts the inner write; its error wins.
		return 0, err
	}
	if werr != nil {
		return 0, werr
	}
	return n, nil
}

func (c *CryptStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := c.inner.Read(ctx, key, pw)
		pw.CloseWithError(err)
	}()

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(pr, iv); err != nil {
		pr.CloseWithError(err)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, xerrors.E(xerrors.KindInternal, "CryptStore.Read", key)
		}
		return 0, err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		pr.CloseWithError(err)
		return 0, xerrors.Wrap(xerrors.KindInternal, "CryptStore.Read", key, err)
	}
	sr := cipher.StreamReader{S: cipher.NewCTR(block, iv), R: pr}
	n, err := io.Copy(dst, sr)
	pr.CloseWithError(err)
	return n, err
}

func (c *CryptStore) Rename(ctx context.Context, oldKey, newKey string) error {
	return c.inner.Rename(ctx, oldKey, newKey)
}

func (c *CryptStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func (c *CryptStore) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

// Extensions implements Extender by forwarding the inner store's table.
func (c *CryptStore) Extensions() map[string]Extension { return c.exts }
