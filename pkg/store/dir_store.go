package store

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"

	"github.com/jacktea/castore/pkg/xerrors"
)

const tmpFilePrefix = ".castore-"

// DirStore persists blobs as files under a billy filesystem root, one file
// per key, with the key reused verbatim as the relative path. Writes land in
// a temporary file first and are renamed into place once complete, so a
// failed write never leaves a readable entry.
//
// Production callers typically pass osfs.New(root); tests run on memfs.
type DirStore struct {
	fs       billy.Filesystem
	compress bool
	level    zstd.EncoderLevel
	exts     map[string]Extension
}

var (
	_ Store    = (*DirStore)(nil)
	_ Extender = (*DirStore)(nil)
)

// DirOption configures a DirStore.
type DirOption func(*DirStore)

// WithCompression stores blobs zstd-compressed at the given level (1-22,
// 0 for the default). Reads decompress transparently; byte counts reported
// by Write and Read are always uncompressed sizes.
func WithCompression(level int) DirOption {
	return func(d *DirStore) {
		d.compress = true
		d.level = zstd.EncoderLevelFromZstd(level)
	}
}

// NewDirStore returns a Store rooted at fsys.
func NewDirStore(fsys billy.Filesystem, opts ...DirOption) (*DirStore, error) {
	if fsys == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "NewDirStore", "fsys")
	}
	d := &DirStore{fs: fsys}
	for _, opt := range opts {
		opt(d)
	}
	d.exts = map[string]Extension{
		ExtCopy: d.copyExt,
		ExtList: d.listExt,
	}
	return d, nil
}

func (d *DirStore) Write(ctx context.Context, key string, src io.Reader) (int64, error) {
	p, err := d.keyPath(key)
	if err != nil {
		return 0, err
	}
	dir := path.Dir(p)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
	}
	tmp, err := util.TempFile(d.fs, dir, tmpFilePrefix)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
	}
	tmpName := tmp.Name()
	discard := func() {
		tmp.Close()
		_ = d.fs.Remove(tmpName)
	}

	var w io.Writer = tmp
	var enc *zstd.Encoder
	if d.compress {
		enc, err = zstd.NewWriter(tmp, zstd.WithEncoderLevel(d.level))
		if err != nil {
			discard()
			return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
		}
		w = enc
	}
	n, err := io.Copy(w, src)
	if err != nil {
		if enc != nil {
			enc.Close()
		}
		discard()
		// The source's own error, unwrapped.
		return 0, err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			discard()
			return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
		}
	}
	if s, ok := tmp.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			discard()
			return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
	}
	if err := d.clobber(tmpName, p); err != nil {
		_ = d.fs.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Write", key, err)
	}
	return n, nil
}

func (d *DirStore) Read(ctx context.Context, key string, dst io.Writer) (int64, error) {
	p, err := d.keyPath(key)
	if err != nil {
		return 0, err
	}
	f, err := d.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, xerrors.E(xerrors.KindNotFound, "DirStore.Read", key)
		}
		return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Read", key, err)
	}
	defer f.Close()
	var r io.Reader = f
	if d.compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.KindInternal, "DirStore.Read", key, err)
		}
		defer dec.Close()
		r = dec
	}
	return io.Copy(dst, r)
}

func (d *DirStore) Rename(ctx context.Context, oldKey, newKey string) error {
	oldPath, err := d.keyPath(oldKey)
	if err != nil {
		return err
	}
	newPath, err := d.keyPath(newKey)
	if err != nil {
		return err
	}
	if _, err := d.fs.Stat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return xerrors.E(xerrors.KindNotFound, "DirStore.Rename", oldKey)
		}
		return xerrors.Wrap(xerrors.KindInternal, "DirStore.Rename", oldKey, err)
	}
	if err := d.fs.MkdirAll(path.Dir(newPath), 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "DirStore.Rename", newKey, err)
	}
	if err := d.clobber(oldPath, newPath); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "DirStore.Rename", oldKey, err)
	}
	return nil
}

func (d *DirStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.keyPath(key)
	if err != nil {
		return false, err
	}
	if _, err := d.fs.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.KindInternal, "DirStore.Exists", key, err)
	}
	return true, nil
}

func (d *DirStore) Delete(ctx context.Context, key string) error {
	p, err := d.keyPath(key)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindInternal, "DirStore.Delete", key, err)
	}
	return nil
}

// Extensions implements Extender.
func (d *DirStore) Extensions() map[string]Extension { return d.exts }

func (d *DirStore) copyExt(ctx context.Context, args ...any) (any, error) {
	if len(args) != 2 {
		return nil, xerrors.E(xerrors.KindInvalid, "DirStore.copy", "want (srcKey, dstKey)")
	}
	srcKey, okSrc := args[0].(string)
	dstKey, okDst := args[1].(string)
	if !okSrc || !okDst {
		return nil, xerrors.E(xerrors.KindInvalid, "DirStore.copy", "want (srcKey, dstKey)")
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := d.Read(ctx, srcKey, pw)
		pw.CloseWithError(err)
	}()
	n, err := d.Write(ctx, dstKey, pr)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (d *DirStore) listExt(ctx context.Context, args ...any) (any, error) {
	keys := []string{}
	err := util.Walk(d.fs, "", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), tmpFilePrefix) {
			return nil
		}
		keys = append(keys, filepath.ToSlash(p))
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "DirStore.list", "", err)
	}
	return keys, nil
}

// clobber renames with overwrite semantics even on backends whose Rename
// refuses an existing destination.
func (d *DirStore) clobber(oldPath, newPath string) error {
	err := d.fs.Rename(oldPath, newPath)
	if err == nil {
		return nil
	}
	if _, statErr := d.fs.Stat(newPath); statErr == nil {
		if rmErr := d.fs.Remove(newPath); rmErr != nil {
			return rmErr
		}
		return d.fs.Rename(oldPath, newPath)
	}
	return err
}

// keyPath validates key and maps it to a path relative to the store root.
func (d *DirStore) keyPath(key string) (string, error) {
	if key == "" || path.IsAbs(key) {
		return "", xerrors.E(xerrors.KindInvalid, "DirStore", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", xerrors.E(xerrors.KindInvalid, "DirStore", key)
	}
	return cleaned, nil
}
