package store

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"reflect"
	"strings"
	"testing"

	"github.com/jacktea/castore/pkg/xerrors"
)

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	n, err := m.Write(ctx, "a/b", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("write returned %d bytes, want 5", n)
	}

	var buf bytes.Buffer
	n, err = m.Read(ctx, "a/b", &buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || buf.String() != "hello" {
		t.Fatalf("read %d bytes %q, want 5 bytes \"hello\"", n, buf.String())
	}
}

func TestMemStoreReadMissing(t *testing.T) {
	m := NewMemStore()
	var buf bytes.Buffer
	_, err := m.Read(context.Background(), "missing", &buf)
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("read missing: got %v, want not found", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("read missing: %v should match fs.ErrNotExist", err)
	}
}

func TestMemStoreWriteSourceError(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	boom := errors.New("boom")

	_, err := m.Write(ctx, "k", &failReader{data: "par", err: boom})
	if err != boom {
		t.Fatalf("write: got %v, want the source error unwrapped", err)
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Fatal("failed write left a readable entry")
	}
}

func TestMemStoreOverwrite(t *testing.T) {
	m := NewMemStore()
	mustWrite(t, m, "k", "old")
	mustWrite(t, m, "k", "new")
	if got := mustRead(t, m, "k"); got != "new" {
		t.Fatalf("after overwrite got %q, want \"new\"", got)
	}
}

func TestMemStoreRename(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	mustWrite(t, m, "old", "data")
	mustWrite(t, m, "new", "stale")

	if err := m.Rename(ctx, "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if ok, _ := m.Exists(ctx, "old"); ok {
		t.Fatal("old key still present after rename")
	}
	if got := mustRead(t, m, "new"); got != "data" {
		t.Fatalf("rename destination holds %q, want \"data\"", got)
	}

	err := m.Rename(ctx, "gone", "anywhere")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("rename of missing key: got %v, want not found", err)
	}
}

func TestMemStoreDeleteAbsent(t *testing.T) {
	m := NewMemStore()
	if err := m.Delete(context.Background(), "nothing"); err != nil {
		t.Fatalf("delete of absent key: %v", err)
	}
}

func TestMemStoreListExtension(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	mustWrite(t, m, "b", "2")
	mustWrite(t, m, "a", "1")

	res, err := Call(ctx, m, ExtList)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := res.([]string); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("list returned %v, want [a b]", got)
	}

	_, err = Call(ctx, m, ExtCopy, "a", "c")
	if xerrors.KindOf(err) != xerrors.KindNotSupported {
		t.Fatalf("copy on MemStore: got %v, want not supported", err)
	}
}

// failReader yields data and then fails with err, standing in for a source
// stream that dies mid-transfer.
type failReader struct {
	data string
	err  error
}

func (f *failReader) Read(p []byte) (int, error) {
	if f.data == "" {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

// mustWrite and mustRead are shared by the backend tests in this package.

func mustWrite(t *testing.T, s Store, key, data string) {
	t.Helper()
	if _, err := s.Write(context.Background(), key, strings.NewReader(data)); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

func mustRead(t *testing.T, s Store, key string) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := s.Read(context.Background(), key, &buf); err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return buf.String()
}
