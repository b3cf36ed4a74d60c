package cas

import (
	"path"

	"github.com/google/uuid"
)

// MetaExt is the metadata field appended verbatim to derived keys, typically
// a file extension including the dot.
const MetaExt = "ext"

// KeyFunc derives a storage key from a partial Info. It is called once per
// put with only Meta set (temporary key) and once with Hash and Meta set
// (final key). Given the same hash and metadata it must return the same key;
// content addressing depends on that.
type KeyFunc func(info Info) Key

// DefaultKeys places unfinished blobs under tmp/ with a random name and
// finished blobs under a two-level fan-out of their hash, the same sharding
// scheme git object stores use to keep directories small.
func DefaultKeys(info Info) Key {
	ext := info.Meta[MetaExt]
	if info.Hash == "" {
		return Key(path.Join("tmp", uuid.NewString()) + ext)
	}
	h := info.Hash
	if len(h) < 4 {
		return Key(h + ext)
	}
	return Key(path.Join(h[:2], h[2:4], h) + ext)
}
