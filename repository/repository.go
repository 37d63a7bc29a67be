// Package repository implements Rekkord's repository core: the Object
// Store plus Keyset glued together into is_repository/init/authenticate
// and the blob/tag primitives every pipeline builds on (spec.md §4.D).
package repository

import (
	"context"
	"crypto/rand"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"rekkord/blobcodec"
	"rekkord/keyset"
	"rekkord/oid"
	"rekkord/statcache"
	"rekkord/store"
)

// dedupCacheSize bounds the in-process OID dedup cache: a hot-path
// short-circuit in front of the statcache's own blobs table, so a save
// that revisits the same OID many times within one run (common for
// small, widely-duplicated chunks) doesn't even pay a SQLite round trip.
const dedupCacheSize = 4096

// Options configures a Repository beyond its store and keyset.
type Options struct {
	// Threads bounds the width of the Async task pools the save, restore
	// and verify pipelines spin up against this repository. Zero or a
	// negative value means 4.
	Threads int
	// RetainMs is attached to every write_blob call as an object-lock
	// retention hint (spec.md §4.D). Zero requests no retention.
	RetainMs int64
	// Cache is the local stat/blob cache consulted by write_blob and the
	// save pipeline. Nil disables short-circuiting entirely.
	Cache *statcache.Cache
	// CompressionLevel is the LZ4 level write_blob compresses plaintext
	// at before sealing it (spec.md §4.C). Zero is LZ4's default level.
	CompressionLevel int
}

// Repository owns an Object Store, a Keyset, and the repository identity
// {rid, cid}. It is the shared handle every pipeline (save, restore,
// verify) operates against.
type Repository struct {
	Store   store.Store
	Keyset  *keyset.Keyset
	Options Options

	id    identity
	dedup *lru.Cache[string, int64]
}

func newDedupCache() *lru.Cache[string, int64] {
	c, err := lru.New[string, int64](dedupCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which dedupCacheSize never is.
		panic(err)
	}
	return c
}

// IsRepository reports whether the store already holds a `rekkord`
// config blob, without needing any keyset at all.
func IsRepository(ctx context.Context, st store.Store) (bool, error) {
	status, _, err := st.TestFile(ctx, configPath)
	if err != nil {
		return false, err
	}
	return status == store.Exists, nil
}

// Init provisions a brand-new repository against an empty store: the
// directory skeleton, a fresh {rid, cid}, the signed config blob, and
// one key file per requested user (spec.md §4.D). mkey is the freshly
// generated or operator-supplied 32-byte master key.
func Init(ctx context.Context, st store.Store, mkey [32]byte, users map[string]keyset.Role) (*Repository, error) {
	if exists, err := IsRepository(ctx, st); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrAlreadyInitialized
	}

	for _, dir := range []string{"blobs", "blobs/M", "blobs/R", "tags", "tmp", "keys"} {
		if _, err := st.CreateDirectory(ctx, dir); err != nil {
			return nil, fmt.Errorf("repository: create %s: %w", dir, err)
		}
	}
	for _, catalog := range []string{"M", "R"} {
		for b := 0; b < 256; b++ {
			sub := fmt.Sprintf("blobs/%s/%02x", catalog, b)
			if _, err := st.CreateDirectory(ctx, sub); err != nil {
				return nil, fmt.Errorf("repository: create %s: %w", sub, err)
			}
		}
	}

	master, err := keyset.FromMaster(mkey)
	if err != nil {
		return nil, err
	}

	var id identity
	if _, err := rand.Read(id.RID[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(id.CID[:]); err != nil {
		return nil, err
	}

	blob, err := encodeConfig(master, id)
	if err != nil {
		return nil, err
	}
	if _, err := st.WriteFile(ctx, configPath, blob, store.WriteSettings{Conditional: true}); err != nil {
		return nil, err
	}

	for name, role := range users {
		kd, err := master.Export(role)
		if err != nil {
			return nil, fmt.Errorf("repository: export key for %q: %w", name, err)
		}
		pem := keyset.EncodePEM(kd.Marshal())
		path := "keys/" + name
		if _, err := st.WriteFile(ctx, path, pem, store.WriteSettings{Conditional: true}); err != nil {
			return nil, fmt.Errorf("repository: write key file for %q: %w", name, err)
		}
	}

	return &Repository{Store: st, Keyset: master, id: id, dedup: newDedupCache()}, nil
}

// Authenticate loads a keyfile and validates it against the store's
// config blob, populating the returned Repository's modes from the
// keyfile's role.
func Authenticate(ctx context.Context, st store.Store, keyfileData []byte, vkey *[32]byte, opts Options) (*Repository, error) {
	raw, err := st.ReadFile(ctx, configPath)
	if err != nil {
		return nil, ErrNotARepository
	}

	// The config blob's signature is checked against akey, which every
	// keyset carries regardless of role; vkey (needed to validate the
	// keyfile itself) must come from the caller on first use and can
	// subsequently be cached from ks.VKey.
	ks, err := keyset.LoadKeyFile(keyfileData, vkey)
	if err != nil {
		return nil, err
	}

	id, err := decodeConfig(raw, ks)
	if err != nil {
		return nil, err
	}

	return &Repository{Store: st, Keyset: ks, Options: opts, id: id, dedup: newDedupCache()}, nil
}

// RID is the repository's permanent identity, fixed at Init.
func (r *Repository) RID() [16]byte { return r.id.RID }

// CID is the repository's current cache-invalidation identity: it
// changes whenever ChangeCID is called, forcing every local stat/blob
// cache keyed against it to rebuild.
func (r *Repository) CID() [16]byte { return r.id.CID }

// MakeSalt derives a deterministic per-repository domain salt, keyed by
// kind (spec.md §4.D). It only needs wkey, present on every role except
// LogOnly.
func (r *Repository) MakeSalt(kind keyset.SaltKind) [32]byte {
	return keyset.MakeSalt(r.Keyset.WKey, kind)
}

// ReadBlob fetches and decrypts the blob at oid (spec.md §4.C, §4.D).
func (r *Repository) ReadBlob(ctx context.Context, id oid.OID) (oid.Type, []byte, error) {
	r.Keyset.Require(keyset.ModeRead)

	raw, err := r.Store.ReadFile(ctx, id.BlobPath())
	if err != nil {
		return 0, nil, err
	}
	return blobcodec.Decode(raw, r.Keyset.DKey, r.Keyset.WKey)
}

// WriteResult is the outcome of WriteBlob.
type WriteResult int

const (
	WriteStored WriteResult = iota
	WriteDeduplicated
)

// WriteBlob encrypts plaintext and stores it at its OID's path,
// short-circuiting when the local blob cache already knows the OID
// (spec.md §4.D, §4.G). AlreadyExists from the store is folded into
// WriteDeduplicated rather than surfaced as an error. encodedSize is the
// blob's on-wire encrypted length regardless of outcome, so a save can
// accumulate a snapshot's `stored` field (the logical total) from every
// write_blob call and its `added` field (spec.md §4.F: "bytes newly
// written") from only the WriteStored ones.
func (r *Repository) WriteBlob(ctx context.Context, id oid.OID, typ oid.Type, plaintext []byte) (result WriteResult, encodedSize int64, err error) {
	r.Keyset.Require(keyset.ModeWrite)

	if r.dedup == nil {
		r.dedup = newDedupCache()
	}

	idHex := id.String()
	if size, ok := r.dedup.Get(idHex); ok {
		return WriteDeduplicated, size, nil
	}
	if r.Options.Cache != nil {
		size, known, err := r.Options.Cache.GetBlobSize(ctx, idHex)
		if err != nil {
			return 0, 0, err
		}
		if known {
			r.dedup.Add(idHex, size)
			return WriteDeduplicated, size, nil
		}
	}

	raw, err := blobcodec.Encode(typ, plaintext, r.Keyset.WKey, blobcodec.Level(r.Options.CompressionLevel))
	if err != nil {
		return 0, 0, err
	}
	size := int64(len(raw))

	status, err := r.Store.WriteFile(ctx, id.BlobPath(), raw, store.WriteSettings{
		Conditional: true,
		RetainFor:   r.Options.RetainMs,
	})
	if err != nil {
		return 0, 0, err
	}

	r.dedup.Add(idHex, size)
	if r.Options.Cache != nil {
		r.Options.Cache.PutBlob(idHex, size)
	}

	if status == store.WriteAlreadyExists {
		return WriteDeduplicated, size, nil
	}
	return WriteStored, size, nil
}

// RetainBlob asks the store to extend its object-lock retention on oid's
// path (spec.md §4.D). A no-op on back-ends without object-lock support.
func (r *Repository) RetainBlob(ctx context.Context, id oid.OID, retainMs int64) error {
	r.Keyset.Require(keyset.ModeWrite)
	return r.Store.RetainFile(ctx, id.BlobPath(), retainMs)
}

// TestBlob probes whether oid's blob exists, delegating to the store
// (spec.md §4.D).
func (r *Repository) TestBlob(ctx context.Context, id oid.OID) (store.Status, int64, error) {
	return r.Store.TestFile(ctx, id.BlobPath())
}

// ChangeCID mints a fresh cid and rewrites the config blob, invalidating
// every local cache keyed against the old value (spec.md §4.D, §4.G).
func (r *Repository) ChangeCID(ctx context.Context) error {
	r.Keyset.Require(keyset.ModeConfig)

	var newCID [16]byte
	if _, err := rand.Read(newCID[:]); err != nil {
		return err
	}
	next := identity{RID: r.id.RID, CID: newCID}

	blob, err := encodeConfig(r.Keyset, next)
	if err != nil {
		return err
	}
	if _, err := r.Store.WriteFile(ctx, configPath, blob, store.WriteSettings{}); err != nil {
		return err
	}
	r.id = next
	return nil
}
