// Package verify implements Rekkord's verify pipeline: recursively
// re-hashing every blob a set of Snapshot OIDs reference, short-circuited
// by a local checks cache and optionally followed by an object-retention
// sweep (spec.md §4.J).
package verify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rekkord/keyset"
	"rekkord/oid"
	"rekkord/repository"
	"rekkord/statcache"
	"rekkord/tree"
)

// recheckInterval bounds how long a checks-table row is trusted before a
// snapshot is re-walked from scratch (spec.md §4.J step 1: "within the
// last 7 days").
const recheckInterval = 7 * 24 * time.Hour

// Flags configures a verify pass.
type Flags struct {
	// RetainMs, when non-zero, is applied via RetainBlob to every OID a
	// successfully-verified snapshot observed (spec.md §4.J step 4). Zero
	// disables the retention sweep entirely.
	RetainMs int64
}

// Result tallies every blob check performed across all snapshots in one
// Verify call, including ones a checks-table short-circuit skipped.
type Result struct {
	Checked int64
	Valid   int64
	Invalid int64
}

// SnapshotFailure records one snapshot whose verification failed. A
// failure is fatal only for that snapshot, never for the rest of the run
// (spec.md §4.J step 2).
type SnapshotFailure struct {
	OID oid.OID
	Err error
}

// Pipeline is a verify pass bound to one repository, checks cache and
// flag set. It is not reusable across concurrent Verify calls.
type Pipeline struct {
	repo  *repository.Repository
	cache *statcache.Cache
	flags Flags

	hashSalt [32]byte
	sem      chan struct{}

	checked atomic.Int64
	valid   atomic.Int64
	invalid atomic.Int64
}

// New builds a Pipeline. cache may be nil to disable the checks
// short-circuit entirely (every blob is re-hashed every run).
func New(repo *repository.Repository, cache *statcache.Cache, flags Flags) *Pipeline {
	threads := repo.Options.Threads
	if threads <= 0 {
		threads = 4
	}
	return &Pipeline{
		repo:     repo,
		cache:    cache,
		flags:    flags,
		hashSalt: repo.MakeSalt(keyset.SaltHash),
		sem:      make(chan struct{}, threads),
	}
}

// Verify walks every snapshot in ids independently: a hash mismatch or
// decode error anywhere in one snapshot's tree aborts only that
// snapshot's entry in the returned failure list (spec.md §4.J step 2).
func (p *Pipeline) Verify(ctx context.Context, ids []oid.OID) (Result, []SnapshotFailure) {
	var wg sync.WaitGroup
	failuresCh := make(chan SnapshotFailure, len(ids))

	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen := &sync.Map{}
			err := p.verifyBlob(ctx, id, -1, seen)
			if err != nil {
				failuresCh <- SnapshotFailure{OID: id, Err: err}
				return
			}
			if p.flags.RetainMs > 0 {
				p.retainSeen(ctx, seen)
			}
		}()
	}
	wg.Wait()
	close(failuresCh)

	var failures []SnapshotFailure
	for f := range failuresCh {
		failures = append(failures, f)
	}

	return Result{Checked: p.checked.Load(), Valid: p.valid.Load(), Invalid: p.invalid.Load()}, failures
}

// retainSeen extends retention on every OID a successfully-verified
// snapshot observed (spec.md §4.J step 4). A back-end without
// object-lock support turns RetainBlob into a no-op.
func (p *Pipeline) retainSeen(ctx context.Context, seen *sync.Map) {
	seen.Range(func(k, _ any) bool {
		id := k.(oid.OID)
		if err := p.repo.RetainBlob(ctx, id, p.flags.RetainMs); err == nil {
			p.recordCheck(id.String(), true, true)
		}
		return true
	})
}

// verifyBlob fetches id, checks its cached validity, re-hashes it, and
// recurses into whatever it references. expectedLen, when >= 0, is the
// chunk length the caller's Directory/File entry recorded; -1 skips that
// check (non-chunk callers).
//
// The hash comparison runs against the blob exactly as ReadBlob returned
// it — the type code and bytes actually persisted at write time — before
// any legacy-format migration; an OID's hash was computed over those
// original bytes, never over a migrated rendering of them. Migration
// happens only afterward, to normalize the structure for recursion.
func (p *Pipeline) verifyBlob(ctx context.Context, id oid.OID, expectedLen int32, seen *sync.Map) error {
	seen.Store(id, struct{}{})
	idHex := id.String()

	if p.cache != nil {
		mark, validRow, _, ok, err := p.cache.GetCheck(ctx, idHex)
		if err != nil {
			return err
		}
		if ok && validRow && time.Since(time.Unix(0, mark)) < recheckInterval {
			p.checked.Add(1)
			p.valid.Add(1)
			return nil
		}
	}

	// sem bounds only this blob's fetch, not the recursion below: recurse
	// fans out into verifyEntries/verifyChunks, whose children need the
	// same semaphore, so holding a slot across it would deadlock once
	// tree depth (or concurrent snapshot count) exceeds Threads.
	typ, raw, err := func() (oid.Type, []byte, error) {
		if err := p.acquire(ctx); err != nil {
			return 0, nil, err
		}
		defer p.release()
		return p.repo.ReadBlob(ctx, id)
	}()
	if err != nil {
		return p.fail(idHex, err)
	}

	if expectedLen >= 0 && int32(len(raw)) != expectedLen {
		return p.fail(idHex, fmt.Errorf("%s: %w", id, repository.ErrChunkSizeMismatch))
	}

	if actual := oid.Sum(p.hashSalt, typ, raw); actual != id.Hash {
		return p.fail(idHex, fmt.Errorf("%s: %w", id, repository.ErrHashMismatch))
	}

	migTyp, migRaw, err := tree.MigrateLegacy(typ, raw)
	if err != nil {
		return p.fail(idHex, err)
	}
	if err := p.recurse(ctx, migTyp, migRaw, seen); err != nil {
		return p.fail(idHex, err)
	}

	p.checked.Add(1)
	p.valid.Add(1)
	p.recordCheck(idHex, true, false)
	return nil
}

func (p *Pipeline) fail(idHex string, err error) error {
	p.checked.Add(1)
	p.invalid.Add(1)
	p.recordCheck(idHex, false, false)
	return err
}

// recurse dispatches on a (migrated) blob's type: Snapshot and Directory
// both fan out over their Entries, File fans out over its chunk list,
// and Chunk/Link are leaves (spec.md §4.J step 3).
func (p *Pipeline) recurse(ctx context.Context, typ oid.Type, raw []byte, seen *sync.Map) error {
	switch typ {
	case oid.TypeSnapshot:
		snap, err := tree.DecodeSnapshot(raw)
		if err != nil {
			return err
		}
		return p.verifyEntries(ctx, snap.Root.Entries, seen)

	case oid.TypeDirectory:
		dir, _, err := tree.DecodeDirectory(raw, false)
		if err != nil {
			return err
		}
		return p.verifyEntries(ctx, dir.Entries, seen)

	case oid.TypeFile:
		f, err := tree.DecodeFile(raw)
		if err != nil {
			return err
		}
		return p.verifyChunks(ctx, f.Chunks, seen)

	case oid.TypeChunk, oid.TypeLink, oid.TypeLink1:
		return nil

	default:
		return fmt.Errorf("verify: unexpected blob type %d", typ)
	}
}

func (p *Pipeline) verifyEntries(ctx context.Context, entries []tree.Entry, seen *sync.Map) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		if e.Hash == (oid.Hash{}) {
			// Empty file: no blob was ever written for it.
			continue
		}
		g.Go(func() error {
			catalog := oid.CatalogRaw
			if e.Kind == tree.KindDirectory {
				catalog = oid.CatalogMeta
			}
			return p.verifyBlob(gctx, oid.OID{Catalog: catalog, Hash: e.Hash}, -1, seen)
		})
	}
	return g.Wait()
}

func (p *Pipeline) verifyChunks(ctx context.Context, chunks []tree.RawChunk, seen *sync.Map) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			id := oid.OID{Catalog: oid.CatalogRaw, Hash: c.Hash}
			return p.verifyBlob(gctx, id, c.Len, seen)
		})
	}
	return g.Wait()
}

func (p *Pipeline) recordCheck(idHex string, valid, retained bool) {
	if p.cache == nil {
		return
	}
	p.cache.PutCheck(idHex, time.Now().UnixNano(), valid, retained)
}

func (p *Pipeline) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) release() { <-p.sem }
