// Package restore implements Rekkord's restore pipeline: walking a root
// blob (Snapshot, Directory, File, Chunk or Link) back out onto the
// filesystem, deduplicated dispatch by OID type, and the force/unlink/
// chown/fake flag behaviors around it (spec.md §4.I).
package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rekkord/oid"
	"rekkord/repository"
	"rekkord/tree"
)

// Flags configures a restore pass beyond its root OID and destination.
type Flags struct {
	// Force allows overwriting an existing non-empty destination file.
	// Without it, restoring onto a non-empty file fails.
	Force bool
	// Unlink deletes anything under the destination tree that this
	// restore did not itself write, once the restore completes.
	Unlink bool
	// Chown applies the entry's uid/gid (Unix only).
	Chown bool
	// Xattrs is accepted, but no extended attributes are written:
	// Entry.Extended is decoded and carried, never applied to the restored
	// files.
	Xattrs bool
	// Verbose is carried for callers; the pipeline itself does not read it
	// and logs no per-entry progress.
	Verbose bool
	// Fake runs every read but skips every filesystem write, for
	// warm-cache verification (spec.md §4.I step 3).
	Fake bool
}

// Result is what a completed Restore produced.
type Result struct {
	EntriesRestored int64
	BytesWritten    int64
}

// Pipeline is a restore pass bound to one repository and flag set. It is
// not reusable across concurrent Restore calls.
type Pipeline struct {
	repo  *repository.Repository
	flags Flags

	dirSem  chan struct{}
	fileSem chan struct{}

	entries atomic.Int64
	bytes   atomic.Int64

	// visited records every path this restore wrote (or would have
	// written, under Fake), so Unlink can sweep whatever else it finds.
	// Left unused unless Flags.Unlink is set.
	visited sync.Map
}

// New builds a Pipeline.
func New(repo *repository.Repository, flags Flags) *Pipeline {
	threads := repo.Options.Threads
	if threads <= 0 {
		threads = 4
	}
	return &Pipeline{
		repo:    repo,
		flags:   flags,
		dirSem:  make(chan struct{}, threads),
		fileSem: make(chan struct{}, threads),
	}
}

// Restore reads id's blob, dispatches on its type, and writes the result
// under dest (spec.md §4.I). For Chunk/File roots, dest names the file
// itself; for Directory/Snapshot roots, dest names the directory the
// entries are restored into.
func (p *Pipeline) Restore(ctx context.Context, id oid.OID, dest string) (Result, error) {
	typ, raw, err := p.repo.ReadBlob(ctx, id)
	if err != nil {
		return Result{}, err
	}
	typ, raw, err = tree.MigrateLegacy(typ, raw)
	if err != nil {
		return Result{}, err
	}

	p.markVisited(dest)

	switch typ {
	case oid.TypeSnapshot:
		snap, err := tree.DecodeSnapshot(raw)
		if err != nil {
			return Result{}, err
		}
		if !p.flags.Fake {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return Result{}, err
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range snap.Root.Entries {
			e := e
			g.Go(func() error { return p.restoreEntry(gctx, dest, e) })
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}

	case oid.TypeDirectory:
		dir, _, err := tree.DecodeDirectory(raw, false)
		if err != nil {
			return Result{}, err
		}
		if !p.flags.Fake {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return Result{}, err
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range dir.Entries {
			e := e
			g.Go(func() error { return p.restoreEntry(gctx, dest, e) })
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}

	case oid.TypeFile:
		f, err := tree.DecodeFile(raw)
		if err != nil {
			return Result{}, err
		}
		if err := p.restoreChunkedFile(ctx, dest, f); err != nil {
			return Result{}, err
		}
		p.entries.Add(1)

	case oid.TypeChunk:
		if err := p.restoreWholeFile(dest, raw); err != nil {
			return Result{}, err
		}
		p.entries.Add(1)

	case oid.TypeLink, oid.TypeLink1:
		target := tree.DecodeLink(raw)
		if err := p.restoreSymlink(dest, target); err != nil {
			return Result{}, err
		}
		p.entries.Add(1)

	default:
		return Result{}, fmt.Errorf("restore: unsupported root blob type %d", typ)
	}

	if p.flags.Unlink && !p.flags.Fake {
		if err := p.sweep(dest); err != nil {
			return Result{}, err
		}
	}

	return Result{EntriesRestored: p.entries.Load(), BytesWritten: p.bytes.Load()}, nil
}

// restoreEntry writes one Directory/File/Link entry under parentDir.
// e.Name may itself contain path separators for a snapshot's top-level
// entries (spec.md §4.F's allow_separators), so any intermediate
// directory components it implies are created here rather than by a
// parent Directory entry, since none exists for them.
func (p *Pipeline) restoreEntry(ctx context.Context, parentDir string, e tree.Entry) error {
	path := filepath.Join(parentDir, filepath.FromSlash(e.Name))
	if dir := filepath.Dir(path); dir != parentDir {
		if !p.flags.Fake {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		p.markVisitedChain(parentDir, dir)
	}
	p.markVisited(path)

	switch e.Kind {
	case tree.KindDirectory:
		return p.restoreDirEntry(ctx, path, e)
	case tree.KindFile:
		return p.restoreFileEntry(ctx, path, e)
	case tree.KindLink:
		return p.restoreLinkEntry(ctx, path, e)
	default:
		log.Printf("restore: skipping entry %q with unknown kind", e.Name)
		return nil
	}
}

func (p *Pipeline) restoreDirEntry(ctx context.Context, path string, e tree.Entry) error {
	if !p.flags.Fake {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}

	// dirSem bounds only the directory blob fetch, not the fan-out below:
	// holding the slot across g.Wait() would deadlock once recursion
	// depth exceeds Threads, since every nested restoreDirEntry needs the
	// same semaphore to make progress (spec.md §5).
	dir, err := func() (tree.Directory, error) {
		if err := p.acquireDir(ctx); err != nil {
			return tree.Directory{}, err
		}
		defer p.releaseDir()

		typ, raw, err := p.repo.ReadBlob(ctx, oid.OID{Catalog: oid.CatalogMeta, Hash: e.Hash})
		if err != nil {
			return tree.Directory{}, err
		}
		typ, raw, err = tree.MigrateLegacy(typ, raw)
		if err != nil {
			return tree.Directory{}, err
		}
		if typ != oid.TypeDirectory {
			return tree.Directory{}, fmt.Errorf("restore: unexpected directory blob type %d for %q", typ, path)
		}
		dir, _, err := tree.DecodeDirectory(raw, false)
		return dir, err
	}()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range dir.Entries {
		child := child
		g.Go(func() error { return p.restoreEntry(gctx, path, child) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.entries.Add(1)
	if e.Flags.Has(tree.FlagReadable) {
		return p.applyMetadata(path, e)
	}
	return nil
}

func (p *Pipeline) restoreFileEntry(ctx context.Context, path string, e tree.Entry) error {
	if e.Size == 0 {
		// spec.md §4.I step 2: a zero-size File entry only needs the
		// destination to exist, never a chunk write.
		if !p.flags.Fake {
			if err := p.acquireFile(ctx); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
			p.releaseFile()
			if err != nil {
				return err
			}
			f.Close()
		}
	} else {
		// fileSem bounds only this entry's own blob fetch, not
		// restoreChunkedFile below: that call fans its chunks out to
		// their own acquireFile calls on the same semaphore, so holding
		// a slot across it would deadlock once enough concurrent
		// multi-chunk entries exhaust Threads (spec.md §5).
		typ, raw, err := func() (oid.Type, []byte, error) {
			if err := p.acquireFile(ctx); err != nil {
				return 0, nil, err
			}
			defer p.releaseFile()
			return p.repo.ReadBlob(ctx, oid.OID{Catalog: oid.CatalogRaw, Hash: e.Hash})
		}()
		if err != nil {
			return err
		}
		typ, raw, err = tree.MigrateLegacy(typ, raw)
		if err != nil {
			return err
		}
		switch typ {
		case oid.TypeChunk:
			if err := p.restoreWholeFile(path, raw); err != nil {
				return err
			}
		case oid.TypeFile:
			f, err := tree.DecodeFile(raw)
			if err != nil {
				return err
			}
			if err := p.restoreChunkedFile(ctx, path, f); err != nil {
				return err
			}
		default:
			return fmt.Errorf("restore: unexpected file blob type %d for %q", typ, path)
		}
	}

	p.entries.Add(1)
	if e.Flags.Has(tree.FlagReadable) {
		return p.applyMetadata(path, e)
	}
	return nil
}

func (p *Pipeline) restoreLinkEntry(ctx context.Context, path string, e tree.Entry) error {
	typ, raw, err := p.repo.ReadBlob(ctx, oid.OID{Catalog: oid.CatalogRaw, Hash: e.Hash})
	if err != nil {
		return err
	}
	typ, raw, err = tree.MigrateLegacy(typ, raw)
	if err != nil {
		return err
	}
	if typ != oid.TypeLink && typ != oid.TypeLink1 {
		return fmt.Errorf("restore: unexpected link blob type %d for %q", typ, path)
	}
	target := tree.DecodeLink(raw)
	if err := p.restoreSymlink(path, target); err != nil {
		return err
	}

	p.entries.Add(1)
	if e.Flags.Has(tree.FlagReadable) && p.flags.Chown && !p.flags.Fake {
		if err := lchownIfSupported(path, e.UID, e.GID); err != nil {
			return err
		}
	}
	return nil
}

// restoreSymlink creates target at path, refusing to clobber an existing
// path unless Force is set (mirroring the Chunk/File overwrite rule for
// the one other entry kind that can occupy a destination path).
func (p *Pipeline) restoreSymlink(path, target string) error {
	if p.flags.Fake {
		return nil
	}
	if _, err := os.Lstat(path); err == nil {
		if !p.flags.Force {
			return fmt.Errorf("restore: refusing to overwrite existing %q (force not set)", path)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(target, path)
}

// restoreWholeFile writes a single-chunk file's entire content in one
// call (spec.md §4.H's "If exactly one chunk, the file's hash is that
// chunk's hash" — restore's mirror image needs no File blob at all).
func (p *Pipeline) restoreWholeFile(path string, data []byte) error {
	p.bytes.Add(int64(len(data)))
	if p.flags.Fake {
		return nil
	}
	if err := p.checkForceable(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// restoreChunkedFile pre-sizes path to f.TotalSize, then fetches and
// writes every chunk at its declared offset concurrently (spec.md §4.I
// step 1's "Chunk/File" case).
func (p *Pipeline) restoreChunkedFile(ctx context.Context, path string, f tree.File) error {
	var fh *os.File
	if !p.flags.Fake {
		if err := p.checkForceable(path); err != nil {
			return err
		}
		var err error
		fh, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer fh.Close()
		if err := fh.Truncate(f.TotalSize); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range f.Chunks {
		c := c
		g.Go(func() error {
			if err := p.acquireFile(gctx); err != nil {
				return err
			}
			defer p.releaseFile()

			typ, raw, err := p.repo.ReadBlob(gctx, oid.OID{Catalog: oid.CatalogRaw, Hash: c.Hash})
			if err != nil {
				return err
			}
			typ, raw, err = tree.MigrateLegacy(typ, raw)
			if err != nil {
				return err
			}
			if typ != oid.TypeChunk {
				return fmt.Errorf("restore: unexpected chunk blob type %d", typ)
			}
			if int64(len(raw)) != int64(c.Len) {
				return repository.ErrChunkSizeMismatch
			}
			if fh != nil {
				if _, err := fh.WriteAt(raw, c.Offset); err != nil {
					return err
				}
			}
			p.bytes.Add(int64(len(raw)))
			return nil
		})
	}
	return g.Wait()
}

// checkForceable enforces spec.md §4.I step 1's "if force=false and
// destination exists non-empty, fail" rule before any file content write.
func (p *Pipeline) checkForceable(path string) error {
	if p.flags.Force {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		return fmt.Errorf("restore: refusing to overwrite non-empty %q (force not set)", path)
	}
	return nil
}

// applyMetadata applies chown, mode and times, in that order (spec.md
// §4.I step 2). Extended attributes are not applied. Only called for
// Readable entries.
func (p *Pipeline) applyMetadata(path string, e tree.Entry) error {
	if p.flags.Fake {
		return nil
	}
	if p.flags.Chown {
		if err := chownIfSupported(path, e.UID, e.GID); err != nil {
			return err
		}
	}
	if err := chmodIfSupported(path, e.Mode); err != nil {
		return err
	}

	mtime := time.Unix(0, e.MTime)
	atime := mtime
	if e.Flags.Has(tree.FlagAccessTime) {
		atime = time.Unix(0, e.ATime)
	}
	if err := os.Chtimes(path, atime, mtime); err != nil {
		return err
	}

	// Entry.Extended is not written to the filesystem, whatever Xattrs says.
	return nil
}

// sweep deletes anything under root that this restore did not itself
// write (spec.md §4.I step 2's unlink rule). Unvisited directories are
// removed wholesale rather than descended into, which keeps the walk
// from needing an explicit deepest-first ordering.
func (p *Pipeline) sweep(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if _, ok := p.visited.Load(path); ok {
			return nil
		}
		if d.IsDir() {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			return filepath.SkipDir
		}
		return os.Remove(path)
	})
}

func (p *Pipeline) markVisited(path string) {
	if !p.flags.Unlink {
		return
	}
	p.visited.Store(path, struct{}{})
}

// markVisitedChain marks every directory component strictly between root
// and leaf (exclusive of root, inclusive of leaf) so a later sweep never
// deletes an intermediate directory a top-level entry's slash-containing
// name implied but which no Entry of its own describes.
func (p *Pipeline) markVisitedChain(root, leaf string) {
	if !p.flags.Unlink {
		return
	}
	for dir := leaf; dir != root && dir != "." && dir != string(filepath.Separator); {
		p.visited.Store(dir, struct{}{})
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

func (p *Pipeline) acquireDir(ctx context.Context) error {
	select {
	case p.dirSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) releaseDir() { <-p.dirSem }

func (p *Pipeline) acquireFile(ctx context.Context) error {
	select {
	case p.fileSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) releaseFile() { <-p.fileSem }
