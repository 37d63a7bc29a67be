// Package backup implements Rekkord's save pipeline: walking a set of
// absolute source paths into chunked, deduplicated blobs and sealing the
// result under one Snapshot tag (spec.md §4.H).
package backup

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rekkord/chunker"
	"rekkord/keyset"
	"rekkord/oid"
	"rekkord/repository"
	"rekkord/statcache"
	"rekkord/tree"
)

// Flags configures a save pass beyond its channel and source paths.
type Flags struct {
	// FollowSymlinks saves the target of a symlink in place of the link
	// itself; without it, symlinks become Link entries.
	FollowSymlinks bool
	// NoAtime omits access-time entirely, overriding Atime. Capturing a
	// live atime makes a directory's hash churn on every save that reads
	// the file, defeating deduplication of an otherwise-unmodified tree.
	NoAtime bool
	// Atime opts into recording access time despite that churn risk.
	Atime bool
	// Xattrs is accepted for symmetry with the restore pipeline's flag of
	// the same name. Reading extended attributes off the live filesystem
	// is the out-of-scope xattr.cc component (spec.md §1); Entry.Extended
	// is carried through untouched wherever it is already populated.
	Xattrs bool
}

// bigFileThreshold is the file size past which processFile tries to grab
// an enlarged read buffer instead of the default 128 KiB one (spec.md §5).
const bigFileThreshold = int64(chunker.MaxSize)

const defaultBufferSize = 128 * 1024

const bigBufferSlots = 4

// Result is what a completed Save produced.
type Result struct {
	OID    oid.OID
	Size   int64
	Stored int64
	Added  int64
}

// Pipeline is a save pass bound to one repository, stat cache and flag
// set. It is not reusable across concurrent Save calls.
type Pipeline struct {
	repo  *repository.Repository
	cache *statcache.Cache
	flags Flags

	hashSalt  [32]byte
	chunkSeed uint64

	dirSem    chan struct{}
	fileSem   chan struct{}
	bigBufSem chan struct{}

	stored atomic.Int64
	added  atomic.Int64
}

// New builds a Pipeline. cache may be nil to disable stat-cache
// short-circuiting; blob short-circuiting follows repo.Options.Cache.
func New(repo *repository.Repository, cache *statcache.Cache, flags Flags) *Pipeline {
	threads := repo.Options.Threads
	if threads <= 0 {
		threads = 4
	}

	splitterSalt := repo.MakeSalt(keyset.SaltSplitter)
	return &Pipeline{
		repo:      repo,
		cache:     cache,
		flags:     flags,
		hashSalt:  repo.MakeSalt(keyset.SaltHash),
		chunkSeed: binary.LittleEndian.Uint64(splitterSalt[:8]),
		dirSem:    make(chan struct{}, threads),
		fileSem:   make(chan struct{}, threads),
		bigBufSem: make(chan struct{}, bigBufferSlots),
	}
}

// Save walks paths, writes every chunk/file/directory/link blob it
// discovers, and seals the result as a Snapshot blob tagged under
// channel (spec.md §4.H).
func (p *Pipeline) Save(ctx context.Context, channel string, paths []string) (Result, error) {
	if len(channel) > tree.MaxChannelLength {
		return Result{}, fmt.Errorf("backup: channel name %q exceeds %d bytes", channel, tree.MaxChannelLength)
	}
	if len(paths) == 0 {
		return Result{}, errors.New("backup: no source paths given")
	}

	entries := make([]tree.Entry, len(paths))
	contributions := make([]int64, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range paths {
		i, src := i, src
		g.Go(func() error {
			e, contribution, err := p.walkTopLevel(gctx, src)
			if err != nil {
				return fmt.Errorf("backup: %s: %w", src, err)
			}
			entries[i] = e
			contributions[i] = contribution
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var size, count int64
	for i, e := range entries {
		size += e.Size
		count += contributions[i]
	}
	root := tree.Directory{Size: size, Count: count, Entries: entries}

	rawDir, err := tree.EncodeDirectory(root, true)
	if err != nil {
		return Result{}, err
	}
	dirOID := oid.New(p.hashSalt, oid.TypeDirectory, rawDir)
	dirRes, dirStored, err := p.repo.WriteBlob(ctx, dirOID, oid.TypeDirectory, rawDir)
	if err != nil {
		return Result{}, err
	}
	p.account(dirRes, dirStored)

	// Size/stored/added reflect everything written up to this point; the
	// snapshot blob's own bytes cannot be folded in without first knowing
	// its encoded length, which depends on the header it would carry.
	snap := tree.Snapshot{
		Time:    time.Now().UnixNano(),
		Size:    size,
		Stored:  p.stored.Load(),
		Added:   p.added.Load(),
		Channel: channel,
		Root:    root,
	}
	rawSnap, err := tree.EncodeSnapshot(snap)
	if err != nil {
		return Result{}, err
	}
	snapOID := oid.New(p.hashSalt, oid.TypeSnapshot, rawSnap)
	snapRes, snapStored, err := p.repo.WriteBlob(ctx, snapOID, oid.TypeSnapshot, rawSnap)
	if err != nil {
		return Result{}, err
	}
	p.account(snapRes, snapStored)

	name := fmt.Sprintf("%s@%d", channel, snap.Time)
	if err := repository.WriteTag(ctx, p.repo.Store, p.repo.Keyset, name, snapOID, truncatedSnapshotHeader(snap)); err != nil {
		return Result{}, err
	}

	return Result{
		OID:    snapOID,
		Size:   size,
		Stored: p.stored.Load(),
		Added:  p.added.Load(),
	}, nil
}

// truncatedSnapshotHeader returns the snapshot header fields with
// channel's trailing NULs trimmed, per spec.md §4.H's write_tag payload.
func truncatedSnapshotHeader(s tree.Snapshot) []byte {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.Time))
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.Stored))
	binary.LittleEndian.PutUint64(buf[24:], uint64(s.Added))
	return append(buf[:], s.Channel...)
}

// walkTopLevel stats src (following symlinks, per spec.md §4.H step 3)
// and assigns it the absolute-path-derived top-level name.
func (p *Pipeline) walkTopLevel(ctx context.Context, src string) (tree.Entry, int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return tree.Entry{}, 0, err
	}
	e, ok, contribution, err := p.dispatchEntry(ctx, src, info)
	if err != nil {
		return tree.Entry{}, 0, err
	}
	if !ok {
		return tree.Entry{}, 0, fmt.Errorf("backup: %s is neither a regular file nor a directory", src)
	}
	e.Name = topLevelName(src)
	return e, contribution, nil
}

// topLevelName transforms an absolute source path into a top-level
// snapshot entry name: the leading "/" (or a Windows drive letter) is
// folded into a single path component (spec.md §4.F), so joining it back
// onto a restore destination reproduces the original absolute path.
func topLevelName(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	if len(clean) >= 2 && clean[1] == ':' {
		return string(clean[0]) + clean[2:]
	}
	return strings.TrimPrefix(clean, "/")
}

// walkDirectory enumerates path's children (spec.md §4.H step 3's
// "Directory: breadth-enumerate"), processes each concurrently bounded by
// dirSem/fileSem, and finalizes the Directory blob once every child has
// returned (the fence spec.md §5 requires).
func (p *Pipeline) walkDirectory(ctx context.Context, path string) (oid.Hash, int64, int64, error) {
	// dirSem bounds only this ReadDir call, not the fan-out below: holding
	// the slot across g.Wait() would deadlock once recursion depth
	// exceeds Threads, since every nested walkDirectory needs the same
	// semaphore to make progress (spec.md §5).
	if err := p.acquireDir(ctx); err != nil {
		return oid.Hash{}, 0, 0, err
	}
	children, err := os.ReadDir(path)
	p.releaseDir()
	if err != nil {
		return oid.Hash{}, 0, 0, err
	}

	type childResult struct {
		entry        tree.Entry
		ok           bool
		contribution int64
	}
	results := make([]childResult, len(children))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range children {
		i, childPath := i, filepath.Join(path, ch.Name())
		g.Go(func() error {
			info, lerr := os.Lstat(childPath)
			if lerr != nil {
				return lerr
			}
			e, ok, contribution, perr := p.processChild(gctx, childPath, info)
			if perr != nil {
				return perr
			}
			results[i] = childResult{entry: e, ok: ok, contribution: contribution}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return oid.Hash{}, 0, 0, err
	}

	var entries []tree.Entry
	var size, count int64
	for _, r := range results {
		if !r.ok {
			continue
		}
		entries = append(entries, r.entry)
		size += r.entry.Size
		count += r.contribution
	}

	dir := tree.Directory{Size: size, Count: count, Entries: entries}
	raw, err := tree.EncodeDirectory(dir, false)
	if err != nil {
		return oid.Hash{}, 0, 0, err
	}
	id := oid.New(p.hashSalt, oid.TypeDirectory, raw)
	res, stored, err := p.repo.WriteBlob(ctx, id, oid.TypeDirectory, raw)
	if err != nil {
		return oid.Hash{}, 0, 0, err
	}
	p.account(res, stored)
	return id.Hash, size, count, nil
}

// processChild dispatches one directory child by its lstat info, handling
// the symlink/FollowSymlinks branch before falling into dispatchEntry.
func (p *Pipeline) processChild(ctx context.Context, path string, info fs.FileInfo) (tree.Entry, bool, int64, error) {
	if info.Mode()&fs.ModeSymlink != 0 {
		if p.flags.FollowSymlinks {
			resolved, err := os.Stat(path)
			if err != nil {
				return tree.Entry{}, false, 0, err
			}
			e, ok, contribution, err := p.dispatchEntry(ctx, path, resolved)
			if err != nil || !ok {
				return tree.Entry{}, ok, 0, err
			}
			e.Name = info.Name()
			return e, true, contribution, nil
		}
		e, err := p.processLink(ctx, path, info)
		if err != nil {
			return tree.Entry{}, false, 0, err
		}
		e.Name = info.Name()
		return e, true, 1, nil
	}

	e, ok, contribution, err := p.dispatchEntry(ctx, path, info)
	if err != nil || !ok {
		return tree.Entry{}, ok, 0, err
	}
	e.Name = info.Name()
	return e, true, contribution, nil
}

// dispatchEntry handles a path whose symlink-ness has already been
// resolved by the caller. Devices, pipes and sockets are skipped with a
// warning (spec.md §4.H step 3). The returned int64 is this entry's
// contribution to its parent directory's recursive entry count: 1 for a
// file, 1 plus the subtree's own count for a directory.
func (p *Pipeline) dispatchEntry(ctx context.Context, path string, info fs.FileInfo) (tree.Entry, bool, int64, error) {
	switch {
	case info.IsDir():
		h, size, count, err := p.walkDirectory(ctx, path)
		if err != nil {
			return tree.Entry{}, false, 0, err
		}
		mtime, ctime, atime, btime, mode, uid, gid := fileTimes(info)
		e := tree.Entry{
			Kind: tree.KindDirectory, Hash: h, Size: size, Flags: tree.FlagReadable,
			MTime: mtime, CTime: ctime, BTime: btime, Mode: mode, UID: uid, GID: gid,
		}
		p.applyAtime(&e, atime)
		return e, true, 1 + count, nil

	case info.Mode().IsRegular():
		if err := p.acquireFile(ctx); err != nil {
			return tree.Entry{}, false, 0, err
		}
		defer p.releaseFile()

		e, err := p.processFile(ctx, path, info)
		if err != nil {
			return tree.Entry{}, false, 0, err
		}
		return e, true, 1, nil

	default:
		log.Printf("backup: skipping non-regular entry %s (mode %v)", path, info.Mode())
		return tree.Entry{}, false, 0, nil
	}
}

// processFile consults the stat cache before re-reading a file, then
// chunks, hashes and writes whatever it needs to (spec.md §4.H).
func (p *Pipeline) processFile(ctx context.Context, path string, info fs.FileInfo) (tree.Entry, error) {
	mtime, ctime, atime, btime, mode, uid, gid := fileTimes(info)
	size := info.Size()
	e := tree.Entry{Kind: tree.KindFile, MTime: mtime, CTime: ctime, BTime: btime, Mode: mode, UID: uid, GID: gid, Size: size}
	p.applyAtime(&e, atime)

	if cached, ok, err := p.getCachedStat(ctx, path); err != nil {
		return tree.Entry{}, err
	} else if ok && cached.Matches(mtime, ctime, mode, size) {
		raw, err := hex.DecodeString(cached.Hash)
		if err != nil {
			return tree.Entry{}, fmt.Errorf("backup: corrupt cached hash for %s: %w", path, err)
		}
		copy(e.Hash[:], raw)
		e.Flags |= tree.FlagReadable
		p.stored.Add(cached.Stored)
		return e, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tree.Entry{}, err
	}
	defer f.Close()

	bufSize := defaultBufferSize
	if size > bigFileThreshold {
		select {
		case p.bigBufSem <- struct{}{}:
			bufSize = chunker.MaxSize
			defer func() { <-p.bigBufSem }()
		default:
			// All big-buffer slots taken; fall back to the small buffer.
		}
	}

	var chunks []tree.RawChunk
	var fileStored int64
	var emitErr error
	c := chunker.New(p.chunkSeed)
	buf := make([]byte, bufSize)
	for {
		n, rerr := f.Read(buf)
		eof := errors.Is(rerr, io.EOF)
		if rerr != nil && !eof {
			return tree.Entry{}, rerr
		}

		c.Process(buf[:n], eof, func(_ int, abs int64, chunk []byte) {
			if emitErr != nil {
				return
			}
			id := oid.New(p.hashSalt, oid.TypeChunk, chunk)
			res, stored, werr := p.repo.WriteBlob(ctx, id, oid.TypeChunk, append([]byte(nil), chunk...))
			if werr != nil {
				emitErr = werr
				return
			}
			p.account(res, stored)
			fileStored += stored
			chunks = append(chunks, tree.RawChunk{Offset: abs, Len: int32(len(chunk)), Hash: id.Hash})
		})
		if emitErr != nil {
			return tree.Entry{}, emitErr
		}
		if eof {
			break
		}
	}

	switch len(chunks) {
	case 0:
		// Empty file: no chunk blob, Entry.Hash stays zero.
	case 1:
		e.Hash = chunks[0].Hash
	default:
		rawFile := tree.EncodeFile(tree.File{Chunks: chunks, TotalSize: size})
		fid := oid.New(p.hashSalt, oid.TypeFile, rawFile)
		res, stored, err := p.repo.WriteBlob(ctx, fid, oid.TypeFile, rawFile)
		if err != nil {
			return tree.Entry{}, err
		}
		p.account(res, stored)
		fileStored += stored
		e.Hash = fid.Hash
	}

	e.Flags |= tree.FlagReadable
	p.putCachedStat(statcache.StatEntry{
		Path: path, MTime: mtime, CTime: ctime, Mode: mode, Size: size,
		Hash: hex.EncodeToString(e.Hash[:]), Stored: fileStored,
	})
	return e, nil
}

// processLink reads a symlink's target and stores it as a Link blob.
func (p *Pipeline) processLink(ctx context.Context, path string, info fs.FileInfo) (tree.Entry, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return tree.Entry{}, err
	}
	raw := tree.EncodeLink(target)
	id := oid.New(p.hashSalt, oid.TypeLink, raw)
	res, stored, err := p.repo.WriteBlob(ctx, id, oid.TypeLink, raw)
	if err != nil {
		return tree.Entry{}, err
	}
	p.account(res, stored)

	mtime, ctime, atime, btime, mode, uid, gid := fileTimes(info)
	e := tree.Entry{Kind: tree.KindLink, Hash: id.Hash, Flags: tree.FlagReadable, MTime: mtime, CTime: ctime, BTime: btime, Mode: mode, UID: uid, GID: gid}
	p.applyAtime(&e, atime)
	return e, nil
}

func (p *Pipeline) applyAtime(e *tree.Entry, atime int64) {
	if p.flags.NoAtime || !p.flags.Atime {
		return
	}
	e.ATime = atime
	e.Flags |= tree.FlagAccessTime
}

func (p *Pipeline) account(res repository.WriteResult, encodedSize int64) {
	p.stored.Add(encodedSize)
	if res == repository.WriteStored {
		p.added.Add(encodedSize)
	}
}

func (p *Pipeline) getCachedStat(ctx context.Context, path string) (statcache.StatEntry, bool, error) {
	if p.cache == nil {
		return statcache.StatEntry{}, false, nil
	}
	return p.cache.GetStat(ctx, path)
}

func (p *Pipeline) putCachedStat(e statcache.StatEntry) {
	if p.cache != nil {
		p.cache.PutStat(e)
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
