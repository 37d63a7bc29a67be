// Package statcache implements Rekkord's local, per-repository stat and
// blob cache (spec.md §4.G): a SQLite database outside the repository,
// keyed by sha256(url || rid), that lets the save pipeline skip
// re-chunking unchanged files and skip test_file before a write_blob.
package statcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rekkord/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS stats (
	path   TEXT PRIMARY KEY,
	mtime  INTEGER NOT NULL,
	ctime  INTEGER NOT NULL,
	mode   INTEGER NOT NULL,
	size   INTEGER NOT NULL,
	hash   TEXT NOT NULL,
	stored INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS blobs (
	oid  TEXT PRIMARY KEY,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checks (
	oid      TEXT PRIMARY KEY,
	mark     INTEGER NOT NULL,
	valid    INTEGER NOT NULL,
	retained INTEGER NOT NULL
);
`

// StatEntry is one row of the stats table: the filesystem attributes a
// cached file must match exactly for its cached hash to apply.
type StatEntry struct {
	Path   string
	MTime  int64
	CTime  int64
	Mode   uint32
	Size   int64
	Hash   string
	Stored int64
}

// Matches reports whether the given live attributes equal the cached
// ones exactly (spec.md §4.G: "A stats row applies only if the current
// file's (mtime, ctime, mode, size) matches exactly").
func (e StatEntry) Matches(mtime, ctime int64, mode uint32, size int64) bool {
	return e.MTime == mtime && e.CTime == ctime && e.Mode == mode && e.Size == size
}

type blobPut struct {
	oid  string
	size int64
}

type checkPut struct {
	oid      string
	mark     int64
	valid    bool
	retained bool
}

// Cache is the stat/blob/checks cache for one repository identity. It
// holds two connections — one serving reads, one serving the batched
// write path — so readers never block on the drain (spec.md §5).
type Cache struct {
	read  *sqlite.Database
	write *sqlite.Database

	putMutex    sync.Mutex
	pendingStat map[string]StatEntry
	pendingBlob map[string]blobPut
	pendingChk  map[string]checkPut

	commitMutex sync.Mutex

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// CachePath derives the on-disk cache file path for a repository, keyed
// by sha256(url||rid) under dir (a per-user cache directory; the caller
// decides its location).
func CachePath(dir, url, rid string) string {
	sum := sha256.Sum256([]byte(url + rid))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".db")
}

// Open opens (creating if absent) the stat cache at path.
func Open(path string) (*Cache, error) {
	read, err := sqlite.Open(path, sqlite.Options{DriverName: "sqlite3", MaxOpenConns: 4})
	if err != nil {
		return nil, fmt.Errorf("statcache: open read handle: %w", err)
	}
	write, err := sqlite.Open(path, sqlite.Options{DriverName: "sqlite3", MaxOpenConns: 1})
	if err != nil {
		read.Close()
		return nil, fmt.Errorf("statcache: open write handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := write.Exec(ctx, schema); err != nil {
		read.Close()
		write.Close()
		return nil, fmt.Errorf("statcache: apply schema: %w", err)
	}

	c := &Cache{
		read:        read,
		write:       write,
		pendingStat: make(map[string]StatEntry),
		pendingBlob: make(map[string]blobPut),
		pendingChk:  make(map[string]checkPut),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go c.commitLoop()
	return c, nil
}

// commitLoop flushes the pending sets every 5s, per spec.md §4.G
// ("writes are batched ... a background commit flushes every >=5s or on
// close").
func (c *Cache) commitLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Commit(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Close flushes any pending writes and closes both connections.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
	_ = c.Commit(context.Background())
	c.read.Close()
	return c.write.Close()
}

// PutStat stages a stats row; GetStat sees it at once, and it reaches the
// database at the next Commit.
func (c *Cache) PutStat(e StatEntry) {
	c.putMutex.Lock()
	defer c.putMutex.Unlock()
	c.pendingStat[e.Path] = e
}

// PutBlob stages a blobs row recording that oid is known-present.
func (c *Cache) PutBlob(oid string, size int64) {
	c.putMutex.Lock()
	defer c.putMutex.Unlock()
	c.pendingBlob[oid] = blobPut{oid: oid, size: size}
}

// PutCheck stages a checks row recording the outcome of a verify pass
// over oid.
func (c *Cache) PutCheck(oid string, mark int64, valid, retained bool) {
	c.putMutex.Lock()
	defer c.putMutex.Unlock()
	c.pendingChk[oid] = checkPut{oid: oid, mark: mark, valid: valid, retained: retained}
}

// Commit drains the pending sets into the write connection.
func (c *Cache) Commit(ctx context.Context) error {
	c.putMutex.Lock()
	stats := c.pendingStat
	blobsMap := c.pendingBlob
	checks := c.pendingChk
	c.pendingStat = make(map[string]StatEntry)
	c.pendingBlob = make(map[string]blobPut)
	c.pendingChk = make(map[string]checkPut)
	c.putMutex.Unlock()

	if len(stats) == 0 && len(blobsMap) == 0 && len(checks) == 0 {
		return nil
	}

	c.commitMutex.Lock()
	defer c.commitMutex.Unlock()

	tx, err := c.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range stats {
		if _, err := tx.Exec(ctx, `INSERT INTO stats(path, mtime, ctime, mode, size, hash, stored)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET mtime=excluded.mtime, ctime=excluded.ctime,
				mode=excluded.mode, size=excluded.size, hash=excluded.hash, stored=excluded.stored`,
			e.Path, e.MTime, e.CTime, e.Mode, e.Size, e.Hash, e.Stored); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, b := range blobsMap {
		if _, err := tx.Exec(ctx, `INSERT INTO blobs(oid, size) VALUES (?, ?)
			ON CONFLICT(oid) DO UPDATE SET size=excluded.size`, b.oid, b.size); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, chk := range checks {
		if _, err := tx.Exec(ctx, `INSERT INTO checks(oid, mark, valid, retained) VALUES (?, ?, ?, ?)
			ON CONFLICT(oid) DO UPDATE SET mark=excluded.mark, valid=excluded.valid, retained=excluded.retained`,
			chk.oid, chk.mark, chk.valid, chk.retained); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetStat looks up a committed stats row by path. Pending (uncommitted)
// writes are also consulted so a Put followed immediately by a Get
// within the same caller sees its own write.
func (c *Cache) GetStat(ctx context.Context, path string) (StatEntry, bool, error) {
	c.putMutex.Lock()
	if e, ok := c.pendingStat[path]; ok {
		c.putMutex.Unlock()
		return e, true, nil
	}
	c.putMutex.Unlock()

	row := c.read.QueryRow(ctx, `SELECT path, mtime, ctime, mode, size, hash, stored FROM stats WHERE path = ?`, path)
	var e StatEntry
	err := row.Scan(&e.Path, &e.MTime, &e.CTime, &e.Mode, &e.Size, &e.Hash, &e.Stored)
	if err == sql.ErrNoRows {
		return StatEntry{}, false, nil
	}
	if err != nil {
		return StatEntry{}, false, err
	}
	return e, true, nil
}

// HasBlob reports whether oid is known-present, consulting both the
// committed table and any not-yet-flushed writes.
func (c *Cache) HasBlob(ctx context.Context, oid string) (bool, error) {
	c.putMutex.Lock()
	if _, ok := c.pendingBlob[oid]; ok {
		c.putMutex.Unlock()
		return true, nil
	}
	c.putMutex.Unlock()

	row := c.read.QueryRow(ctx, `SELECT 1 FROM blobs WHERE oid = ?`, oid)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GetBlobSize reports the stored (encrypted) size of a known-present
// blob, consulting both the committed table and any not-yet-flushed
// writes. ok is false when oid is not known at all.
func (c *Cache) GetBlobSize(ctx context.Context, oid string) (size int64, ok bool, err error) {
	c.putMutex.Lock()
	if b, present := c.pendingBlob[oid]; present {
		c.putMutex.Unlock()
		return b.size, true, nil
	}
	c.putMutex.Unlock()

	row := c.read.QueryRow(ctx, `SELECT size FROM blobs WHERE oid = ?`, oid)
	err = row.Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}

// GetCheck looks up a committed checks row.
func (c *Cache) GetCheck(ctx context.Context, oid string) (mark int64, valid, retained, ok bool, err error) {
	row := c.read.QueryRow(ctx, `SELECT mark, valid, retained FROM checks WHERE oid = ?`, oid)
	var validInt, retainedInt int
	serr := row.Scan(&mark, &validInt, &retainedInt)
	if serr == sql.ErrNoRows {
		return 0, false, false, false, nil
	}
	if serr != nil {
		return 0, false, false, false, serr
	}
	return mark, validInt != 0, retainedInt != 0, true, nil
}

// Wipe drops every row from all three tables and discards pending writes.
// No other package calls it: neither Repository.WriteBlob nor
// Repository.ChangeCID wipes the cache.
func (c *Cache) Wipe(ctx context.Context) error {
	c.putMutex.Lock()
	c.pendingStat = make(map[string]StatEntry)
	c.pendingBlob = make(map[string]blobPut)
	c.pendingChk = make(map[string]checkPut)
	c.putMutex.Unlock()

	c.commitMutex.Lock()
	defer c.commitMutex.Unlock()
	for _, table := range []string{"stats", "blobs", "checks"} {
		if _, err := c.write.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
