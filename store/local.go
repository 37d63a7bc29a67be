package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Local is a filesystem-backed Store. Writes stage into a tmp/ directory
// under root and rename(2) into place, so a concurrent reader never
// observes a partially-written blob. The local filesystem gives Rekkord
// no real object-lock primitive, so RetainFile is a no-op here (spec.md
// §7: "retain_file [may] silently succeed as a no-op on stores that do
// not support it").
type Local struct {
	root string

	// mu guards the tmp-staging directory's lazy creation; the rest of
	// the implementation relies on the filesystem's own atomicity.
	mu       sync.Mutex
	tmpReady bool
}

// NewLocal opens a local filesystem store rooted at root. The directory
// is created if absent.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *Local) ensureTmp() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmp := filepath.Join(l.root, "tmp")
	if !l.tmpReady {
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return "", err
		}
		l.tmpReady = true
	}
	return tmp, nil
}

func (l *Local) CreateDirectory(ctx context.Context, path string) (Status, error) {
	if err := os.MkdirAll(l.abs(path), 0o755); err != nil {
		return classifyErr(err)
	}
	return Exists, nil
}

func (l *Local) DeleteDirectory(ctx context.Context, path string) (Status, error) {
	err := os.RemoveAll(l.abs(path))
	if err != nil {
		return classifyErr(err)
	}
	return Missing, nil
}

func (l *Local) TestDirectory(ctx context.Context, path string) (Status, error) {
	info, err := os.Stat(l.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, nil
	}
	if err != nil {
		return classifyErr(err)
	}
	if !info.IsDir() {
		return OtherError, fmt.Errorf("store: %s is not a directory", path)
	}
	return Exists, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.abs(path))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte, settings WriteSettings) (WriteStatus, error) {
	dest := l.abs(path)

	if settings.Conditional {
		if _, err := os.Stat(dest); err == nil {
			return WriteAlreadyExists, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return WriteOtherError, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return WriteOtherError, err
	}

	tmpDir, err := l.ensureTmp()
	if err != nil {
		return WriteOtherError, err
	}
	staged := filepath.Join(tmpDir, uuid.NewString())

	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return WriteOtherError, err
	}
	if err := os.Rename(staged, dest); err != nil {
		os.Remove(staged)
		if settings.Conditional && errors.Is(err, fs.ErrExist) {
			return WriteAlreadyExists, nil
		}
		return WriteOtherError, err
	}

	return WriteSuccess, nil
}

func (l *Local) DeleteFile(ctx context.Context, path string) error {
	err := os.Remove(l.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// RetainFile is a no-op: the local back-end has no object-lock primitive.
func (l *Local) RetainFile(ctx context.Context, path string, retainMs int64) error {
	return nil
}

func (l *Local) ListFiles(ctx context.Context, prefix string, cb ListCallback) error {
	base := l.abs(prefix)
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return cb(filepath.ToSlash(rel), info.Size())
	})
}

func (l *Local) TestFile(ctx context.Context, path string) (Status, int64, error) {
	info, err := os.Stat(l.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, 0, nil
	}
	if err != nil {
		status, serr := classifyErr(err)
		return status, 0, serr
	}
	return Exists, info.Size(), nil
}

// ChecksumType reports ChecksumNone: the local filesystem verifies
// nothing server-side, so there is no point attaching a checksum to
// WriteSettings for this back-end.
func (l *Local) ChecksumType() Checksum {
	return ChecksumNone
}

func classifyErr(err error) (Status, error) {
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return AccessDenied, err
	}
	return OtherError, err
}

// Close satisfies io.Closer for callers that defer Close() on any Store.
func (l *Local) Close() error { return nil }
