//go:build unix

package restore

import "os"

// chmodIfSupported and chownIfSupported apply POSIX permission/ownership
// bits; restore.go only calls them when Flags.Chown is set and never on
// non-Unix targets (spec.md §4.I: "chown (if requested and on Unix)").
func chmodIfSupported(path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode))
}

func chownIfSupported(path string, uid, gid uint32) error {
	return os.Chown(path, int(uid), int(gid))
}

func lchownIfSupported(path string, uid, gid uint32) error {
	return os.Lchown(path, int(uid), int(gid))
}
