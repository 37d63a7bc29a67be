//go:build !unix

package restore

// chmodIfSupported and chownIfSupported are no-ops outside Unix: mode bits
// and ownership have no equivalent the restore pipeline targets there
// (spec.md §4.I: "mode (Unix only)", "chown (if requested and on Unix)").
func chmodIfSupported(path string, mode uint32) error {
	return nil
}

func chownIfSupported(path string, uid, gid uint32) error {
	return nil
}

func lchownIfSupported(path string, uid, gid uint32) error {
	return nil
}
