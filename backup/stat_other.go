//go:build !unix

package backup

import "io/fs"

// fileTimes falls back to what os.FileInfo alone can offer on platforms
// without a POSIX stat struct: only mtime is real, the rest mirror it.
func fileTimes(info fs.FileInfo) (mtime, ctime, atime, btime int64, mode, uid, gid uint32) {
	mtime = info.ModTime().UnixNano()
	mode = uint32(info.Mode().Perm())
	return mtime, mtime, mtime, 0, mode, 0, 0
}
