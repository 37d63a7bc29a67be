//go:build unix

package backup

import (
	"io/fs"
	"syscall"
)

// fileTimes extracts the (mtime, ctime, atime, btime) nanosecond
// timestamps and (mode, uid, gid) ownership bits a save pass records into
// an Entry. Linux's stat(2) carries no birth time, so btime is left at
// zero there; only the BSD/Darwin family populates it.
func fileTimes(info fs.FileInfo) (mtime, ctime, atime, btime int64, mode, uid, gid uint32) {
	mtime = info.ModTime().UnixNano()
	mode = uint32(info.Mode().Perm())

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime, mtime, mtime, 0, mode, 0, 0
	}
	ctime = int64(st.Ctim.Sec)*1e9 + int64(st.Ctim.Nsec)
	atime = int64(st.Atim.Sec)*1e9 + int64(st.Atim.Nsec)
	uid = st.Uid
	gid = st.Gid
	return mtime, ctime, atime, btime, mode, uid, gid
}
