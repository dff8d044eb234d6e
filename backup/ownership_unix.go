//go:build !windows

package backup

import (
	"os"
	"syscall"
)

// ownership extracts the owning uid/gid from a Unix FileInfo, used to
// populate a tree Node's UID/GID fields. On a platform without a
// *syscall.Stat_t Sys() value this falls back to 0/0.
func ownership(info os.FileInfo) (uid, gid uint32) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, st.Gid
}
