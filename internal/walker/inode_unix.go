//go:build unix

package walker

import (
	"os"
	"syscall"
)

// Inode returns the inode number of info, or 0 where unavailable.
func Inode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
