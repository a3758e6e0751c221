//go:build !unix

package walker

import "os"

// Inode is always 0 on platforms without stable inode numbers.
func Inode(os.FileInfo) uint64 {
	return 0
}
