package watcher

import (
	"fmt"
	"time"
)

// Kind is the logical change a watch event reports.
type Kind uint8

const (
	Created Kind = iota
	Modified
	Removed
	Renamed
	Rescan
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case Rescan:
		return "rescan"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Event is one debounced change. Size, ModTime and Inode describe the file
// at Path as it was when the event was emitted; OldPath is set for Renamed.
type Event struct {
	Kind    Kind
	Path    string
	OldPath string
	Root    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Inode   uint64
	At      time.Time
}

// Known describes what the index holds for a path that has disappeared.
type Known struct {
	Size    int64
	ModTime int64
	Inode   uint64
}

// Resolver looks up indexed metadata for removed paths so that a removal
// can be paired with a creation.
type Resolver interface {
	Resolve(path string) (Known, bool)
}
