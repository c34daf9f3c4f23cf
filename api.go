package compactvd

import (
	"fmt"
	"strings"
)

//go:generate mockgen -destination internal/mock/filesystem.go -package mock github.com/dargueta/compactvd FileSystem

// FileSystem answers allocation queries for one guest file system found on a
// virtual disk. Decoders for specific file systems live outside this module.
type FileSystem interface {
	// Type is a short name for the file system, e.g. "NTFS" or "EXT4".
	Type() string
	Description() string
	// IsAllocated reports whether any byte in the range is in use by the file
	// system. `offset` is relative to the start of the file system and the range
	// is always fully inside it.
	IsAllocated(offset uint64, length uint32) bool
}

// Region is one slice of the virtual disk as described by a DiskLayout. FileSystem
// is nil for placeholder regions (unknown or unsupported contents), which only
// receive per-region statistics.
type Region struct {
	Offset      int64
	Length      int64
	Type        string
	Description string
	FileSystem  FileSystem
}

// IsFileSystem returns true if the region is backed by a FileSystem that can be
// asked about allocation.
func (r Region) IsFileSystem() bool {
	return r.FileSystem != nil
}

// End returns the offset one past the last byte of the region.
func (r Region) End() int64 {
	return r.Offset + r.Length
}

// DiskLayout enumerates the regions of a virtual disk. The list is ordered by
// offset, regions never overlap, and it doesn't change after construction.
type DiskLayout interface {
	Type() string
	FileSystems() []Region
}

// StaticLayout is a DiskLayout built from a fixed list of regions, e.g. one read
// from a file or produced by an external partition scanner.
type StaticLayout struct {
	Name    string
	Regions []Region
}

func (l StaticLayout) Type() string {
	return l.Name
}

func (l StaticLayout) FileSystems() []Region {
	return l.Regions
}

func (l StaticLayout) String() string {
	parts := make([]string, 0, len(l.Regions))
	for _, region := range l.Regions {
		parts = append(parts, region.Type)
	}
	return fmt.Sprintf("%s(%s)", l.Name, strings.Join(parts, ", "))
}

// ValidateLayout checks that the regions of a layout are sorted, don't overlap,
// and fit inside a disk of `diskSize` bytes.
func ValidateLayout(layout DiskLayout, diskSize int64) error {
	lastEnd := int64(0)
	for i, region := range layout.FileSystems() {
		if region.Offset < 0 || region.Length < 0 {
			return ErrInvalidArgument.WithMessage(
				fmt.Sprintf("region %d has a negative offset or length", i))
		}
		if region.Offset < lastEnd {
			return ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"region %d at offset %d overlaps the previous one ending at %d",
					i,
					region.Offset,
					lastEnd,
				),
			)
		}
		if region.End() > diskSize {
			return ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"region %d ends at %d, past the end of the disk (%d bytes)",
					i,
					region.End(),
					diskSize,
				),
			)
		}
		lastEnd = region.End()
	}
	return nil
}
