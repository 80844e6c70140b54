// Package kernelerr collects the POSIX-flavored error taxonomy that the
// kernel surfaces to user space: a small, fixed set of sentinel values
// wrapped with call-site context rather than a bespoke error hierarchy.
package kernelerr

import "github.com/pkg/errors"

var (
	// Inval is returned for a malformed argument, e.g. a negative file offset.
	Inval = errors.New("invalid argument")

	// Nospc is returned when a FileNode cannot be grown to the requested
	// size, or when the requested offset/size pair overflows.
	Nospc = errors.New("no space left")

	// Mfile is returned by Process.RegisterFileDescriptor when the
	// descriptor table is already full.
	Mfile = errors.New("too many open files")
)
