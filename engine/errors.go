package engine

import "fmt"

// Errno is a typed error code drawn from the taxonomy in the error
// handling design: malformed arguments, exhausted resources, and the
// directory/permission failures surfaced by the upper layers.
type Errno uint8

const (
	// EINVAL marks a malformed argument: an invalid handle, an
	// out-of-range inode or block number, an illegal inode type, or
	// permission bits outside 0..0o777.
	EINVAL Errno = iota + 1
	// ENOSPC marks an exhausted inode or data-block pool.
	ENOSPC
	// ESTALE marks an attempt to allocate an inode-block position that
	// is already assigned.
	ESTALE
	// EEXIST marks a directory entry insertion or rename colliding with
	// an existing name.
	EEXIST
	// ENOENT marks a directory entry lookup target that is absent.
	ENOENT
	// ENOTDIR marks a non-final path component that is not a directory.
	ENOTDIR
	// EACCES marks a missing traverse permission on a non-final path
	// component.
	EACCES
)

func (e Errno) Error() string {
	switch e {
	case EINVAL:
		return "invalid argument"
	case ENOSPC:
		return "no space left on device"
	case ESTALE:
		return "stale block reference"
	case EEXIST:
		return "entry exists"
	case ENOENT:
		return "no such entry"
	case ENOTDIR:
		return "not a directory"
	case EACCES:
		return "permission denied"
	default:
		return fmt.Sprintf("errno %d", uint8(e))
	}
}

// wrap attaches op-specific context to a typed errno without losing the
// errors.Is/errors.As chain.
func wrap(errno Errno, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errno)
}
