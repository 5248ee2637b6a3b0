package engine

import "os"

// Identity supplies the uid/gid stamped onto inodes created by NewInode.
// The real system calls getuid(2)/getgid(2); tests supply fixed values so
// ownership assertions are deterministic.
type Identity interface {
	UID() uint16
	GID() uint16
}

// processIdentity reads the calling process's real uid/gid.
type processIdentity struct{}

// ProcessIdentity returns the Identity backed by the OS process's own
// uid/gid, the default for cmd/mksofs and cmd/sofsutil.
func ProcessIdentity() Identity {
	return processIdentity{}
}

func (processIdentity) UID() uint16 {
	return uint16(os.Getuid())
}

func (processIdentity) GID() uint16 {
	return uint16(os.Getgid())
}

// FixedIdentity is an Identity with constant uid/gid, used by tests and by
// callers that format a volume on behalf of another principal.
type FixedIdentity struct {
	Uid uint16
	Gid uint16
}

func (f FixedIdentity) UID() uint16 { return f.Uid }
func (f FixedIdentity) GID() uint16 { return f.Gid }
