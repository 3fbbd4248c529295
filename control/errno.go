package control

import (
	"errors"

	snaptrace "github.com/snaptrace/engine"
)

// Errno is a POSIX-style negative error number, the shape every engine
// error is reduced to at the CLI/IOCTL boundary: 0 or a negative errno.
// Values mirror the host's <errno.h>; an implementer wiring a real IOCTL
// surface returns these directly as the syscall result.
type Errno int

const (
	EBUSY  Errno = -16
	EINVAL Errno = -22
	ENODEV Errno = -19
	ENOMEM Errno = -12
	EIO    Errno = -5
	EFBIG  Errno = -27
	ENOENT Errno = -2
	EPERM  Errno = -1
	EACCES Errno = -13
	EFAULT Errno = -14
)

// ErrnoOf maps an engine error to its control-plane errno, by error kind.
// A nil error maps to 0 (success); an error the engine did not tag with
// snaptrace.Error maps to EIO, the catch-all for "something went wrong in
// the storage core."
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var e snaptrace.Error
	if !errors.As(err, &e) {
		return EIO
	}
	switch e.Code {
	case snaptrace.Busy:
		return EBUSY
	case snaptrace.Inval:
		return EINVAL
	case snaptrace.Nodev:
		return ENODEV
	case snaptrace.Nomem:
		return ENOMEM
	case snaptrace.IOErr:
		return EIO
	case snaptrace.Fbig:
		return EFBIG
	case snaptrace.Noent:
		return ENOENT
	case snaptrace.Perm:
		return EPERM
	case snaptrace.Acces:
		return EACCES
	case snaptrace.Fault:
		return EFAULT
	default:
		return EIO
	}
}
