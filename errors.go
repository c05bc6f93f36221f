//go:build linux
// +build linux

package iouring

import (
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrIOURingClosed = errors.New("iouring closed")

	ErrInvalidEntries = errors.New("entries must be a non-zero power of two")
	ErrBadLayout      = errors.New("ring layout reported by the kernel is inconsistent")
	ErrUnsupported    = errors.New("io_uring is not supported")
	ErrPermission     = errors.New("io_uring setup is not permitted")
	ErrResourceLimit  = errors.New("io_uring resource limit exceeded")

	ErrRequestCanceled   = errors.New("request is canceled")
	ErrDuplicateTag      = errors.New("tag is already outstanding")
	ErrProtocolViolation = errors.New("ring protocol violation")

	ErrFilesRegistered  = errors.New("files are already registered")
	ErrUnregisteredFile = errors.New("file is unregistered")
)

// SetupError reports a failure while creating or mapping a ring pair. By the
// time it is returned every mapping made so far has been released.
type SetupError struct {
	Op  string
	Err error
}

func newSetupError(op string, err error) error {
	return &SetupError{Op: op, Err: errors.WithStack(err)}
}

func (e *SetupError) Error() string {
	return "iouring: " + e.Op + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Is lets callers match the errno class with the package sentinels.
func (e *SetupError) Is(target error) bool {
	var errno syscall.Errno
	if !errors.As(e.Err, &errno) {
		return false
	}

	switch target {
	case ErrUnsupported:
		return errno == syscall.ENOSYS || errno == syscall.EOPNOTSUPP
	case ErrPermission:
		return errno == syscall.EPERM || errno == syscall.EACCES
	case ErrResourceLimit:
		return errno == syscall.ENOMEM || errno == syscall.EMFILE ||
			errno == syscall.ENFILE || errno == syscall.EAGAIN
	case ErrInvalidEntries:
		return errno == syscall.EINVAL
	}
	return false
}
