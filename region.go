//go:build linux
// +build linux

package iouring

import (
	"unsafe"

	"github.com/pkg/errors"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// region is one shared mapping. Every typed view into it is resolved from a
// kernel-reported byte offset and bounds-checked once, at setup.
type region []byte

func (r region) check(name string, offset uint32, size uint64, align uint32) error {
	if uint64(offset)+size > uint64(len(r)) {
		return errors.Wrapf(ErrBadLayout, "%s at offset %d (+%d) outside %d byte region", name, offset, size, len(r))
	}
	if offset%align != 0 {
		return errors.Wrapf(ErrBadLayout, "%s at offset %d is not %d byte aligned", name, offset, align)
	}
	return nil
}

func (r region) uint32At(name string, offset uint32) (*uint32, error) {
	if err := r.check(name, offset, 4, 4); err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&r[offset])), nil
}

func (r region) uint32s(name string, offset uint32, n uint32) ([]uint32, error) {
	if err := r.check(name, offset, uint64(n)*4, 4); err != nil {
		return nil, err
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&r[offset])), n), nil
}

func (r region) sqes(offset uint32, n uint32) ([]iouring_syscall.SubmissionQueueEntry, error) {
	size := uint64(n) * uint64(iouring_syscall.SubmissionQueueEntrySize)
	if err := r.check("sqes", offset, size, 8); err != nil {
		return nil, err
	}
	return unsafe.Slice((*iouring_syscall.SubmissionQueueEntry)(unsafe.Pointer(&r[offset])), n), nil
}

func (r region) cqes(offset uint32, n uint32) ([]iouring_syscall.CompletionQueueEvent, error) {
	size := uint64(n) * uint64(iouring_syscall.CompletionQueueEventSize)
	if err := r.check("cqes", offset, size, 8); err != nil {
		return nil, err
	}
	return unsafe.Slice((*iouring_syscall.CompletionQueueEvent)(unsafe.Pointer(&r[offset])), n), nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
