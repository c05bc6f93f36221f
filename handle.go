//go:build linux
// +build linux

package iouring

import (
	"unsafe"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// RingHandle is the opaque view of one kernel ring pair: the setup
// parameters the kernel reported, the three shared regions and the two
// calls the protocol ever needs to make into the kernel.
//
// The kernel implementation is returned by New; internal/ringtest provides a
// simulated poller so the protocol can be exercised without io_uring.
type RingHandle interface {
	Fd() int
	Params() *iouring_syscall.IOURingParams

	SQRing() []byte
	CQRing() []byte
	SQEs() []byte

	Enter(toSubmit uint32, minComplete uint32, flags uint32) (int, error)
	Register(opcode uint32, args unsafe.Pointer, nrArgs uint32) error

	Close() error
}
