//go:build linux
// +build linux

package iouring

import (
	"syscall"
)

// Completion is a result record copied out of the completion ring.
type Completion struct {
	Tag   uint64
	Res   int32
	Flags uint32
}

// Err returns the errno the kernel reported for the request, if any.
func (c Completion) Err() error {
	if c.Res >= 0 {
		return nil
	}

	err := syscall.Errno(-c.Res)
	if err == syscall.ECANCELED {
		return ErrRequestCanceled
	}
	return err
}

// Bytes returns the number of bytes transferred, or 0 on failure.
func (c Completion) Bytes() int {
	if c.Res < 0 {
		return 0
	}
	return int(c.Res)
}
