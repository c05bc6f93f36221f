//go:build linux
// +build linux

package iouring

import (
	"unsafe"

	"golang.org/x/sys/unix"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// Request is the fixed-shape vectored write copied into a submission slot.
//
// The kernel reads Iovecs and the buffers they point at after Submit
// returns; the caller keeps both alive and unmodified until the matching
// completion has been reaped.
type Request struct {
	Fd     int32
	Offset uint64
	Iovecs []unix.Iovec
	Flags  uint8
	Ioprio uint16
	Tag    uint64
}

// Writev builds a vectored write of iovecs to fd at offset, tagged with tag.
func Writev(fd int, iovecs []unix.Iovec, offset uint64, tag uint64) Request {
	return Request{
		Fd:     int32(fd),
		Offset: offset,
		Iovecs: iovecs,
		Tag:    tag,
	}
}

// Len returns the number of bytes the request asks to transfer.
func (req *Request) Len() int {
	var n int
	for i := range req.Iovecs {
		n += int(req.Iovecs[i].Len)
	}
	return n
}

func (req *Request) prepare(sqe *iouring_syscall.SubmissionQueueEntry, files *fileRegister) {
	var addr uint64
	if len(req.Iovecs) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&req.Iovecs[0])))
	}

	sqe.PrepOperation(iouring_syscall.IORING_OP_WRITEV, req.Fd, addr, uint32(len(req.Iovecs)), req.Offset)
	sqe.SetFlags(req.Flags)
	sqe.SetIoprio(req.Ioprio)
	sqe.SetUserData(req.Tag)

	if files != nil && req.Fd >= 0 {
		if index, ok := files.GetFileIndex(req.Fd); ok {
			sqe.SetFdIndex(int32(index))
		}
	}
}

// BytesToIovecs describes bs as iovecs. The slices in bs back the result.
func BytesToIovecs(bs [][]byte) []unix.Iovec {
	iovecs := make([]unix.Iovec, len(bs))
	for i := range bs {
		if len(bs[i]) == 0 {
			continue
		}
		iovecs[i].Base = &bs[i][0]
		iovecs[i].SetLen(len(bs[i]))
	}
	return iovecs
}
