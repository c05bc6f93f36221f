//go:build linux
// +build linux

package ringtest

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// iovecs views the iovec array a submission points at. The submitter keeps
// it alive until the completion is reaped.
func iovecs(sqe *iouring_syscall.SubmissionQueueEntry) []unix.Iovec {
	addr := sqe.Addr()
	if addr == 0 || sqe.Len() == 0 {
		return nil
	}
	// reinterpret the stored address the way the kernel does; a plain
	// uintptr conversion trips checkptr under -race
	base := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return unsafe.Slice((*unix.Iovec)(base), sqe.Len())
}

// Echo completes a write as if every byte was transferred.
func Echo(sqe *iouring_syscall.SubmissionQueueEntry, fd int) int32 {
	if sqe.Opcode() != iouring_syscall.IORING_OP_WRITEV {
		return -int32(syscall.EINVAL)
	}

	var n int32
	for _, iov := range iovecs(sqe) {
		n += int32(iov.Len)
	}
	return n
}

// Pwritev performs the vectored write against the real file.
func Pwritev(sqe *iouring_syscall.SubmissionQueueEntry, fd int) int32 {
	if sqe.Opcode() != iouring_syscall.IORING_OP_WRITEV {
		return -int32(syscall.EINVAL)
	}

	vecs := iovecs(sqe)
	bufs := make([][]byte, 0, len(vecs))
	for _, iov := range vecs {
		bufs = append(bufs, unsafe.Slice(iov.Base, iov.Len))
	}

	n, err := unix.Pwritev(fd, bufs, int64(sqe.Offset()))
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return -int32(errno)
		}
		return -int32(syscall.EIO)
	}
	return int32(n)
}

// Fail completes every request with errno.
func Fail(errno syscall.Errno) Completer {
	return func(*iouring_syscall.SubmissionQueueEntry, int) int32 {
		return -int32(errno)
	}
}

// FailTags completes the listed tags with errno and the rest through next.
func FailTags(errno syscall.Errno, next Completer, tags ...uint64) Completer {
	failing := make(map[uint64]struct{}, len(tags))
	for _, tag := range tags {
		failing[tag] = struct{}{}
	}
	return func(sqe *iouring_syscall.SubmissionQueueEntry, fd int) int32 {
		if _, ok := failing[sqe.UserData()]; ok {
			return -int32(errno)
		}
		return next(sqe, fd)
	}
}
