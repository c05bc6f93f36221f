//go:build linux
// +build linux

package iouring_syscall

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestABISizes(t *testing.T) {
	assert.Equal(t, uint32(64), SubmissionQueueEntrySize)
	assert.Equal(t, uint32(16), CompletionQueueEventSize)
	assert.Equal(t, uintptr(40), unsafe.Sizeof(SubmissionQueueRingOffset{}))
	assert.Equal(t, uintptr(40), unsafe.Sizeof(CompletionQueueRingOffset{}))
	assert.Equal(t, uintptr(120), unsafe.Sizeof(IOURingParams{}))
}

func TestSubmissionQueueEntry(t *testing.T) {
	var sqe SubmissionQueueEntry
	sqe.PrepOperation(IORING_OP_WRITEV, 7, 0x1000, 2, 4096)
	sqe.SetUserData(99)
	sqe.SetFlags(IOSQE_FLAGS_IO_DRAIN)
	sqe.SetFdIndex(3)

	assert.Equal(t, IORING_OP_WRITEV, sqe.Opcode())
	assert.Equal(t, int32(3), sqe.Fd())
	assert.Equal(t, uint64(0x1000), sqe.Addr())
	assert.Equal(t, uint32(2), sqe.Len())
	assert.Equal(t, uint64(4096), sqe.Offset())
	assert.Equal(t, uint64(99), sqe.UserData())
	assert.True(t, sqe.IsFixedFile())
	assert.Equal(t, IOSQE_FLAGS_IO_DRAIN|IOSQE_FLAGS_FIXED_FILE, sqe.Flags())

	sqe.Reset()
	assert.Equal(t, SubmissionQueueEntry{}, sqe)
}
