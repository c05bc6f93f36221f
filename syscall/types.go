//go:build linux
// +build linux

package iouring_syscall

import "unsafe"

// mmap offsets of the three shared regions
const (
	IORING_OFF_SQ_RING int64 = 0
	IORING_OFF_CQ_RING int64 = 0x8000000
	IORING_OFF_SQES    int64 = 0x10000000
)

// only the operations this engine ever prepares
const (
	IORING_OP_NOP    uint8 = 0
	IORING_OP_READV  uint8 = 1
	IORING_OP_WRITEV uint8 = 2
)

// sq ring flags, written by the kernel
const (
	IORING_SQ_NEED_WAKEUP uint32 = 1 << iota
	IORING_SQ_CQ_OVERFLOW
)

const (
	IORING_ENTER_FLAGS_GETEVENTS uint32 = 1 << iota
	IORING_ENTER_FLAGS_SQ_WAKEUP
	IORING_ENTER_FLAGS_SQ_WAIT
)

const (
	IOSQE_FLAGS_FIXED_FILE uint8 = 1 << iota
	IOSQE_FLAGS_IO_DRAIN
	IOSQE_FLAGS_IO_LINK
	IOSQE_FLAGS_IO_HARDLINK
	IOSQE_FLAGS_ASYNC
)

const (
	IORING_REGISTER_BUFFERS   uint32 = 0
	IORING_UNREGISTER_BUFFERS uint32 = 1
	IORING_REGISTER_FILES     uint32 = 2
	IORING_UNREGISTER_FILES   uint32 = 3
)

var (
	SubmissionQueueEntrySize = uint32(unsafe.Sizeof(SubmissionQueueEntry{}))
	CompletionQueueEventSize = uint32(unsafe.Sizeof(CompletionQueueEvent{}))
)

// SubmissionQueueEntry is the 64-byte io_uring_sqe.
type SubmissionQueueEntry struct {
	opcode   uint8
	flags    uint8
	ioprio   uint16
	fd       int32
	offset   uint64
	addr     uint64
	len      uint32
	opFlags  uint32
	userdata uint64

	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	extra       [2]uint64
}

func (sqe *SubmissionQueueEntry) Reset() {
	*sqe = SubmissionQueueEntry{}
}

func (sqe *SubmissionQueueEntry) PrepOperation(op uint8, fd int32, addr uint64, len uint32, offset uint64) {
	sqe.opcode = op
	sqe.fd = fd
	sqe.addr = addr
	sqe.len = len
	sqe.offset = offset
}

func (sqe *SubmissionQueueEntry) Opcode() uint8     { return sqe.opcode }
func (sqe *SubmissionQueueEntry) Flags() uint8      { return sqe.flags }
func (sqe *SubmissionQueueEntry) Ioprio() uint16    { return sqe.ioprio }
func (sqe *SubmissionQueueEntry) Fd() int32         { return sqe.fd }
func (sqe *SubmissionQueueEntry) Offset() uint64    { return sqe.offset }
func (sqe *SubmissionQueueEntry) Addr() uint64      { return sqe.addr }
func (sqe *SubmissionQueueEntry) Len() uint32       { return sqe.len }
func (sqe *SubmissionQueueEntry) OpFlags() uint32   { return sqe.opFlags }
func (sqe *SubmissionQueueEntry) UserData() uint64  { return sqe.userdata }
func (sqe *SubmissionQueueEntry) IsFixedFile() bool { return sqe.flags&IOSQE_FLAGS_FIXED_FILE != 0 }

func (sqe *SubmissionQueueEntry) SetFdIndex(index int32) {
	sqe.fd = index
	sqe.flags |= IOSQE_FLAGS_FIXED_FILE
}

func (sqe *SubmissionQueueEntry) SetOpFlags(opflags uint32) {
	sqe.opFlags = opflags
}

func (sqe *SubmissionQueueEntry) SetUserData(userData uint64) {
	sqe.userdata = userData
}

func (sqe *SubmissionQueueEntry) SetFlags(flags uint8) {
	sqe.flags |= flags
}

func (sqe *SubmissionQueueEntry) SetIoprio(ioprio uint16) {
	sqe.ioprio = ioprio
}

// CompletionQueueEvent is the 16-byte io_uring_cqe.
type CompletionQueueEvent struct {
	UserData uint64
	Result   int32
	Flags    uint32
}
