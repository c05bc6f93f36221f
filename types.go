//go:build linux
// +build linux

package iouring

import (
	"sync/atomic"

	"github.com/pkg/errors"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// SubmitStatus is the outcome of a single submission attempt.
type SubmitStatus int

const (
	// Accepted means the request is published to the kernel-visible ring.
	Accepted SubmitStatus = iota
	// Full is backpressure: nothing was written, drain completions and retry.
	Full
)

func (s SubmitStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Full:
		return "full"
	}
	return "unknown"
}

// SubmissionQueue is the user side of the kernel submission ring. It is not
// safe for concurrent use; goroutines sharing a ring go through SubmissionGuard.
type SubmissionQueue struct {
	head    *uint32 // written by the kernel
	tail    *uint32 // written by us
	flags   *uint32 // used by the kernel to communicate stat information to the application
	dropped *uint32 // incremented for each invalid submission queue entry encountered in the ring buffer

	mask    uint32
	entries uint32

	array []uint32
	sqes  []iouring_syscall.SubmissionQueueEntry

	state  *atomic.Uint32
	wakeup *wakeupPolicy
	files  *fileRegister

	accepted atomic.Uint64
	full     atomic.Uint64
}

// Submit publishes req into the next free slot.
//
// A Full status leaves the ring untouched. An error accompanying Accepted
// means the request was published but the notification to the kernel poller
// failed; the request stays in the ring and is picked up on the next wakeup.
func (queue *SubmissionQueue) Submit(req *Request) (SubmitStatus, error) {
	if queue.closed() {
		return Full, ErrIOURingClosed
	}

	tail := loadAcquire(queue.tail)
	idx := tail & queue.mask
	next := (idx + 1) & queue.mask
	if next == loadAcquire(queue.head)&queue.mask {
		queue.full.Add(1)
		return Full, nil
	}

	sqe := &queue.sqes[idx]
	sqe.Reset()
	req.prepare(sqe, queue.files)
	queue.array[idx] = idx

	storeRelease(queue.tail, tail+1)

	queue.accepted.Add(1)
	queue.state.CompareAndSwap(uint32(StateMapped), uint32(StateActive))

	if err := queue.wakeup.maybeWake(queue); err != nil {
		return Accepted, err
	}
	return Accepted, nil
}

func (queue *SubmissionQueue) Entries() uint32 {
	return queue.entries
}

// Pending returns the number of published entries the kernel has not consumed.
func (queue *SubmissionQueue) Pending() uint32 {
	if queue.closed() {
		return 0
	}
	return loadAcquire(queue.tail) - loadAcquire(queue.head)
}

// SpaceLeft returns how many more requests fit; one slot is always kept free
// to tell a full ring from an empty one.
func (queue *SubmissionQueue) SpaceLeft() uint32 {
	if queue.closed() {
		return 0
	}
	return queue.entries - 1 - queue.Pending()
}

func (queue *SubmissionQueue) Dropped() uint32 {
	if queue.closed() {
		return 0
	}
	return loadAcquire(queue.dropped)
}

// closed reports whether the shared memory behind the queue is gone.
func (queue *SubmissionQueue) closed() bool {
	return State(queue.state.Load()) == StateClosed
}

func (queue *SubmissionQueue) needWakeup() bool {
	return loadAcquire(queue.flags)&iouring_syscall.IORING_SQ_NEED_WAKEUP != 0
}

func (queue *SubmissionQueue) cqOverflow() bool {
	return loadAcquire(queue.flags)&iouring_syscall.IORING_SQ_CQ_OVERFLOW != 0
}

// CompletionQueue is the user side of the kernel completion ring. It is not
// safe for concurrent use; goroutines sharing a ring go through CompletionGuard.
type CompletionQueue struct {
	head     *uint32 // written by us
	tail     *uint32 // written by the kernel
	overflow *uint32

	mask    uint32
	entries uint32

	cqes []iouring_syscall.CompletionQueueEvent

	state  *atomic.Uint32
	reaped atomic.Uint64
}

// Reap returns up to max completions. An empty ring, or max <= 0, yields an
// empty slice and leaves head untouched.
func (queue *CompletionQueue) Reap(max int) ([]Completion, error) {
	if max <= 0 {
		return []Completion{}, nil
	}
	dst := make([]Completion, max)
	n, err := queue.ReapInto(dst)
	return dst[:n], err
}

// ReapInto fills dst with up to len(dst) completions and returns how many
// were copied.
func (queue *CompletionQueue) ReapInto(dst []Completion) (int, error) {
	if queue.closed() {
		return 0, ErrIOURingClosed
	}

	head := loadAcquire(queue.head)
	start := head

	var n int
	for n < len(dst) && head != loadAcquire(queue.tail) {
		cqe := &queue.cqes[head&queue.mask]
		dst[n] = Completion{Tag: cqe.UserData, Res: cqe.Result, Flags: cqe.Flags}
		n++
		head++
	}

	if head != start {
		storeRelease(queue.head, head)
		queue.reaped.Add(uint64(n))
	}
	return n, nil
}

func (queue *CompletionQueue) Entries() uint32 {
	return queue.entries
}

// Ready returns the number of completions waiting to be reaped.
func (queue *CompletionQueue) Ready() uint32 {
	if queue.closed() {
		return 0
	}
	return loadAcquire(queue.tail) - loadAcquire(queue.head)
}

// Overflow returns the kernel's count of completions it could not post.
func (queue *CompletionQueue) Overflow() uint32 {
	if queue.closed() {
		return 0
	}
	return loadAcquire(queue.overflow)
}

func (queue *CompletionQueue) closed() bool {
	return State(queue.state.Load()) == StateClosed
}

// mapQueues resolves the kernel-reported offset tables against the shared
// regions. Ring sizes are read back from the mapped memory.
func mapQueues(h RingHandle) (*SubmissionQueue, *CompletionQueue, error) {
	params := h.Params()
	sq, cq := new(SubmissionQueue), new(CompletionQueue)

	sqRing := region(h.SQRing())
	off := params.SQOffset

	var err error
	if sq.head, err = sqRing.uint32At("sq head", off.Head); err != nil {
		return nil, nil, err
	}
	if sq.tail, err = sqRing.uint32At("sq tail", off.Tail); err != nil {
		return nil, nil, err
	}
	if sq.flags, err = sqRing.uint32At("sq flags", off.Flags); err != nil {
		return nil, nil, err
	}
	if sq.dropped, err = sqRing.uint32At("sq dropped", off.Dropped); err != nil {
		return nil, nil, err
	}
	if sq.mask, sq.entries, err = readGeometry(sqRing, "sq", off.RingMask, off.RingEntries); err != nil {
		return nil, nil, err
	}
	if sq.entries != params.SQEntries {
		return nil, nil, errors.Wrapf(ErrBadLayout, "sq ring has %d entries, setup reported %d", sq.entries, params.SQEntries)
	}
	if sq.array, err = sqRing.uint32s("sq array", off.Array, sq.entries); err != nil {
		return nil, nil, err
	}
	if sq.sqes, err = region(h.SQEs()).sqes(0, sq.entries); err != nil {
		return nil, nil, err
	}

	cqRing := region(h.CQRing())
	coff := params.CQOffset

	if cq.head, err = cqRing.uint32At("cq head", coff.Head); err != nil {
		return nil, nil, err
	}
	if cq.tail, err = cqRing.uint32At("cq tail", coff.Tail); err != nil {
		return nil, nil, err
	}
	if cq.overflow, err = cqRing.uint32At("cq overflow", coff.Overflow); err != nil {
		return nil, nil, err
	}
	if cq.mask, cq.entries, err = readGeometry(cqRing, "cq", coff.RingMask, coff.RingEntries); err != nil {
		return nil, nil, err
	}
	if cq.cqes, err = cqRing.cqes(coff.Cqes, cq.entries); err != nil {
		return nil, nil, err
	}
	return sq, cq, nil
}

func readGeometry(r region, name string, maskOff, entriesOff uint32) (mask uint32, entries uint32, err error) {
	maskPtr, err := r.uint32At(name+" ring mask", maskOff)
	if err != nil {
		return 0, 0, err
	}
	entriesPtr, err := r.uint32At(name+" ring entries", entriesOff)
	if err != nil {
		return 0, 0, err
	}

	mask, entries = loadAcquire(maskPtr), loadAcquire(entriesPtr)
	if !isPowerOfTwo(entries) || mask != entries-1 {
		return 0, 0, errors.Wrapf(ErrBadLayout, "%s ring reports %d entries with mask %#x", name, entries, mask)
	}
	return mask, entries, nil
}
