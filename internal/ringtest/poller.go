//go:build linux
// +build linux

// Package ringtest simulates the kernel side of an io_uring ring pair so the
// submission/completion protocol can be exercised without io_uring.
//
// A Poller owns the three shared regions, lays them out at offsets of its
// own choosing and reports them through IOURingParams the way the kernel
// does. It consumes submissions either from a background goroutine that
// behaves like an SQPOLL thread, or only when the test calls Step.
package ringtest

import (
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

const fakeFd = 0x7ff0

// Completer produces the result code for one consumed submission. fd is
// already resolved through the fixed file table.
type Completer func(sqe *iouring_syscall.SubmissionQueueEntry, fd int) int32

type Config struct {
	Entries   uint32
	CQEntries uint32 // defaults to 2*Entries, like the kernel

	// NoSQPoll models a ring without a poller thread: submissions are only
	// consumed by Enter.
	NoSQPoll bool
	// Manual disables the background poller; Step consumes submissions.
	Manual bool
	// Idle is how long the background poller spins on an empty ring before
	// it raises IORING_SQ_NEED_WAKEUP and sleeps. Zero never sleeps.
	Idle time.Duration
	// Lockstep keeps a submission slot occupied until its completion has
	// been reaped.
	Lockstep bool

	// Overflow posts past a full completion ring by counting the loss in
	// the overflow word. Otherwise consumption stalls until there is room.
	Overflow bool

	SingleMmap bool
	Completer  Completer
	// EnterErr is returned by every Enter call when set.
	EnterErr error
}

type Poller struct {
	cfg    Config
	params iouring_syscall.IOURingParams

	sqRing  []byte
	cqRing  []byte
	sqesMem []byte

	sqHead, sqTail, sqFlags, sqDropped *uint32
	sqArray                            []uint32
	sqes                               []iouring_syscall.SubmissionQueueEntry

	cqHead, cqTail, cqOverflow *uint32
	cqes                       []iouring_syscall.CompletionQueueEvent

	// consumption is serialized between the goroutine, Step and Enter
	mu     sync.Mutex
	cursor uint32

	filesMu sync.RWMutex
	files   []int32

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	sleeping  atomic.Bool

	enters   atomic.Uint64
	wakeups  atomic.Uint64
	consumed atomic.Uint64
}

// New lays out the rings and, unless cfg.Manual or cfg.NoSQPoll is set,
// starts the poller goroutine.
func New(cfg Config) *Poller {
	if cfg.Entries == 0 || cfg.Entries&(cfg.Entries-1) != 0 {
		panic("ringtest: entries must be a power of two")
	}
	if cfg.CQEntries == 0 {
		cfg.CQEntries = 2 * cfg.Entries
	}
	if cfg.Completer == nil {
		cfg.Completer = Echo
	}

	p := &Poller{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.layout()

	if cfg.Manual || cfg.NoSQPoll {
		close(p.done)
	} else {
		go p.run()
	}
	return p
}

// layout places every field at a deliberately uneven offset so nothing in
// the protocol can get away with assuming the kernel's layout.
func (p *Poller) layout() {
	entries, cqEntries := p.cfg.Entries, p.cfg.CQEntries

	sqOff := iouring_syscall.SubmissionQueueRingOffset{
		Head: 0, Tail: 64, RingMask: 128, RingEntries: 132,
		Flags: 136, Dropped: 140, Array: 256,
	}
	sqSize := sqOff.Array + entries*4

	var base uint32
	if p.cfg.SingleMmap {
		base = (sqSize + 63) &^ 63
	}
	cqOff := iouring_syscall.CompletionQueueRingOffset{
		Head: base + 8, Tail: base + 72, RingMask: base + 136, RingEntries: base + 140,
		Overflow: base + 144, Flags: base + 148, Cqes: base + 192,
	}
	cqSize := cqOff.Cqes + cqEntries*iouring_syscall.CompletionQueueEventSize

	if p.cfg.SingleMmap {
		p.sqRing = alloc(int(cqSize))
		p.cqRing = p.sqRing
	} else {
		p.sqRing = alloc(int(sqSize))
		p.cqRing = alloc(int(cqSize))
	}
	p.sqesMem = alloc(int(entries * iouring_syscall.SubmissionQueueEntrySize))

	p.params = iouring_syscall.IOURingParams{
		SQEntries: entries,
		CQEntries: cqEntries,
		Features:  iouring_syscall.IORING_FEAT_NODROP | iouring_syscall.IORING_FEAT_SQPOLL_NONFIXED,
		SQOffset:  sqOff,
		CQOffset:  cqOff,
	}
	if !p.cfg.NoSQPoll {
		p.params.Flags |= iouring_syscall.IORING_SETUP_FLAGS_SQPOLL
	}
	if p.cfg.SingleMmap {
		p.params.Features |= iouring_syscall.IORING_FEAT_SINGLE_MMAP
	}

	p.sqHead = u32(p.sqRing, sqOff.Head)
	p.sqTail = u32(p.sqRing, sqOff.Tail)
	p.sqFlags = u32(p.sqRing, sqOff.Flags)
	p.sqDropped = u32(p.sqRing, sqOff.Dropped)
	*u32(p.sqRing, sqOff.RingMask) = entries - 1
	*u32(p.sqRing, sqOff.RingEntries) = entries
	p.sqArray = unsafe.Slice(u32(p.sqRing, sqOff.Array), entries)
	p.sqes = unsafe.Slice((*iouring_syscall.SubmissionQueueEntry)(unsafe.Pointer(&p.sqesMem[0])), entries)

	p.cqHead = u32(p.cqRing, cqOff.Head)
	p.cqTail = u32(p.cqRing, cqOff.Tail)
	p.cqOverflow = u32(p.cqRing, cqOff.Overflow)
	*u32(p.cqRing, cqOff.RingMask) = cqEntries - 1
	*u32(p.cqRing, cqOff.RingEntries) = cqEntries
	p.cqes = unsafe.Slice((*iouring_syscall.CompletionQueueEvent)(unsafe.Pointer(&p.cqRing[cqOff.Cqes])), cqEntries)
}

func alloc(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func u32(b []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func (p *Poller) Fd() int                                { return fakeFd }
func (p *Poller) Params() *iouring_syscall.IOURingParams { return &p.params }
func (p *Poller) SQRing() []byte                         { return p.sqRing }
func (p *Poller) CQRing() []byte                         { return p.cqRing }
func (p *Poller) SQEs() []byte                           { return p.sqesMem }

// Enter mirrors io_uring_enter: it wakes a sleeping poller when asked to and,
// without a poller, consumes up to toSubmit entries itself.
func (p *Poller) Enter(toSubmit uint32, minComplete uint32, flags uint32) (int, error) {
	if p.closed.Load() {
		return 0, syscall.EBADF
	}
	p.enters.Add(1)
	if p.cfg.EnterErr != nil {
		return 0, p.cfg.EnterErr
	}

	if flags&iouring_syscall.IORING_ENTER_FLAGS_SQ_WAKEUP != 0 {
		p.wakeups.Add(1)
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	if p.cfg.NoSQPoll && toSubmit > 0 {
		return p.Step(int(toSubmit)), nil
	}
	return int(toSubmit), nil
}

// Register accepts the fixed file table opcodes.
func (p *Poller) Register(opcode uint32, args unsafe.Pointer, nrArgs uint32) error {
	if p.closed.Load() {
		return syscall.EBADF
	}

	p.filesMu.Lock()
	defer p.filesMu.Unlock()

	switch opcode {
	case iouring_syscall.IORING_REGISTER_FILES:
		if len(p.files) != 0 {
			return syscall.EBUSY
		}
		p.files = append([]int32(nil), unsafe.Slice((*int32)(args), nrArgs)...)
		return nil
	case iouring_syscall.IORING_UNREGISTER_FILES:
		if len(p.files) == 0 {
			return syscall.ENXIO
		}
		p.files = nil
		return nil
	}
	return syscall.EINVAL
}

// Close stops the poller goroutine. The regions stay valid so late readers
// in tests do not fault.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		<-p.done
	})
	return nil
}

// Step consumes up to max published submissions and posts their
// completions. It returns how many were consumed.
func (p *Poller) Step(max int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	mask := p.cfg.Entries - 1
	var n int
	for n < max {
		if p.cfg.Lockstep {
			atomic.StoreUint32(p.sqHead, atomic.LoadUint32(p.cqHead))
		} else {
			p.cursor = atomic.LoadUint32(p.sqHead)
		}

		if p.cursor == atomic.LoadUint32(p.sqTail) {
			break
		}
		if !p.cfg.Overflow && p.cqFull() {
			break
		}

		idx := p.sqArray[p.cursor&mask]
		if idx >= p.cfg.Entries {
			atomic.AddUint32(p.sqDropped, 1)
		} else {
			sqe := p.sqes[idx]
			p.post(sqe.UserData(), p.complete(&sqe))
		}
		p.cursor++
		if !p.cfg.Lockstep {
			atomic.StoreUint32(p.sqHead, p.cursor)
		}

		p.consumed.Add(1)
		n++
	}

	if p.cfg.Lockstep {
		atomic.StoreUint32(p.sqHead, atomic.LoadUint32(p.cqHead))
	}
	return n
}

func (p *Poller) complete(sqe *iouring_syscall.SubmissionQueueEntry) int32 {
	fd := int(sqe.Fd())
	if sqe.IsFixedFile() {
		p.filesMu.RLock()
		if fd < 0 || fd >= len(p.files) {
			p.filesMu.RUnlock()
			return -int32(syscall.EBADF)
		}
		fd = int(p.files[fd])
		p.filesMu.RUnlock()
	}
	return p.cfg.Completer(sqe, fd)
}

func (p *Poller) cqFull() bool {
	return atomic.LoadUint32(p.cqTail)-atomic.LoadUint32(p.cqHead) >= p.cfg.CQEntries
}

func (p *Poller) post(userData uint64, res int32) {
	tail := atomic.LoadUint32(p.cqTail)
	if tail-atomic.LoadUint32(p.cqHead) >= p.cfg.CQEntries {
		atomic.AddUint32(p.cqOverflow, 1)
		return
	}

	p.cqes[tail&(p.cfg.CQEntries-1)] = iouring_syscall.CompletionQueueEvent{UserData: userData, Result: res}
	atomic.StoreUint32(p.cqTail, tail+1)
}

func (p *Poller) run() {
	defer close(p.done)

	idleSince := time.Now()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if p.Step(int(p.cfg.Entries)) > 0 {
			idleSince = time.Now()
			continue
		}

		if p.cfg.Idle > 0 && time.Since(idleSince) >= p.cfg.Idle {
			if !p.sleep() {
				return
			}
			idleSince = time.Now()
			continue
		}
		runtime.Gosched()
	}
}

// sleep raises NEED_WAKEUP and parks until woken. The flag is published
// before the tail is checked again, so a submitter either sees the flag or
// the poller sees its entry.
func (p *Poller) sleep() bool {
	atomic.OrUint32(p.sqFlags, iouring_syscall.IORING_SQ_NEED_WAKEUP)
	defer atomic.AndUint32(p.sqFlags, ^iouring_syscall.IORING_SQ_NEED_WAKEUP)

	if p.hasWork() {
		return true
	}

	p.sleeping.Store(true)
	defer p.sleeping.Store(false)

	select {
	case <-p.wake:
		return true
	case <-p.stop:
		return false
	}
}

func (p *Poller) hasWork() bool {
	head := atomic.LoadUint32(p.sqHead)
	if p.cfg.Lockstep {
		p.mu.Lock()
		head = p.cursor
		p.mu.Unlock()
	}
	return head != atomic.LoadUint32(p.sqTail)
}

// SetNeedWakeup raises or clears IORING_SQ_NEED_WAKEUP by hand, for Manual
// pollers.
func (p *Poller) SetNeedWakeup(need bool) {
	if need {
		atomic.OrUint32(p.sqFlags, iouring_syscall.IORING_SQ_NEED_WAKEUP)
		return
	}
	atomic.AndUint32(p.sqFlags, ^iouring_syscall.IORING_SQ_NEED_WAKEUP)
}

// Sleeping reports whether the background poller is parked.
func (p *Poller) Sleeping() bool { return p.sleeping.Load() }

func (p *Poller) Enters() uint64   { return p.enters.Load() }
func (p *Poller) Wakeups() uint64  { return p.wakeups.Load() }
func (p *Poller) Consumed() uint64 { return p.consumed.Load() }

// CorruptArray points the indirection slot of the next submission outside
// the entry buffer, so the poller drops it.
func (p *Poller) CorruptArray(pos uint32) {
	atomic.StoreUint32(&p.sqArray[pos&(p.cfg.Entries-1)], p.cfg.Entries)
}

// RegisteredFiles returns a copy of the fixed file table.
func (p *Poller) RegisteredFiles() []int32 {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	return append([]int32(nil), p.files...)
}
