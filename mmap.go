//go:build linux
// +build linux

package iouring

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// sysCalls is the kernel surface used by kernelRing.
type sysCalls struct {
	setup    func(entries uint32, params *iouring_syscall.IOURingParams) (int, error)
	mmap     func(fd int, offset int64, length int) ([]byte, error)
	munmap   func(b []byte) error
	close    func(fd int) error
	enter    func(fd int, toSubmit, minComplete, flags uint32) (int, error)
	register func(fd int, opcode uint32, args unsafe.Pointer, nrArgs uint32) error
}

var kernel = sysCalls{
	setup: iouring_syscall.IOURingSetup,
	mmap: func(fd int, offset int64, length int) ([]byte, error) {
		return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	},
	munmap:   unix.Munmap,
	close:    unix.Close,
	enter:    iouring_syscall.IOURingEnter,
	register: iouring_syscall.IOURingRegister,
}

type kernelRing struct {
	sys    *sysCalls
	fd     int
	params iouring_syscall.IOURingParams

	sqRing     []byte
	cqRing     []byte
	sqes       []byte
	singleMmap bool
}

func openKernelRing(sys *sysCalls, entries uint32, params *iouring_syscall.IOURingParams) (*kernelRing, error) {
	ring := &kernelRing{sys: sys, params: *params}

	fd, err := sys.setup(entries, &ring.params)
	if err != nil {
		return nil, newSetupError("io_uring_setup", err)
	}
	ring.fd = fd

	if err := ring.mmapRings(); err != nil {
		_ = sys.close(fd)
		return nil, err
	}
	return ring, nil
}

// mmapRings establishes the sq ring, cq ring and sqe mappings in that order.
// On failure the mappings already made are released in reverse order.
func (ring *kernelRing) mmapRings() (err error) {
	params := &ring.params

	sqSize := int(uint64(params.SQOffset.Array) + uint64(params.SQEntries)*uint64(unsafe.Sizeof(uint32(0))))
	cqSize := int(uint64(params.CQOffset.Cqes) + uint64(params.CQEntries)*uint64(iouring_syscall.CompletionQueueEventSize))
	sqesSize := int(uint64(params.SQEntries) * uint64(iouring_syscall.SubmissionQueueEntrySize))

	ring.singleMmap = params.Features&iouring_syscall.IORING_FEAT_SINGLE_MMAP != 0
	if ring.singleMmap && cqSize > sqSize {
		sqSize = cqSize
	}

	var mapped [][]byte
	defer func() {
		if err == nil {
			return
		}
		for i := len(mapped) - 1; i >= 0; i-- {
			_ = ring.sys.munmap(mapped[i])
		}
		ring.sqRing, ring.cqRing, ring.sqes = nil, nil, nil
	}()

	ring.sqRing, err = ring.sys.mmap(ring.fd, iouring_syscall.IORING_OFF_SQ_RING, sqSize)
	if err != nil {
		return newSetupError("mmap sq ring", err)
	}
	mapped = append(mapped, ring.sqRing)

	if ring.singleMmap {
		ring.cqRing = ring.sqRing
	} else {
		ring.cqRing, err = ring.sys.mmap(ring.fd, iouring_syscall.IORING_OFF_CQ_RING, cqSize)
		if err != nil {
			return newSetupError("mmap cq ring", err)
		}
		mapped = append(mapped, ring.cqRing)
	}

	ring.sqes, err = ring.sys.mmap(ring.fd, iouring_syscall.IORING_OFF_SQES, sqesSize)
	if err != nil {
		return newSetupError("mmap sqes", err)
	}
	return nil
}

func (ring *kernelRing) Fd() int                                { return ring.fd }
func (ring *kernelRing) Params() *iouring_syscall.IOURingParams { return &ring.params }
func (ring *kernelRing) SQRing() []byte                         { return ring.sqRing }
func (ring *kernelRing) CQRing() []byte                         { return ring.cqRing }
func (ring *kernelRing) SQEs() []byte                           { return ring.sqes }

func (ring *kernelRing) Enter(toSubmit uint32, minComplete uint32, flags uint32) (int, error) {
	for {
		n, err := ring.sys.enter(ring.fd, toSubmit, minComplete, flags)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

func (ring *kernelRing) Register(opcode uint32, args unsafe.Pointer, nrArgs uint32) error {
	return ring.sys.register(ring.fd, opcode, args, nrArgs)
}

// Close unmaps in the reverse order of mmapRings and then releases the fd.
func (ring *kernelRing) Close() error {
	var errs []error
	if ring.sqes != nil {
		errs = append(errs, ring.sys.munmap(ring.sqes))
	}
	if ring.cqRing != nil && !ring.singleMmap {
		errs = append(errs, ring.sys.munmap(ring.cqRing))
	}
	if ring.sqRing != nil {
		errs = append(errs, ring.sys.munmap(ring.sqRing))
	}
	ring.sqRing, ring.cqRing, ring.sqes = nil, nil, nil
	errs = append(errs, ring.sys.close(ring.fd))

	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "close ring")
		}
	}
	return nil
}
