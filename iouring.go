//go:build linux
// +build linux

package iouring

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// State is the lifecycle of a ring pair.
type State uint32

const (
	StateUninitialized State = iota
	StateMapped
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMapped:
		return "mapped"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// IOURing is one submission/completion ring pair.
//
// SQ and CQ give direct, unsynchronized access for a single goroutine.
// Goroutines sharing the pair use LockSubmission and LockCompletion, or the
// Submit and Reap wrappers which take one lock each.
type IOURing struct {
	params iouring_syscall.IOURingParams
	handle RingHandle

	sq *SubmissionQueue
	cq *CompletionQueue

	locks  LockPair
	wakeup *wakeupPolicy
	files  *fileRegister

	state atomic.Uint32
	log   zerolog.Logger
}

// New sets up a kernel ring pair with entries submission slots. entries must
// be a power of two; the size the kernel settled on is read back from the
// mapped ring.
func New(entries uint, opts ...IOURingOption) (*IOURing, error) {
	iour := newIOURing(opts)

	if entries > uint(^uint32(0)) || !isPowerOfTwo(uint32(entries)) {
		return nil, errors.Wrapf(ErrInvalidEntries, "entries %d", entries)
	}

	handle, err := openKernelRing(&kernel, uint32(entries), &iour.params)
	if err != nil {
		iour.log.Error().Err(err).Uint("entries", entries).Msg("io_uring setup failed")
		return nil, err
	}

	if err := iour.init(handle); err != nil {
		return nil, err
	}
	return iour, nil
}

// NewWithHandle builds the protocol on top of an already established ring
// pair. Setup options are ignored; the handle's params are authoritative.
func NewWithHandle(handle RingHandle, opts ...IOURingOption) (*IOURing, error) {
	iour := newIOURing(opts)
	if err := iour.init(handle); err != nil {
		return nil, err
	}
	return iour, nil
}

func newIOURing(opts []IOURingOption) *IOURing {
	iour := &IOURing{log: log.Logger}
	for _, opt := range opts {
		opt(iour)
	}
	return iour
}

func (iour *IOURing) init(handle RingHandle) error {
	sq, cq, err := mapQueues(handle)
	if err != nil {
		_ = handle.Close()
		iour.log.Error().Err(err).Msg("resolve ring layout failed")
		return newSetupError("resolve ring layout", err)
	}

	iour.handle = handle
	iour.params = *handle.Params()
	iour.wakeup = newWakeupPolicy(handle)
	iour.files = newFileRegister(handle)

	sq.state, cq.state = &iour.state, &iour.state
	sq.wakeup, sq.files = iour.wakeup, iour.files
	iour.sq, iour.cq = sq, cq
	iour.state.Store(uint32(StateMapped))

	iour.log.Debug().
		Int("fd", handle.Fd()).
		Uint32("sq_entries", sq.entries).
		Uint32("cq_entries", cq.entries).
		Bool("sqpoll", iour.wakeup.sqpoll).
		Uint32("features", iour.params.Features).
		Msg("io_uring mapped")
	return nil
}

func (iour *IOURing) SQ() *SubmissionQueue { return iour.sq }
func (iour *IOURing) CQ() *CompletionQueue { return iour.cq }

func (iour *IOURing) Fd() int { return iour.handle.Fd() }

func (iour *IOURing) Params() iouring_syscall.IOURingParams { return iour.params }

func (iour *IOURing) State() State { return State(iour.state.Load()) }

func (iour *IOURing) IsClosed() bool { return iour.State() == StateClosed }

// Submit publishes one request under the submission lock.
func (iour *IOURing) Submit(req *Request) (SubmitStatus, error) {
	guard := iour.LockSubmission()
	defer guard.Unlock()
	return guard.Submit(req)
}

// Reap drains up to max completions under the completion lock.
func (iour *IOURing) Reap(max int) ([]Completion, error) {
	guard := iour.LockCompletion()
	defer guard.Unlock()
	return guard.Reap(max)
}

// Stats is a point-in-time view of the ring counters.
type Stats struct {
	Accepted uint64
	Full     uint64
	Reaped   uint64
	Wakeups  uint64
	Enters   uint64

	Pending  uint32
	Ready    uint32
	Dropped  uint32
	Overflow uint32

	CQOverflowFlagged bool
}

// Stats takes both locks so it never races with Close.
func (iour *IOURing) Stats() Stats {
	sqGuard := iour.LockSubmission()
	cqGuard := sqGuard.LockCompletion()
	defer sqGuard.Unlock()
	defer cqGuard.Unlock()
	return iour.stats()
}

func (iour *IOURing) stats() Stats {
	stats := Stats{
		Accepted: iour.sq.accepted.Load(),
		Full:     iour.sq.full.Load(),
		Reaped:   iour.cq.reaped.Load(),
		Wakeups:  iour.wakeup.wakeups.Load(),
		Enters:   iour.wakeup.enters.Load(),
	}
	if iour.IsClosed() {
		return stats
	}

	stats.Pending = iour.sq.Pending()
	stats.Ready = iour.cq.Ready()
	stats.Dropped = iour.sq.Dropped()
	stats.Overflow = iour.cq.Overflow()
	stats.CQOverflowFlagged = iour.sq.cqOverflow()
	return stats
}

// Close takes both locks, in order, marks the pair closed and releases the
// shared memory and the ring fd. Requests still in flight are abandoned.
func (iour *IOURing) Close() error {
	sqGuard := iour.LockSubmission()
	cqGuard := sqGuard.LockCompletion()
	defer sqGuard.Unlock()
	defer cqGuard.Unlock()

	if iour.IsClosed() {
		return nil
	}

	stats := iour.stats()
	if stats.Dropped != 0 || stats.Overflow != 0 {
		iour.log.Warn().
			Uint32("dropped", stats.Dropped).
			Uint32("overflow", stats.Overflow).
			Msg("io_uring lost entries")
	}

	iour.state.Store(uint32(StateClosed))
	if err := iour.handle.Close(); err != nil {
		return errors.Wrap(err, "close io_uring")
	}
	return nil
}
