//go:build linux
// +build linux

package iouring

import (
	"sync/atomic"

	"github.com/pkg/errors"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

// wakeupPolicy runs inline after every accepted submission and decides
// whether the kernel has to be entered. A poller thread only needs a nudge
// once it has raised IORING_SQ_NEED_WAKEUP; without one every submission
// enters.
type wakeupPolicy struct {
	handle RingHandle
	sqpoll bool

	wakeups atomic.Uint64
	enters  atomic.Uint64
}

func newWakeupPolicy(handle RingHandle) *wakeupPolicy {
	return &wakeupPolicy{
		handle: handle,
		sqpoll: handle.Params().Flags&iouring_syscall.IORING_SETUP_FLAGS_SQPOLL != 0,
	}
}

func (policy *wakeupPolicy) maybeWake(sq *SubmissionQueue) error {
	if !policy.sqpoll {
		pending := sq.Pending()
		if pending == 0 {
			return nil
		}
		policy.enters.Add(1)
		if _, err := policy.handle.Enter(pending, 0, 0); err != nil {
			return errors.Wrap(err, "enter ring")
		}
		return nil
	}

	if !sq.needWakeup() {
		return nil
	}

	policy.wakeups.Add(1)
	policy.enters.Add(1)
	if _, err := policy.handle.Enter(0, 0, iouring_syscall.IORING_ENTER_FLAGS_SQ_WAKEUP); err != nil {
		return errors.Wrap(err, "wake sq poller")
	}
	return nil
}
