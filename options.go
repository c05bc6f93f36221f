//go:build linux
// +build linux

package iouring

import (
	"time"

	"github.com/rs/zerolog"

	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

type IOURingOption func(*IOURing)

// WithSQPoll asks the kernel for a dedicated submission poller thread.
func WithSQPoll() IOURingOption {
	return func(iour *IOURing) {
		iour.params.Flags |= iouring_syscall.IORING_SETUP_FLAGS_SQPOLL
	}
}

func WithSQPollThreadCPU(cpu uint32) IOURingOption {
	return func(iour *IOURing) {
		iour.params.Flags |= iouring_syscall.IORING_SETUP_FLAGS_SQ_AFF
		iour.params.SQThreadCPU = cpu
	}
}

// WithSQPollThreadIdle sets how long the poller spins on an empty ring
// before it sleeps and raises IORING_SQ_NEED_WAKEUP.
func WithSQPollThreadIdle(idle time.Duration) IOURingOption {
	return func(iour *IOURing) {
		iour.params.SQThreadIdle = uint32(idle / time.Millisecond)
	}
}

func WithCQSize(size uint32) IOURingOption {
	return func(iour *IOURing) {
		iour.params.Flags |= iouring_syscall.IORING_SETUP_FLAGS_CQSIZE
		iour.params.CQEntries = size
	}
}

func WithParams(params *iouring_syscall.IOURingParams) IOURingOption {
	return func(iour *IOURing) {
		iour.params = *params
	}
}

func WithLogger(logger zerolog.Logger) IOURingOption {
	return func(iour *IOURing) {
		iour.log = logger
	}
}
