//go:build linux
// +build linux

package iouring

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/iceber/iouring-sqpoll/internal/ringtest"
	iouring_syscall "github.com/iceber/iouring-sqpoll/syscall"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

var (
	block = make([]byte, 512)
	// the simulated poller reads iovecs after Submit returns, so they are
	// kept reachable for the whole test binary
	blockIov = BytesToIovecs([][]byte{block})
)

func blockIovecs() []unix.Iovec {
	return blockIov
}

func newTestRing(t *testing.T, cfg ringtest.Config) (*IOURing, *ringtest.Poller) {
	t.Helper()

	poller := ringtest.New(cfg)
	iour, err := NewWithHandle(poller, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = iour.Close() })
	return iour, poller
}

func writeReq(tag uint64) *Request {
	req := Writev(3, blockIovecs(), tag*512, tag)
	return &req
}

func TestSubmitFullLeavesRingUntouched(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 8, Manual: true})

	for tag := uint64(0); tag < 7; tag++ {
		status, err := iour.Submit(writeReq(tag))
		require.NoError(t, err)
		require.Equal(t, Accepted, status, "tag %d", tag)
	}
	assert.Equal(t, uint32(0), iour.SQ().SpaceLeft())

	tail := atomic.LoadUint32(iour.sq.tail)
	status, err := iour.Submit(writeReq(7))
	require.NoError(t, err)
	assert.Equal(t, Full, status)
	assert.Equal(t, tail, atomic.LoadUint32(iour.sq.tail))
	assert.Equal(t, uint32(7), iour.SQ().Pending())

	require.Equal(t, 1, poller.Step(1))
	completions, err := iour.Reap(1)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, uint64(0), completions[0].Tag)

	status, err = iour.Submit(writeReq(7))
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)

	stats := iour.Stats()
	assert.Equal(t, uint64(8), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Full)
}

func TestReapZeroAndEmpty(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})

	completions, err := iour.Reap(4)
	require.NoError(t, err)
	assert.Empty(t, completions)
	assert.Equal(t, uint32(0), atomic.LoadUint32(iour.cq.head))

	_, err = iour.Submit(writeReq(1))
	require.NoError(t, err)
	poller.Step(1)

	completions, err = iour.Reap(0)
	require.NoError(t, err)
	assert.NotNil(t, completions)
	assert.Empty(t, completions)
	assert.Equal(t, uint32(0), atomic.LoadUint32(iour.cq.head))
	assert.Equal(t, uint32(1), iour.CQ().Ready())

	n, err := iour.CQ().ReapInto(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoundTrip(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 16, Manual: true})
	assert.Equal(t, StateMapped, iour.State())

	for tag := uint64(100); tag < 105; tag++ {
		status, err := iour.Submit(writeReq(tag))
		require.NoError(t, err)
		require.Equal(t, Accepted, status)
	}
	assert.Equal(t, StateActive, iour.State())
	assert.Equal(t, 5, poller.Step(16))

	completions, err := iour.Reap(16)
	require.NoError(t, err)
	require.Len(t, completions, 5)
	for i, c := range completions {
		assert.Equal(t, uint64(100+i), c.Tag)
		assert.Equal(t, int32(len(block)), c.Res)
		assert.NoError(t, c.Err())
		assert.Equal(t, len(block), c.Bytes())
	}

	completions, err = iour.Reap(16)
	require.NoError(t, err)
	assert.Empty(t, completions)
}

func TestSubmitWritesEntry(t *testing.T) {
	iour, _ := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})

	req := Writev(9, blockIovecs(), 4096, 77)
	req.Ioprio = 3
	_, err := iour.Submit(&req)
	require.NoError(t, err)

	sqe := &iour.sq.sqes[0]
	assert.Equal(t, iouring_syscall.IORING_OP_WRITEV, sqe.Opcode())
	assert.Equal(t, int32(9), sqe.Fd())
	assert.Equal(t, uint64(4096), sqe.Offset())
	assert.Equal(t, uint32(1), sqe.Len())
	assert.Equal(t, uint64(77), sqe.UserData())
	assert.Equal(t, uint16(3), sqe.Ioprio())
	assert.False(t, sqe.IsFixedFile())
	assert.Equal(t, uint32(0), iour.sq.array[0])
}

func TestWakeupOnlyWhenPollerSleeps(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 8, Manual: true})

	_, err := iour.Submit(writeReq(1))
	require.NoError(t, err)
	assert.Zero(t, poller.Wakeups())
	assert.Zero(t, poller.Enters())

	// every submission made while the flag stays raised notifies once
	poller.SetNeedWakeup(true)
	for tag := uint64(2); tag < 5; tag++ {
		_, err = iour.Submit(writeReq(tag))
		require.NoError(t, err)
		assert.Equal(t, tag-1, poller.Wakeups())
	}

	poller.SetNeedWakeup(false)
	_, err = iour.Submit(writeReq(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), poller.Wakeups())
	assert.Equal(t, uint64(3), iour.Stats().Wakeups)
	assert.Equal(t, uint64(3), poller.Enters())
}

func TestWakeupIdlePoller(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 8, Idle: time.Millisecond})

	require.Eventually(t, poller.Sleeping, time.Second, time.Millisecond)

	_, err := iour.Submit(writeReq(1))
	require.NoError(t, err)

	var completions []Completion
	require.Eventually(t, func() bool {
		c, err := iour.Reap(1)
		completions = append(completions, c...)
		return err == nil && len(completions) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), completions[0].Tag)
	assert.GreaterOrEqual(t, poller.Wakeups(), uint64(1))
}

func TestWakeFailureStillAccepted(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, Manual: true, EnterErr: syscall.EBADF})
	poller.SetNeedWakeup(true)

	status, err := iour.Submit(writeReq(1))
	assert.Equal(t, Accepted, status)
	assert.ErrorIs(t, err, syscall.EBADF)
	assert.Equal(t, uint32(1), iour.SQ().Pending())
}

func TestWithoutSQPollEntersPerSubmit(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 8, NoSQPoll: true})

	for tag := uint64(0); tag < 3; tag++ {
		_, err := iour.Submit(writeReq(tag))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), poller.Enters())
	assert.Zero(t, poller.Wakeups())
	assert.Zero(t, iour.SQ().Pending())

	completions, err := iour.Reap(8)
	require.NoError(t, err)
	assert.Len(t, completions, 3)
	assert.Equal(t, uint64(3), iour.Stats().Enters)
}

func TestCounterWrapAround(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})

	start := uint32(math.MaxUint32 - 5)
	for _, p := range []*uint32{iour.sq.head, iour.sq.tail, iour.cq.head, iour.cq.tail} {
		atomic.StoreUint32(p, start)
	}

	for tag := uint64(0); tag < 12; tag += 3 {
		for i := uint64(0); i < 3; i++ {
			status, err := iour.Submit(writeReq(tag + i))
			require.NoError(t, err)
			require.Equal(t, Accepted, status)
		}
		status, err := iour.Submit(writeReq(99))
		require.NoError(t, err)
		require.Equal(t, Full, status)

		require.Equal(t, 3, poller.Step(4))
		completions, err := iour.Reap(4)
		require.NoError(t, err)
		require.Len(t, completions, 3)
		for i, c := range completions {
			assert.Equal(t, tag+uint64(i), c.Tag)
		}
	}

	assert.Equal(t, start+12, atomic.LoadUint32(iour.sq.tail))
	assert.Less(t, atomic.LoadUint32(iour.sq.tail), start)
	assert.Equal(t, start+12, atomic.LoadUint32(iour.cq.head))
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers   = 4
		perProducer = 500
		consumers   = 2
	)
	iour, _ := newTestRing(t, ringtest.Config{Entries: 32})

	tracker := NewTracker()
	var reaped atomic.Int64
	seen := make([]atomic.Int32, producers*perProducer)

	var wg sync.WaitGroup
	errs := make(chan error, producers+consumers)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				tag := uint64(p*perProducer + i)
				if err := tracker.Track(tag); err != nil {
					errs <- err
					return
				}
				req := writeReq(tag)
				for {
					status, err := iour.Submit(req)
					if err != nil {
						errs <- err
						return
					}
					if status == Accepted {
						break
					}
				}
			}
		}(p)
	}

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]Completion, 8)
			for reaped.Load() < producers*perProducer {
				guard := iour.LockCompletion()
				n, err := guard.ReapInto(batch)
				guard.Unlock()
				if err != nil {
					errs <- err
					return
				}
				for _, c := range batch[:n] {
					if err := tracker.Resolve(c); err != nil {
						errs <- err
						return
					}
					seen[c.Tag].Add(1)
				}
				reaped.Add(int64(n))
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Zero(t, tracker.Outstanding())
	for tag := range seen {
		assert.Equal(t, int32(1), seen[tag].Load(), "tag %d", tag)
	}

	stats := iour.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Accepted)
	assert.Equal(t, uint64(producers*perProducer), stats.Reaped)
}

func TestOutstandingNeverExceedsCapacity(t *testing.T) {
	const (
		entries   = 8
		producers = 3
		perWorker = 200
	)
	iour, _ := newTestRing(t, ringtest.Config{Entries: entries, Lockstep: true})

	var reaped atomic.Int64
	var maxOutstanding atomic.Int64
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req := writeReq(uint64(p*perWorker + i))
				for {
					guard := iour.LockSubmission()
					status, err := guard.Submit(req)
					if status == Accepted {
						outstanding := int64(atomic.LoadUint32(iour.sq.tail) - atomic.LoadUint32(iour.cq.head))
						for {
							cur := maxOutstanding.Load()
							if outstanding <= cur || maxOutstanding.CompareAndSwap(cur, outstanding) {
								break
							}
						}
						guard.Unlock()
						assert.NoError(t, err)
						break
					}
					guard.Unlock()
					if !assert.NoError(t, err) {
						return
					}
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for reaped.Load() < producers*perWorker {
			guard := iour.LockCompletion()
			completions, err := guard.Reap(2)
			guard.Unlock()
			if !assert.NoError(t, err) {
				return
			}
			reaped.Add(int64(len(completions)))
		}
	}()

	wg.Wait()
	<-done

	assert.LessOrEqual(t, maxOutstanding.Load(), int64(entries-1))
	assert.Equal(t, int64(producers*perWorker), reaped.Load())
}

func TestOverflowSurfaced(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, CQEntries: 2, Manual: true, Overflow: true})

	for tag := uint64(0); tag < 3; tag++ {
		_, err := iour.Submit(writeReq(tag))
		require.NoError(t, err)
	}
	poller.Step(3)

	assert.Equal(t, uint32(1), iour.CQ().Overflow())
	assert.Equal(t, uint32(1), iour.Stats().Overflow)

	completions, err := iour.Reap(4)
	require.NoError(t, err)
	assert.Len(t, completions, 2)
}

func TestDroppedSurfaced(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})

	_, err := iour.Submit(writeReq(1))
	require.NoError(t, err)
	poller.CorruptArray(0)
	poller.Step(1)

	assert.Equal(t, uint32(1), iour.SQ().Dropped())
	assert.Equal(t, uint32(1), iour.Stats().Dropped)
}

func TestClosedRing(t *testing.T) {
	iour, _ := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})

	require.NoError(t, iour.Close())
	assert.True(t, iour.IsClosed())
	assert.Equal(t, StateClosed, iour.State())

	_, err := iour.Submit(writeReq(1))
	assert.ErrorIs(t, err, ErrIOURingClosed)
	_, err = iour.Reap(1)
	assert.ErrorIs(t, err, ErrIOURingClosed)

	assert.Zero(t, iour.SQ().Pending())
	assert.Zero(t, iour.SQ().SpaceLeft())
	assert.Zero(t, iour.CQ().Ready())

	assert.NoError(t, iour.Close())
	assert.Equal(t, uint64(0), iour.Stats().Accepted)
}

// corruptHandle reports offsets that do not fit the regions it hands out.
type corruptHandle struct {
	*ringtest.Poller
	params iouring_syscall.IOURingParams
	closed bool
}

func (h *corruptHandle) Params() *iouring_syscall.IOURingParams { return &h.params }

func (h *corruptHandle) Close() error {
	h.closed = true
	return h.Poller.Close()
}

func TestBadLayout(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(h *corruptHandle)
	}{
		{"array outside region", func(h *corruptHandle) { h.params.SQOffset.Array = 1 << 20 }},
		{"misaligned tail", func(h *corruptHandle) { h.params.SQOffset.Tail = 65 }},
		{"cqes outside region", func(h *corruptHandle) { h.params.CQOffset.Cqes = uint32(len(h.CQRing())) }},
		{"entries disagree", func(h *corruptHandle) { h.params.SQEntries = 16 }},
		{"mask disagrees", func(h *corruptHandle) {
			off := h.params.SQOffset.RingMask
			ring := h.SQRing()
			*(*uint32)(unsafe.Pointer(&ring[off])) = 5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poller := ringtest.New(ringtest.Config{Entries: 8, Manual: true})
			h := &corruptHandle{Poller: poller, params: *poller.Params()}
			tt.corrupt(h)

			_, err := NewWithHandle(h, WithLogger(zerolog.Nop()))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadLayout)

			var setupErr *SetupError
			assert.True(t, errors.As(err, &setupErr))
			assert.True(t, h.closed)
		})
	}
}

func TestFixedFiles(t *testing.T) {
	iour, poller := newTestRing(t, ringtest.Config{Entries: 4, Manual: true})
	assert.False(t, iour.NeedsFixedFiles())

	require.NoError(t, iour.RegisterFds([]int32{5, 9}))
	assert.Equal(t, []int32{5, 9}, poller.RegisteredFiles())
	assert.ErrorIs(t, iour.RegisterFds([]int32{7}), ErrFilesRegistered)
	assert.ErrorIs(t, iour.RegisterFds([]int32{-1}), ErrUnregisteredFile)

	req := Writev(9, blockIovecs(), 0, 1)
	_, err := iour.Submit(&req)
	require.NoError(t, err)

	sqe := &iour.sq.sqes[0]
	assert.True(t, sqe.IsFixedFile())
	assert.Equal(t, int32(1), sqe.Fd())

	req = Writev(11, blockIovecs(), 0, 2)
	_, err = iour.Submit(&req)
	require.NoError(t, err)
	assert.False(t, iour.sq.sqes[1].IsFixedFile())
	assert.Equal(t, int32(11), iour.sq.sqes[1].Fd())

	require.NoError(t, iour.UnregisterFiles())
	assert.Empty(t, poller.RegisteredFiles())
	require.NoError(t, iour.UnregisterFiles())
}

func TestNeedsFixedFiles(t *testing.T) {
	poller := ringtest.New(ringtest.Config{Entries: 4, Manual: true})
	h := &corruptHandle{Poller: poller, params: *poller.Params()}
	h.params.Features &^= iouring_syscall.IORING_FEAT_SQPOLL_NONFIXED

	iour, err := NewWithHandle(h, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer iour.Close()
	assert.True(t, iour.NeedsFixedFiles())
}
