//go:build linux
// +build linux

// Package harness drives a ring pair with a fixed set of workers, each
// writing its stripe of slots to a file for a number of rounds.
package harness

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	iouring "github.com/iceber/iouring-sqpoll"
	"github.com/iceber/iouring-sqpoll/internal/metrics"
)

const reapBatch = 32

type Config struct {
	Workers   int
	Rounds    int
	BlockSize int
	Path      string
	// Direct opens the file with O_DIRECT|O_DSYNC.
	Direct bool
	// FixedFiles registers the file even if the kernel does not require it.
	FixedFiles bool
}

// Progress counters are shared by every worker.
type Progress struct {
	Submitted   atomic.Uint64
	Processed   atomic.Uint64
	Failed      atomic.Uint64
	FullRetries atomic.Uint64
}

func (p *Progress) resolved() uint64 {
	return p.Processed.Load() + p.Failed.Load()
}

// Failure is a write whose completion did not report a full block.
type Failure struct {
	Tag   uint64
	Round int
	Slot  int
	Res   int32
	Err   error
}

func (cfg Config) validate(slots int) error {
	if cfg.Workers <= 0 || cfg.Rounds <= 0 || cfg.BlockSize <= 0 {
		return errors.Errorf("invalid harness config %+v", cfg)
	}
	if cfg.Workers > slots {
		return errors.Errorf("%d workers for %d slots", cfg.Workers, slots)
	}
	return nil
}

type Report struct {
	Submitted   uint64
	Processed   uint64
	Failed      uint64
	FullRetries uint64
	Failures    []Failure
	Elapsed     time.Duration
	Ring        iouring.Stats
}

type Harness struct {
	ring *iouring.IOURing
	cfg  Config

	file   *os.File
	fixed  bool
	buf    *alignedBuffer
	iovecs []unix.Iovec
	slots  int

	tracker  *iouring.Tracker
	progress Progress

	failLock sync.Mutex
	failures []Failure

	metrics *metrics.Client
	log     zerolog.Logger
}

// New takes ownership of ring, even when it fails; Close releases it together
// with the file and the buffers.
func New(ring *iouring.IOURing, cfg Config, m *metrics.Client, logger zerolog.Logger) (h *Harness, err error) {
	slots := int(ring.SQ().Entries())
	if err := cfg.validate(slots); err != nil {
		_ = ring.Close()
		return nil, err
	}
	if m == nil {
		m, _ = metrics.New(false, "", "")
	}

	h = &Harness{
		ring:    ring,
		cfg:     cfg,
		slots:   slots,
		tracker: iouring.NewTracker(),
		metrics: m,
		log:     logger.With().Str("component", "harness").Logger(),
	}
	defer func() {
		if err != nil {
			h.release()
		}
	}()

	flags := os.O_CREATE | os.O_RDWR
	if cfg.Direct {
		flags |= unix.O_DIRECT | unix.O_DSYNC
	}
	if h.file, err = os.OpenFile(cfg.Path, flags, 0o600); err != nil {
		return nil, errors.Wrap(err, "open target file")
	}

	if cfg.FixedFiles || ring.NeedsFixedFiles() {
		if err = ring.RegisterFiles(h.file); err != nil {
			return nil, err
		}
		h.fixed = true
	}

	if h.buf, err = newAlignedBuffer(slots * cfg.BlockSize); err != nil {
		return nil, err
	}
	h.iovecs = make([]unix.Iovec, slots)
	for i := range h.iovecs {
		block := h.buf.block(i, cfg.BlockSize)
		for j := range block {
			block[j] = pattern(i)
		}
		h.iovecs[i].Base = &block[0]
		h.iovecs[i].SetLen(len(block))
	}
	return h, nil
}

func (h *Harness) Progress() *Progress { return &h.progress }

// Run starts the workers and waits for all of them. Every round a worker
// submits its stripe of slots and then waits until everything submitted so
// far, by any worker, has completed.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	h.log.Info().
		Int("workers", h.cfg.Workers).
		Int("rounds", h.cfg.Rounds).
		Int("slots", h.slots).
		Int("block_size", h.cfg.BlockSize).
		Bool("fixed_files", h.fixed).
		Msg("starting run")

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < h.cfg.Workers; id++ {
		id := id
		g.Go(func() error {
			return h.work(ctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := h.checkDrained(); err != nil {
		return nil, err
	}

	report := h.report(time.Since(start))
	h.log.Info().
		Uint64("submitted", report.Submitted).
		Uint64("processed", report.Processed).
		Uint64("failed", report.Failed).
		Uint64("full_retries", report.FullRetries).
		Uint64("wakeups", report.Ring.Wakeups).
		Dur("elapsed", report.Elapsed).
		Msg("run finished")
	return report, nil
}

func (h *Harness) work(ctx context.Context, id int) error {
	tag := "worker:" + strconv.Itoa(id)
	for round := 0; round < h.cfg.Rounds; round++ {
		start := time.Now()
		for slot := id; slot < h.slots; slot += h.cfg.Workers {
			if err := h.submit(ctx, round, slot); err != nil {
				return errors.WithMessagef(err, "worker %d round %d slot %d", id, round, slot)
			}
		}
		if err := h.awaitRound(ctx); err != nil {
			return errors.WithMessagef(err, "worker %d round %d", id, round)
		}

		h.metrics.Timing(metrics.RoundTime, time.Since(start), tag)
		h.log.Debug().Int("worker", id).Int("round", round).Msg("round done")
	}
	return nil
}

func (h *Harness) submit(ctx context.Context, round, slot int) error {
	tag := uint64(round)*uint64(h.slots) + uint64(slot)
	req := iouring.Writev(int(h.file.Fd()), h.iovecs[slot:slot+1], uint64(slot)*uint64(h.cfg.BlockSize), tag)

	if err := h.tracker.Track(tag); err != nil {
		return err
	}

	guard := h.ring.LockSubmission()
	for {
		status, err := guard.Submit(&req)
		if status == iouring.Accepted {
			guard.Unlock()
			h.progress.Submitted.Add(1)
			h.metrics.Incr(metrics.Submitted)
			if err != nil {
				// the entry is published, only the poller nudge failed
				return errors.Wrapf(err, "tag %d", tag)
			}
			return nil
		}
		if err != nil {
			guard.Unlock()
			h.tracker.Forget(tag)
			return err
		}

		h.progress.FullRetries.Add(1)
		h.metrics.Incr(metrics.FullRetries)

		var batch [1]iouring.Completion
		cq := guard.Drain()
		n, err := cq.ReapInto(batch[:])
		cq.Unlock()
		if err != nil {
			h.tracker.Forget(tag)
			return err
		}
		if n == 1 {
			if err := h.complete(batch[0]); err != nil {
				h.tracker.Forget(tag)
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			h.tracker.Forget(tag)
			return err
		}
		guard = h.ring.LockSubmission()
	}
}

func (h *Harness) awaitRound(ctx context.Context) error {
	var batch [reapBatch]iouring.Completion
	for h.progress.resolved() != h.progress.Submitted.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		cq := h.ring.LockCompletion()
		n, err := cq.ReapInto(batch[:])
		cq.Unlock()
		if err != nil {
			return err
		}
		if n == 0 {
			runtime.Gosched()
			continue
		}

		for _, c := range batch[:n] {
			if err := h.complete(c); err != nil {
				return err
			}
		}
		h.metrics.Gauge(metrics.Outstanding, float64(h.tracker.Outstanding()))
	}
	return nil
}

func (h *Harness) complete(c iouring.Completion) error {
	if err := h.tracker.Resolve(c); err != nil {
		return err
	}

	if c.Res == int32(h.cfg.BlockSize) {
		h.progress.Processed.Add(1)
		h.metrics.Incr(metrics.Processed)
		return nil
	}

	failure := Failure{
		Tag:   c.Tag,
		Round: int(c.Tag / uint64(h.slots)),
		Slot:  int(c.Tag % uint64(h.slots)),
		Res:   c.Res,
		Err:   c.Err(),
	}
	if failure.Err == nil {
		failure.Err = errors.Errorf("short write of %d bytes", c.Res)
	}

	h.failLock.Lock()
	h.failures = append(h.failures, failure)
	h.failLock.Unlock()

	h.progress.Failed.Add(1)
	h.metrics.Incr(metrics.Failed)
	h.log.Error().Err(failure.Err).Uint64("tag", c.Tag).Int("slot", failure.Slot).Msg("write failed")
	return nil
}

// checkDrained runs once every worker is done: nothing may be outstanding
// and the completion ring must be empty.
func (h *Harness) checkDrained() error {
	if n := h.tracker.Outstanding(); n != 0 {
		return errors.Wrapf(iouring.ErrProtocolViolation, "%d requests outstanding after run", n)
	}

	cq := h.ring.LockCompletion()
	defer cq.Unlock()

	extra, err := cq.Reap(1)
	if err != nil {
		return err
	}
	if len(extra) != 0 {
		return errors.Wrapf(iouring.ErrProtocolViolation, "reaped tag %d from a drained ring", extra[0].Tag)
	}
	return nil
}

func (h *Harness) report(elapsed time.Duration) *Report {
	h.failLock.Lock()
	failures := append([]Failure(nil), h.failures...)
	h.failLock.Unlock()

	return &Report{
		Submitted:   h.progress.Submitted.Load(),
		Processed:   h.progress.Processed.Load(),
		Failed:      h.progress.Failed.Load(),
		FullRetries: h.progress.FullRetries.Load(),
		Failures:    failures,
		Elapsed:     elapsed,
		Ring:        h.ring.Stats(),
	}
}

// Verify reads the file back and checks every slot holds its pattern.
func (h *Harness) Verify() error {
	block := make([]byte, h.cfg.BlockSize)
	reader, err := os.Open(h.cfg.Path)
	if err != nil {
		return errors.Wrap(err, "open for verify")
	}
	defer reader.Close()

	for slot := 0; slot < h.slots; slot++ {
		if _, err := reader.ReadAt(block, int64(slot)*int64(h.cfg.BlockSize)); err != nil {
			return errors.Wrapf(err, "read slot %d", slot)
		}
		for i, b := range block {
			if b != pattern(slot) {
				return errors.Errorf("slot %d byte %d is %#x, want %#x", slot, i, b, pattern(slot))
			}
		}
	}
	return nil
}

// Close releases the file, the buffers and the ring.
func (h *Harness) Close() error {
	return h.release()
}

func (h *Harness) release() error {
	var errs []error
	if h.fixed {
		errs = append(errs, h.ring.UnregisterFiles())
		h.fixed = false
	}
	errs = append(errs, h.ring.Close())
	if h.buf != nil {
		errs = append(errs, h.buf.unmap())
	}
	if h.file != nil {
		errs = append(errs, h.file.Close())
		h.file = nil
	}

	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "close harness")
		}
	}
	return nil
}
