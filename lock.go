//go:build linux
// +build linux

package iouring

import (
	"runtime"
	"sync/atomic"
)

const (
	spinBackoffMin = 1
	spinBackoffMax = 64
	spinYieldAfter = 512
)

// spinLock never parks the goroutine: ring operations are short and never
// block, so a contended lock is spun on with a growing backoff and an
// occasional yield instead.
type spinLock struct {
	state atomic.Uint32
}

func (l *spinLock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

func (l *spinLock) Lock() {
	backoff := spinBackoffMin
	spins := 0
	for !l.TryLock() {
		for i := 0; i < backoff && l.state.Load() != 0; i++ {
			spins++
		}
		if backoff < spinBackoffMax {
			backoff <<= 1
		}
		if spins >= spinYieldAfter {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}

// LockPair holds one lock per ring. When both are needed the submission
// lock is taken first. A goroutine that finds the submission ring full must
// give the submission lock up before it waits on completions, which is what
// SubmissionGuard.Drain does.
type LockPair struct {
	sq spinLock
	cq spinLock
}

// SubmissionGuard is proof of holding the submission lock.
type SubmissionGuard struct {
	iour *IOURing
	held bool
}

// CompletionGuard is proof of holding the completion lock.
type CompletionGuard struct {
	iour *IOURing
	held bool
}

// LockSubmission spins until the submission lock is held.
func (iour *IOURing) LockSubmission() *SubmissionGuard {
	iour.locks.sq.Lock()
	return &SubmissionGuard{iour: iour, held: true}
}

// TryLockSubmission returns nil if the submission lock is taken.
func (iour *IOURing) TryLockSubmission() *SubmissionGuard {
	if !iour.locks.sq.TryLock() {
		return nil
	}
	return &SubmissionGuard{iour: iour, held: true}
}

// LockCompletion spins until the completion lock is held.
func (iour *IOURing) LockCompletion() *CompletionGuard {
	iour.locks.cq.Lock()
	return &CompletionGuard{iour: iour, held: true}
}

func (g *SubmissionGuard) mustHold() {
	if !g.held {
		panic("iouring: submission guard used after release")
	}
}

func (g *SubmissionGuard) Submit(req *Request) (SubmitStatus, error) {
	g.mustHold()
	return g.iour.sq.Submit(req)
}

func (g *SubmissionGuard) Queue() *SubmissionQueue {
	g.mustHold()
	return g.iour.sq
}

func (g *SubmissionGuard) Unlock() {
	g.mustHold()
	g.held = false
	g.iour.locks.sq.Unlock()
}

// Drain gives up the submission lock and then takes the completion lock.
// This is the only way to get from a full submission ring to the completion
// ring without holding both locks while waiting.
func (g *SubmissionGuard) Drain() *CompletionGuard {
	g.Unlock()
	return g.iour.LockCompletion()
}

// LockCompletion takes the completion lock while keeping the submission lock,
// in the one permitted order. The caller must not wait for ring space while
// holding both.
func (g *SubmissionGuard) LockCompletion() *CompletionGuard {
	g.mustHold()
	return g.iour.LockCompletion()
}

func (g *CompletionGuard) mustHold() {
	if !g.held {
		panic("iouring: completion guard used after release")
	}
}

func (g *CompletionGuard) Reap(max int) ([]Completion, error) {
	g.mustHold()
	return g.iour.cq.Reap(max)
}

func (g *CompletionGuard) ReapInto(dst []Completion) (int, error) {
	g.mustHold()
	return g.iour.cq.ReapInto(dst)
}

func (g *CompletionGuard) Queue() *CompletionQueue {
	g.mustHold()
	return g.iour.cq
}

func (g *CompletionGuard) Unlock() {
	g.mustHold()
	g.held = false
	g.iour.locks.cq.Unlock()
}
