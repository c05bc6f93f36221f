//go:build linux
// +build linux

package iouring

import "sync/atomic"

// Shared ring counters are only ever touched through these helpers.
//
// Go atomics are sequentially consistent, so storeRelease both orders the
// preceding slot writes before the counter becomes visible and orders the
// counter store before any later loadAcquire, e.g. the SQ flags check that
// follows a tail publish.

func loadAcquire(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

func storeRelease(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}
