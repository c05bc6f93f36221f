//go:build linux
// +build linux

package iouring

import (
	"sync"

	"github.com/pkg/errors"
)

// Tracker matches completions to the tags that were submitted. A tag is
// tracked before it is submitted, so its completion can never be reaped
// ahead of it.
type Tracker struct {
	lock    sync.Mutex
	pending map[uint64]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint64]struct{})}
}

func (t *Tracker) Track(tag uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.pending[tag]; ok {
		return errors.Wrapf(ErrDuplicateTag, "tag %d", tag)
	}
	t.pending[tag] = struct{}{}
	return nil
}

// Forget drops a tag whose request was never accepted.
func (t *Tracker) Forget(tag uint64) {
	t.lock.Lock()
	delete(t.pending, tag)
	t.lock.Unlock()
}

// Resolve retires the tag of c. A tag that is not outstanding means the ring
// handed back something nobody submitted.
func (t *Tracker) Resolve(c Completion) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.pending[c.Tag]; !ok {
		return errors.Wrapf(ErrProtocolViolation, "completion for unknown tag %d", c.Tag)
	}
	delete(t.pending, c.Tag)
	return nil
}

func (t *Tracker) Outstanding() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.pending)
}
