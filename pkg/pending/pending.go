// Package pending tracks in-flight transactions against a deadline.
//
// A Tracker is meant to be owned by a single dispatch loop: Expired gives
// it a channel to select on, which is nil while nothing is tracked, so an
// empty tracker simply drops out of the wait set.
package pending

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrDuplicateID = errors.New("pending: transaction id already tracked")

type entry[T any] struct {
	val      T
	deadline time.Time
}

type slot struct {
	id       uint64
	deadline time.Time
}

// Tracker holds values indexed by transaction id until they are pulled
// back or their deadline passes. Not safe for concurrent use.
type Tracker[T any] struct {
	entries map[uint64]entry[T]

	// deadlines is kept sorted by deadline; slots whose id is no longer
	// in entries are stale and skipped lazily.
	deadlines []slot

	timer *time.Timer
	armed time.Time
}

func NewTracker[T any]() *Tracker[T] {
	return &Tracker[T]{
		entries: make(map[uint64]entry[T]),
	}
}

// Push starts tracking a value. The id must not already be live.
func (tr *Tracker[T]) Push(id uint64, val T, timeout time.Duration) error {
	if _, live := tr.entries[id]; live {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	deadline := time.Now().Add(timeout)
	tr.entries[id] = entry[T]{val: val, deadline: deadline}

	at := sort.Search(len(tr.deadlines), func(i int) bool {
		return tr.deadlines[i].deadline.After(deadline)
	})
	tr.deadlines = append(tr.deadlines, slot{})
	copy(tr.deadlines[at+1:], tr.deadlines[at:])
	tr.deadlines[at] = slot{id: id, deadline: deadline}

	tr.arm()
	return nil
}

// Pull stops tracking id and returns its value. A miss is a normal
// outcome: the transaction may have expired or never existed.
func (tr *Tracker[T]) Pull(id uint64) (T, bool) {
	ent, live := tr.entries[id]
	if !live {
		var zero T
		return zero, false
	}
	delete(tr.entries, id)
	tr.compact()
	tr.arm()
	return ent.val, true
}

func (tr *Tracker[T]) Len() int {
	return len(tr.entries)
}

// Expired returns the channel signalling that the nearest deadline has
// passed. It is nil while the tracker is empty, so a select over it
// blocks forever on this arm instead of spinning.
//
// The signal is a hint: a fire may be stale after a Pull. Callers drain
// PopExpired and go back to the select; PopExpired re-arms the timer.
func (tr *Tracker[T]) Expired() <-chan time.Time {
	if len(tr.entries) == 0 || tr.timer == nil {
		return nil
	}
	return tr.timer.C
}

// PopExpired removes and returns every entry whose deadline has passed,
// oldest deadline first. Each expired entry is returned exactly once.
func (tr *Tracker[T]) PopExpired() []T {
	now := time.Now()
	var out []T
	for len(tr.deadlines) > 0 {
		head := tr.deadlines[0]
		ent, live := tr.entries[head.id]
		if !live || !ent.deadline.Equal(head.deadline) {
			// stale slot left behind by a Pull
			tr.deadlines = tr.deadlines[1:]
			continue
		}
		if head.deadline.After(now) {
			break
		}
		delete(tr.entries, head.id)
		tr.deadlines = tr.deadlines[1:]
		out = append(out, ent.val)
	}
	tr.arm()
	return out
}

// NextDeadline reports the nearest live deadline.
func (tr *Tracker[T]) NextDeadline() (time.Time, bool) {
	for len(tr.deadlines) > 0 {
		head := tr.deadlines[0]
		ent, live := tr.entries[head.id]
		if live && ent.deadline.Equal(head.deadline) {
			return head.deadline, true
		}
		tr.deadlines = tr.deadlines[1:]
	}
	return time.Time{}, false
}

func (tr *Tracker[T]) arm() {
	next, has := tr.NextDeadline()
	if !has {
		if tr.timer != nil {
			tr.timer.Stop()
		}
		tr.armed = time.Time{}
		return
	}
	if tr.timer == nil {
		tr.timer = time.NewTimer(time.Until(next))
		tr.armed = next
		return
	}
	if next.Equal(tr.armed) {
		return
	}
	if !tr.timer.Stop() {
		select {
		case <-tr.timer.C:
		default:
		}
	}
	tr.timer.Reset(time.Until(next))
	tr.armed = next
}

// compact drops stale slots when they dominate the deadline index, so a
// churny caller does not grow it without bound.
func (tr *Tracker[T]) compact() {
	if len(tr.deadlines) < 64 || len(tr.deadlines) < 2*len(tr.entries) {
		return
	}
	kept := tr.deadlines[:0]
	for _, sl := range tr.deadlines {
		if ent, live := tr.entries[sl.id]; live && ent.deadline.Equal(sl.deadline) {
			kept = append(kept, sl)
		}
	}
	tr.deadlines = kept
}
