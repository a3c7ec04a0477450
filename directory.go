package brio

import (
	"regexp"
	"sort"
	"strings"

	"github.com/brio-sh/brio/pkg/tvf"
)

const MaxServiceNameLength = 128

var invalidServiceName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

func ValidateServiceName(name string) bool {
	return name != "" &&
		!invalidServiceName.MatchString(name) &&
		len(name) <= MaxServiceNameLength
}

// Entry is one provider of a service: a queue belonging to a processor,
// or to one of its subtasks.
type Entry[M tvf.Message[M]] struct {
	ProcID   uint32
	QueueID  uint32
	ProcName string

	queue chan<- Envelope[M]
}

// Send posts an envelope on the provider queue, bounded by the delivery
// timeout.
func (e Entry[M]) Send(env Envelope[M]) error {
	return deliver(e.queue, env, deliveryTimeout)
}

// Table is a published snapshot of the service directory. Snapshots are
// immutable: the bus clones the table before every change and broadcasts
// the new revision, so readers never need a lock.
type Table[M tvf.Message[M]] struct {
	rev      uint64
	services map[string][]Entry[M]
}

func newTable[M tvf.Message[M]]() *Table[M] {
	return &Table[M]{services: make(map[string][]Entry[M])}
}

// Rev is the monotonically increasing snapshot revision.
func (t *Table[M]) Rev() uint64 { return t.rev }

// Lookup returns every provider of name, in registration order. A miss
// is an empty slice, not an error.
func (t *Table[M]) Lookup(name string) []Entry[M] {
	return t.services[name]
}

// Pick selects one provider of name using token for round-robin
// tie-break. Callers typically pass an increasing transaction id.
func (t *Table[M]) Pick(name string, token uint64) (Entry[M], bool) {
	entries := t.services[name]
	if len(entries) == 0 {
		return Entry[M]{}, false
	}
	return entries[token%uint64(len(entries))], true
}

// Scan lists the service names starting with prefix, sorted.
func (t *Table[M]) Scan(prefix string) []string {
	var found []string
	for name := range t.services {
		if strings.HasPrefix(name, prefix) {
			found = append(found, name)
		}
	}
	sort.Strings(found)
	return found
}

// Len reports how many service names have at least one provider.
func (t *Table[M]) Len() int {
	return len(t.services)
}

// clone copies the table so the bus can mutate the copy before
// publishing it as the next revision.
func (t *Table[M]) clone() *Table[M] {
	out := &Table[M]{
		rev:      t.rev + 1,
		services: make(map[string][]Entry[M], len(t.services)),
	}
	for name, entries := range t.services {
		cp := make([]Entry[M], len(entries))
		copy(cp, entries)
		out.services[name] = cp
	}
	return out
}

// add appends a provider for each name. Adding an identical provider
// twice is a no-op.
func (t *Table[M]) add(names []string, entry Entry[M]) {
	for _, name := range names {
		entries := t.services[name]
		dup := false
		for _, cur := range entries {
			if cur.ProcID == entry.ProcID && cur.QueueID == entry.QueueID {
				dup = true
				break
			}
		}
		if !dup {
			t.services[name] = append(entries, entry)
		}
	}
}

// remove drops the (proc, queue) provider from each name, deleting names
// left without provider. Removing an absent provider is a no-op.
func (t *Table[M]) remove(names []string, procID, queueID uint32) {
	for _, name := range names {
		entries := t.services[name]
		kept := entries[:0]
		for _, cur := range entries {
			if cur.ProcID == procID && cur.QueueID == queueID {
				continue
			}
			kept = append(kept, cur)
		}
		if len(kept) == 0 {
			delete(t.services, name)
		} else {
			t.services[name] = kept
		}
	}
}

// removeProc drops every provider entry owned by procID, whatever queue
// it was declared for, and reports the names touched.
func (t *Table[M]) removeProc(procID uint32) []string {
	var touched []string
	for name, entries := range t.services {
		kept := entries[:0]
		for _, cur := range entries {
			if cur.ProcID == procID {
				continue
			}
			kept = append(kept, cur)
		}
		if len(kept) != len(entries) {
			touched = append(touched, name)
		}
		if len(kept) == 0 {
			delete(t.services, name)
		} else {
			t.services[name] = kept
		}
	}
	sort.Strings(touched)
	return touched
}

// removeQueue drops every provider entry bound to (procID, queueID).
func (t *Table[M]) removeQueue(procID, queueID uint32) []string {
	var touched []string
	for name, entries := range t.services {
		kept := entries[:0]
		for _, cur := range entries {
			if cur.ProcID == procID && cur.QueueID == queueID {
				continue
			}
			kept = append(kept, cur)
		}
		if len(kept) != len(entries) {
			touched = append(touched, name)
		}
		if len(kept) == 0 {
			delete(t.services, name)
		} else {
			t.services[name] = kept
		}
	}
	sort.Strings(touched)
	return touched
}
