package sshmux

// outboundEntry is one queued user write, or the queued output half-close.
// An EOF entry carries no payload; it is emitted only after every write
// queued ahead of it has fully resolved, so the completion for the last
// write always fires strictly before the EOF completion.
type outboundEntry struct {
	payload  []byte
	dataType uint32
	done     Completion
	eof      bool
	flushed  bool
}

// writeQueue is the ordered sequence of outbound entries awaiting window or
// flush. Entries are drained FIFO; a partially-emittable entry at the head
// is split and its remainder stays queued.
type writeQueue struct {
	entries []outboundEntry
}

func (q *writeQueue) empty() bool { return len(q.entries) == 0 }

func (q *writeQueue) push(e outboundEntry) {
	q.entries = append(q.entries, e)
}

// head returns the first entry, which must exist.
func (q *writeQueue) head() *outboundEntry { return &q.entries[0] }

func (q *writeQueue) pop() outboundEntry {
	e := q.entries[0]
	q.entries[0] = outboundEntry{}
	q.entries = q.entries[1:]
	return e
}

// markAllFlushed marks every queued entry eligible for emission.
func (q *writeQueue) markAllFlushed() {
	for i := range q.entries {
		q.entries[i].flushed = true
	}
}

// failAll drains the queue, handing every entry's completion to fail.
func (q *writeQueue) failAll(fail func(done Completion)) {
	entries := q.entries
	q.entries = nil
	for i := range entries {
		fail(entries[i].done)
	}
}
