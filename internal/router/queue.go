package router

// pending is one clarification waiting in a consumer queue. The payload is
// kept as a generic map so fields the broker does not know about survive the
// trip to the consumer.
type pending struct {
	requestID string
	sourceID  string
	data      map[string]interface{}
	active    bool
}

// clarificationQueue is the ordered per-consumer request FIFO. The head may
// be marked active, meaning it has been delivered and is in front of the
// human right now.
type clarificationQueue struct {
	entries []*pending
}

func (q *clarificationQueue) size() int {
	return len(q.entries)
}

func (q *clarificationQueue) push(p *pending) {
	q.entries = append(q.entries, p)
}

// head returns the first entry, or nil on an empty queue.
func (q *clarificationQueue) head() *pending {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// takeActive removes and returns the active entry with the given request id,
// or nil when no such entry is active.
func (q *clarificationQueue) takeActive(requestID string) *pending {
	h := q.head()
	if h == nil || !h.active || h.requestID != requestID {
		return nil
	}
	q.entries = q.entries[1:]
	return h
}

// takeBySource removes every entry originating from the given producer,
// active or queued, preserving queue order among the removed.
func (q *clarificationQueue) takeBySource(sourceID string) []*pending {
	var removed []*pending
	kept := q.entries[:0]
	for _, p := range q.entries {
		if p.sourceID == sourceID {
			removed = append(removed, p)
		} else {
			kept = append(kept, p)
		}
	}
	q.entries = kept
	return removed
}
