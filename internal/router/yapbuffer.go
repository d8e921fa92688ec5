package router

import (
	"sort"
	"time"
)

// yapEntry is one buffered yap: the raw payload map for forwarding plus the
// fields the buffer sorts and attributes by.
type yapEntry struct {
	sourceID  string
	timestamp int64
	data      map[string]interface{}
}

// yapBuffer collects yaps for one consumer so that bursts from several
// producers reach the human in timestamp order. Each insert rearms the flush
// timer; the generation counter lets a stale timer callback detect that it
// lost the race against a rearm.
type yapBuffer struct {
	entries []yapEntry
	timer   *time.Timer
	gen     uint64
}

// insert adds a yap, keeps the buffer sorted by ascending producer timestamp
// (stable, so equal timestamps keep arrival order) and enforces the cap by
// dropping the oldest entries. Returns how many were dropped.
func (b *yapBuffer) insert(e yapEntry, cap int) int {
	b.entries = append(b.entries, e)
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].timestamp < b.entries[j].timestamp
	})
	if len(b.entries) <= cap {
		return 0
	}
	dropped := len(b.entries) - cap
	b.entries = append([]yapEntry(nil), b.entries[dropped:]...)
	return dropped
}

// drain empties the buffer and returns its entries in flush order.
func (b *yapBuffer) drain() []yapEntry {
	out := b.entries
	b.entries = nil
	return out
}

// stopTimer cancels a pending flush, if any.
func (b *yapBuffer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
