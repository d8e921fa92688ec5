// Package router owns every routing decision the broker makes: which
// consumer a clarification goes to, when queued requests are promoted, how
// replies find their producer, and how yap bursts are reordered before they
// reach a human.
//
// All router state (queues, buffers, timers) is mutated under one mutex held
// only for the duration of a single routing decision. The router performs no
// I/O while holding it; outbound envelopes are placed on session write
// queues and written elsewhere.
//
// Called by: broker service (per-connection read loops, teardown paths)
// Calls: session registry lookups, session enqueue
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/internal/session"
	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// Routing failures reported back to the producer. The texts are part of the
// wire contract and travel verbatim in the response payload's error field.
var (
	ErrNoConsumers = errors.New(wire.ErrTextNoConsumers)
	ErrQueueFull   = errors.New(wire.ErrTextQueueFull)
)

// DisconnectNotice is the response text on the synthetic timeout
// clarification a consumer receives when the producer behind a request
// vanishes.
const DisconnectNotice = "Source client disconnected"

// Failure reasons for Stats.ClarificationFailed.
const (
	FailNoConsumer = "no_consumer"
	FailQueueFull  = "queue_full"
)

// Stats receives routing counters. The broker wires a Prometheus-backed
// implementation; tests run with the nop default.
type Stats interface {
	ClarificationRouted()
	ClarificationFailed(reason string)
	ResponseRouted()
	YapRouted()
	YapsDropped(count int)
}

type nopStats struct{}

func (nopStats) ClarificationRouted()       {}
func (nopStats) ClarificationFailed(string) {}
func (nopStats) ResponseRouted()            {}
func (nopStats) YapRouted()                 {}
func (nopStats) YapsDropped(int)            {}

// Options bound the per-consumer queues and the yap reorder window.
type Options struct {
	MaxQueue     int           // clarification queue capacity per consumer
	YapWindow    time.Duration // reorder buffer flush delay
	YapBufferCap int           // reorder buffer capacity per consumer
}

// Router routes clarifications, replies and yaps between live sessions.
type Router struct {
	mu       sync.Mutex
	registry *session.Registry
	queues   map[string]*clarificationQueue
	buffers  map[string]*yapBuffer
	opts     Options
	stats    Stats
	log      zerolog.Logger
	closed   bool
}

// New creates a router over the given registry. stats may be nil.
func New(registry *session.Registry, opts Options, stats Stats, log zerolog.Logger) *Router {
	if stats == nil {
		stats = nopStats{}
	}
	return &Router{
		registry: registry,
		queues:   make(map[string]*clarificationQueue),
		buffers:  make(map[string]*yapBuffer),
		opts:     opts,
		stats:    stats,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// ConsumerRegistered creates the per-consumer state for a fresh consumer
// session and runs the advance step, which is a no-op on the empty queue but
// keeps registration on the same path as insertion and reply.
func (r *Router) ConsumerRegistered(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueFor(consumerID)
	r.bufferFor(consumerID)
	r.advanceLocked(consumerID)
}

// RouteClarification assigns the clarification in env to the consumer with
// the shortest queue and promotes it if that consumer is idle. It returns
// the request id extracted from the payload so the caller can synthesize a
// failure response when the error is ErrNoConsumers or ErrQueueFull.
func (r *Router) RouteClarification(env *wire.Envelope) (string, error) {
	data, err := env.DataMap()
	if err != nil {
		return "", fmt.Errorf("clarification payload: %w", err)
	}
	requestID, _ := data["id"].(string)
	question, _ := data["question"].(string)
	if requestID == "" || question == "" {
		return requestID, fmt.Errorf("clarification payload requires id and question")
	}
	if status, _ := data["status"].(string); status == "" {
		data["status"] = string(wire.StatusPending)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	consumerID, queue := r.pickConsumerLocked()
	if queue == nil {
		r.stats.ClarificationFailed(FailNoConsumer)
		return requestID, ErrNoConsumers
	}
	if queue.size() >= r.opts.MaxQueue {
		r.stats.ClarificationFailed(FailQueueFull)
		return requestID, ErrQueueFull
	}

	queue.push(&pending{
		requestID: requestID,
		sourceID:  env.ClientID,
		data:      data,
	})
	r.stats.ClarificationRouted()
	r.log.Debug().
		Str("request_id", requestID).
		Str("producer", env.ClientID).
		Str("consumer", consumerID).
		Int("queue_len", queue.size()).
		Msg("clarification queued")

	r.advanceLocked(consumerID)
	return requestID, nil
}

// pickConsumerLocked chooses the live consumer with the shortest queue.
// Ties go to the earliest registration, which the registry's ordering
// provides. Returns ("", nil) when no consumer is live.
func (r *Router) pickConsumerLocked() (string, *clarificationQueue) {
	var (
		bestID    string
		bestQueue *clarificationQueue
	)
	for _, s := range r.registry.ByRole(wire.RoleConsumer) {
		q := r.queueFor(s.ID())
		if bestQueue == nil || q.size() < bestQueue.size() {
			bestID, bestQueue = s.ID(), q
		}
	}
	return bestID, bestQueue
}

// advanceLocked promotes the queue head for the consumer when nothing is
// active there: the head is marked active and delivered in a clarification
// envelope whose source is the original producer. Idempotent while a request
// is in front of the human.
func (r *Router) advanceLocked(consumerID string) {
	q := r.queues[consumerID]
	if q == nil {
		return
	}
	h := q.head()
	if h == nil || h.active {
		return
	}
	h.active = true
	r.deliverLocked(consumerID, wire.KindClarification, h.sourceID, wire.RoleProducer, h.data)
	r.log.Debug().
		Str("request_id", h.requestID).
		Str("consumer", consumerID).
		Msg("clarification activated")
}

// HandleReply resolves the active request matching the reply's request id,
// forwards the answer to the producer that asked, and advances the queue it
// came from. Replies to unknown or no-longer-active requests are ignored;
// they are late duplicates.
func (r *Router) HandleReply(env *wire.Envelope) error {
	data, err := env.DataMap()
	if err != nil {
		return fmt.Errorf("reply payload: %w", err)
	}
	requestID, _ := data["requestId"].(string)
	if requestID == "" {
		return fmt.Errorf("reply payload requires requestId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		entry *pending
		owner string
	)
	for consumerID, q := range r.queues {
		if e := q.takeActive(requestID); e != nil {
			entry, owner = e, consumerID
			break
		}
	}
	if entry == nil {
		r.log.Debug().Str("request_id", requestID).Msg("reply for unknown request ignored")
		return nil
	}

	data["cliId"] = env.ClientID
	if src, ok := r.registry.Get(entry.sourceID); ok {
		r.deliverTo(src, wire.KindResponse, env.ClientID, wire.RoleConsumer, data)
		r.stats.ResponseRouted()
	} else {
		r.log.Debug().
			Str("request_id", requestID).
			Str("producer", entry.sourceID).
			Msg("producer gone before reply, dropping response")
	}

	r.advanceLocked(owner)
	if owner != env.ClientID {
		r.advanceLocked(env.ClientID)
	}
	return nil
}

// RouteYap fans the yap out to every live consumer through the per-consumer
// reorder buffers. With no consumer live the yap is dropped; yaps are
// one-way and best-effort.
func (r *Router) RouteYap(env *wire.Envelope) error {
	data, err := env.DataMap()
	if err != nil {
		return fmt.Errorf("yap payload: %w", err)
	}
	entry := yapEntry{
		sourceID:  env.ClientID,
		timestamp: payloadTimestamp(data, env.Timestamp),
		data:      data,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	consumers := r.registry.ByRole(wire.RoleConsumer)
	if len(consumers) == 0 {
		r.log.Debug().Str("producer", env.ClientID).Msg("yap dropped, no consumers")
		return nil
	}

	for _, s := range consumers {
		buf := r.bufferFor(s.ID())
		if dropped := buf.insert(entry, r.opts.YapBufferCap); dropped > 0 {
			r.stats.YapsDropped(dropped)
		}
		r.rearmLocked(s.ID(), buf)
	}
	r.stats.YapRouted()
	return nil
}

// rearmLocked schedules the buffer flush YapWindow from now, cancelling any
// pending flush first. The generation counter invalidates callbacks from
// timers that fired concurrently with the rearm.
func (r *Router) rearmLocked(consumerID string, buf *yapBuffer) {
	buf.stopTimer()
	buf.gen++
	gen := buf.gen
	buf.timer = time.AfterFunc(r.opts.YapWindow, func() {
		r.flushYaps(consumerID, gen)
	})
}

// flushYaps empties one consumer's reorder buffer as a sequence of yap
// envelopes in ascending timestamp order.
func (r *Router) flushYaps(consumerID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.buffers[consumerID]
	if buf == nil || buf.gen != gen {
		return
	}
	buf.timer = nil
	entries := buf.drain()
	if len(entries) == 0 {
		return
	}

	s, ok := r.registry.Get(consumerID)
	if !ok {
		return
	}
	for _, e := range entries {
		r.deliverTo(s, wire.KindYap, e.sourceID, wire.RoleProducer, e.data)
	}
	r.log.Debug().
		Str("consumer", consumerID).
		Int("count", len(entries)).
		Msg("yap buffer flushed")
}

// SessionGone applies the teardown rules for a dead session.
//
// A lost consumer takes its queue and buffer with it; pending requests are
// not redistributed, the producers' reply deadlines expire locally. A lost
// producer leaves dismissal markers behind: every consumer holding one of
// its requests receives a synthetic clarification in timeout status so the
// human can skip it.
func (r *Router) SessionGone(id string, role wire.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch role {
	case wire.RoleConsumer:
		if q := r.queues[id]; q != nil && q.size() > 0 {
			r.log.Info().
				Str("consumer", id).
				Int("discarded", q.size()).
				Msg("consumer gone, discarding queued clarifications")
		}
		delete(r.queues, id)
		if buf := r.buffers[id]; buf != nil {
			buf.stopTimer()
			delete(r.buffers, id)
		}

	case wire.RoleProducer:
		for consumerID, q := range r.queues {
			removed := q.takeBySource(id)
			if len(removed) == 0 {
				continue
			}
			s, live := r.registry.Get(consumerID)
			for _, p := range removed {
				p.data["status"] = string(wire.StatusTimeout)
				p.data["response"] = DisconnectNotice
				if live {
					r.deliverTo(s, wire.KindClarification, id, wire.RoleProducer, p.data)
				}
			}
			r.log.Info().
				Str("producer", id).
				Str("consumer", consumerID).
				Int("expired", len(removed)).
				Msg("producer gone, expiring its clarifications")
			r.advanceLocked(consumerID)
		}
	}
}

// QueuedClarifications counts requests currently sitting in consumer
// queues, the active ones included.
func (r *Router) QueuedClarifications() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, q := range r.queues {
		total += q.size()
	}
	return total
}

// BufferedYaps counts yaps awaiting a flush across all consumers.
func (r *Router) BufferedYaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, b := range r.buffers {
		total += len(b.entries)
	}
	return total
}

// Close stops every pending flush timer and drops all routing state.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, buf := range r.buffers {
		buf.stopTimer()
	}
	r.queues = make(map[string]*clarificationQueue)
	r.buffers = make(map[string]*yapBuffer)
}

func (r *Router) queueFor(consumerID string) *clarificationQueue {
	q := r.queues[consumerID]
	if q == nil {
		q = &clarificationQueue{}
		r.queues[consumerID] = q
	}
	return q
}

func (r *Router) bufferFor(consumerID string) *yapBuffer {
	b := r.buffers[consumerID]
	if b == nil {
		b = &yapBuffer{}
		r.buffers[consumerID] = b
	}
	return b
}

// deliverLocked builds an envelope and enqueues it on the session registered
// under clientID, when that session is still live.
func (r *Router) deliverLocked(clientID string, kind wire.Kind, sourceID string, sourceRole wire.Role, data map[string]interface{}) {
	s, ok := r.registry.Get(clientID)
	if !ok {
		return
	}
	r.deliverTo(s, kind, sourceID, sourceRole, data)
}

// deliverTo enqueues an envelope on a session. Enqueue failures mean the
// session is on its way down; its teardown path cleans up behind it.
func (r *Router) deliverTo(s *session.Session, kind wire.Kind, sourceID string, sourceRole wire.Role, data map[string]interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(kind)).Msg("payload marshal failed")
		return
	}
	env, err := wire.NewEnvelope(kind, sourceID, sourceRole, json.RawMessage(raw))
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(kind)).Msg("envelope build failed")
		return
	}
	if err := s.Enqueue(env); err != nil {
		r.log.Debug().Err(err).Str("client_id", s.ID()).Msg("enqueue failed")
	}
}

// payloadTimestamp reads the producer timestamp out of a yap payload,
// falling back to the envelope timestamp when absent.
func payloadTimestamp(data map[string]interface{}, fallback int64) int64 {
	if v, ok := data["timestamp"].(float64); ok {
		return int64(v)
	}
	return fallback
}
