// Package client is the library producers and consumers use to speak to the
// rubberduck broker. It is the embeddable surface the agent-side adapter and
// the terminal front-end build on.
//
// Key Features:
// - TCP connection management with the register/sync handshake
// - Typed send operations for clarifications, yaps and responses
// - Request/response correlation with one-shot pending slots
// - Heartbeating while connected
// - Automatic reconnection with exponential backoff after a drop
//
// Inbound traffic and lifecycle changes surface as tagged events on a single
// channel (see Events), so callers consume everything through one select
// loop. All public methods are safe for concurrent use.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// Conditions callers branch on with errors.Is.
var (
	// ErrNotConnected reports a send attempted while the socket is down.
	ErrNotConnected = errors.New("not connected to broker")

	// ErrResponseTimeout reports an AwaitReply deadline that elapsed before
	// any consumer answered.
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrConnectionLost rejects pending replies when the session drops
	// before their deadline.
	ErrConnectionLost = errors.New("connection lost before response")

	// ErrReconnectExhausted reports a client that gave up reconnecting.
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")

	// ErrRegistrationRejected reports a register the broker refused, most
	// commonly a duplicate client id.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrClosed reports an operation on a client after Close.
	ErrClosed = errors.New("client closed")

	// ErrNoConsumers and ErrQueueFull surface routing failures the broker
	// reported in a response payload.
	ErrNoConsumers = errors.New(wire.ErrTextNoConsumers)
	ErrQueueFull   = errors.New(wire.ErrTextQueueFull)
)

// ConnectError reports an unreachable broker. The message names the address
// so the operator knows which port was expected and how to get a broker.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot reach broker at %s: %v (start one with \"rubberduck broker\", or use \"rubberduck ask\" which spawns its own)", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Options configures a client. Zero fields take the defaults below.
type Options struct {
	Addr                 string        // broker address, default 127.0.0.1:8765
	ClientID             string        // logical id, default generated from the role
	Role                 Role          // RoleProducer or RoleConsumer, required
	Heartbeat            time.Duration // heartbeat period, default 5s
	ReconnectDelay       time.Duration // first backoff step, default 1s
	MaxReconnectAttempts int           // retries after a drop, default 10, negative disables
	ConnectTimeout       time.Duration // dial and handshake deadline, default 5s
	Logger               zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8765"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateDisconnected
	stateClosed
)

// epoch is the per-connection state: one TCP connect/register round. A new
// epoch replaces the old one on every reconnect.
type epoch struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	done   chan struct{}
	once   sync.Once
}

func (e *epoch) close() {
	e.once.Do(func() {
		close(e.done)
		e.conn.Close()
	})
}

type replyOutcome struct {
	response string
	err      error
}

// Client is one broker session owner: a producer or a consumer.
type Client struct {
	opts Options
	log  zerolog.Logger
	id   string
	role wire.Role

	dialMu sync.Mutex // serializes connect attempts

	mu    sync.Mutex
	state state
	epoch *epoch

	pendingMu sync.Mutex
	pending   map[string]chan replyOutcome

	events chan Event
	seq    atomic.Int64

	given    chan struct{} // closed when the client permanently gives up
	giveOnce sync.Once
}

// New builds a client. Connect must be called before any send.
//
// A zero ClientID gets a generated one; the role is mandatory and checked at
// Connect. The logger may be a zero value for silence.
func New(opts Options) *Client {
	opts.applyDefaults()

	wireRole, ok := opts.Role.wireRole()
	id := opts.ClientID
	if id == "" && ok {
		id = fmt.Sprintf("%s-%s", wireRole, uuid.NewString()[:8])
	}

	return &Client{
		opts: opts,
		log: opts.Logger.With().
			Str("component", "client").
			Str("client_id", id).
			Logger(),
		id:      id,
		role:    wireRole,
		pending: make(map[string]chan replyOutcome),
		events:  make(chan Event, 64),
		given:   make(chan struct{}),
	}
}

// ID returns the client id sent at registration.
func (c *Client) ID() string { return c.id }

// Events returns the channel carrying inbound traffic and lifecycle changes.
// The channel is never closed; select against Wait for session end.
func (c *Client) Events() <-chan Event { return c.events }

// Wait returns a channel that closes when the client permanently gives up:
// after Close, or once the reconnect attempts are exhausted.
func (c *Client) Wait() <-chan struct{} { return c.given }

// Connect opens the TCP connection, registers, and returns once the broker
// acknowledged with sync. Idempotent while connected. Reconnection after a
// later drop is automatic; Connect itself does not retry.
func (c *Client) Connect() error {
	if _, ok := c.opts.Role.wireRole(); !ok {
		return fmt.Errorf("unknown role %q", c.opts.Role)
	}
	return c.dial()
}

// dial performs one full connect attempt: probe state, TCP dial, handshake,
// epoch installation. Serialized so a user Connect and the reconnect loop
// never race each other.
func (c *Client) dial() error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = stateConnecting
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", c.opts.Addr, c.opts.ConnectTimeout)
	if err != nil {
		c.setDisconnected()
		return &ConnectError{Addr: c.opts.Addr, Err: err}
	}

	ep := &epoch{
		conn:   conn,
		reader: wire.NewReader(conn),
		writer: wire.NewWriter(conn),
		done:   make(chan struct{}),
	}
	if err := c.handshake(ep); err != nil {
		ep.close()
		c.setDisconnected()
		return err
	}

	c.mu.Lock()
	if c.state == stateClosed {
		// Close won the race against this dial.
		c.mu.Unlock()
		ep.close()
		return ErrClosed
	}
	c.epoch = ep
	c.state = stateConnected
	c.mu.Unlock()

	go c.readLoop(ep)
	go c.heartbeatLoop(ep)

	c.log.Debug().Str("addr", c.opts.Addr).Msg("registered")
	c.emit(Event{Kind: EventSync})
	return nil
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateDisconnected
	}
	c.mu.Unlock()
}

// handshake sends register and expects exactly one sync back, all under the
// connect deadline so a wedged broker cannot hang the caller.
func (c *Client) handshake(ep *epoch) error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	_ = ep.conn.SetDeadline(deadline)
	defer func() { _ = ep.conn.SetDeadline(time.Time{}) }()

	reg, err := wire.NewEnvelope(wire.KindRegister, c.id, c.role, nil)
	if err != nil {
		return err
	}
	reg.Sequence = c.seq.Add(1)
	if err := ep.writer.Write(reg); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	env, err := ep.reader.Next()
	if err != nil {
		return fmt.Errorf("waiting for registration ack: %w", err)
	}
	switch env.Type {
	case wire.KindSync:
		return nil
	case wire.KindError:
		var p wire.ErrorPayload
		_ = env.DecodeData(&p)
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, p.Error)
	default:
		return fmt.Errorf("unexpected %s envelope during registration", env.Type)
	}
}

// Close tears the session down and stops any reconnecting. Pending replies
// reject with ErrConnectionLost. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	ep := c.epoch
	c.epoch = nil
	c.mu.Unlock()

	if ep != nil {
		ep.close()
	}
	c.failPending(ErrConnectionLost)
	c.giveUp()
	return nil
}

func (c *Client) giveUp() {
	c.giveOnce.Do(func() { close(c.given) })
}

// readLoop consumes envelopes for one epoch until its transport dies.
func (c *Client) readLoop(ep *epoch) {
	for {
		env, err := ep.reader.Next()
		if err != nil {
			var dec *wire.DecodeError
			if errors.As(err, &dec) {
				c.log.Warn().Err(dec.Err).Msg("malformed envelope from broker")
				continue
			}
			c.handleDisconnect(ep, err)
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *wire.Envelope) {
	switch env.Type {
	case wire.KindClarification:
		req, err := clarificationFromEnvelope(env)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad clarification payload")
			return
		}
		c.emit(Event{Kind: EventClarification, Clarification: req})

	case wire.KindYap:
		yap, err := yapFromEnvelope(env)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad yap payload")
			return
		}
		c.emit(Event{Kind: EventYap, Yap: yap})

	case wire.KindResponse:
		c.resolveReply(env)

	case wire.KindError:
		var p wire.ErrorPayload
		if err := env.DecodeData(&p); err != nil {
			return
		}
		c.log.Warn().Str("reason", p.Error).Msg("broker reported an error")
		c.emit(Event{Kind: EventBrokerError, Err: errors.New(p.Error)})

	case wire.KindSync:
		c.emit(Event{Kind: EventSync})

	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("ignoring envelope")
	}
}

// resolveReply completes the pending slot matching the response's request
// id. Responses with no pending slot, like ones whose AwaitReply already
// timed out, are dropped quietly.
func (c *Client) resolveReply(env *wire.Envelope) {
	var p wire.ResponsePayload
	if err := env.DecodeData(&p); err != nil {
		c.log.Warn().Err(err).Msg("bad response payload")
		return
	}

	c.pendingMu.Lock()
	slot, ok := c.pending[p.RequestID]
	if ok {
		delete(c.pending, p.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Str("request_id", p.RequestID).Msg("response for no pending request")
		return
	}

	if p.Error != "" {
		slot <- replyOutcome{err: replyError(p.Error)}
		return
	}
	answer := ""
	if p.Response != nil {
		answer = *p.Response
	}
	slot <- replyOutcome{response: answer}
}

// replyError maps the broker's failure texts onto the package sentinels.
func replyError(text string) error {
	switch text {
	case wire.ErrTextNoConsumers:
		return ErrNoConsumers
	case wire.ErrTextQueueFull:
		return ErrQueueFull
	}
	return fmt.Errorf("clarification failed: %s", text)
}

// handleDisconnect runs once per epoch when its read path dies. Pending
// replies reject before any reconnect timer is armed, so callers observe
// connection-lost synchronously with the drop.
func (c *Client) handleDisconnect(ep *epoch, cause error) {
	c.mu.Lock()
	if c.epoch != ep {
		// Replaced or closed already; nothing to do for this epoch.
		c.mu.Unlock()
		return
	}
	c.epoch = nil
	c.state = stateDisconnected
	c.mu.Unlock()
	ep.close()

	c.failPending(ErrConnectionLost)

	c.log.Warn().Err(cause).Msg("disconnected from broker")
	c.emit(Event{Kind: EventDisconnected, Err: cause})

	if c.opts.MaxReconnectAttempts <= 0 {
		c.emit(Event{Kind: EventReconnectExhausted})
		c.giveUp()
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop retries connect with delays of ReconnectDelay × 2^attempt
// until one succeeds, the attempts are exhausted, or the client closes.
func (c *Client) reconnectLoop() {
	for attempt := 0; attempt < c.opts.MaxReconnectAttempts; attempt++ {
		delay := c.opts.ReconnectDelay << attempt
		c.log.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("reconnect scheduled")

		select {
		case <-c.given:
			return
		case <-time.After(delay):
		}

		err := c.dial()
		if err == nil {
			c.log.Info().Int("attempt", attempt+1).Msg("reconnected")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
	}

	c.log.Error().
		Int("attempts", c.opts.MaxReconnectAttempts).
		Msg("reconnect attempts exhausted, giving up")
	c.emit(Event{Kind: EventReconnectExhausted})
	c.giveUp()
}

// failPending rejects every pending reply slot with err and clears the table.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan replyOutcome)
	c.pendingMu.Unlock()

	for _, slot := range pending {
		slot <- replyOutcome{err: err}
	}
}

// send stamps and writes one envelope on the current epoch. The write is
// synchronous; it returns once the bytes are handed to the OS.
func (c *Client) send(kind wire.Kind, payload interface{}) error {
	c.mu.Lock()
	ep := c.epoch
	st := c.state
	c.mu.Unlock()
	if st == stateClosed {
		return ErrClosed
	}
	if st != stateConnected || ep == nil {
		return ErrNotConnected
	}

	env, err := wire.NewEnvelope(kind, c.id, c.role, payload)
	if err != nil {
		return err
	}
	env.Sequence = c.seq.Add(1)

	if err := ep.writer.Write(env); err != nil {
		// The read loop observes the broken socket and runs the disconnect
		// path; for the caller this is a plain not-connected.
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// SendClarification sends one question. The request id must be set by the
// caller and be globally unique; pair with AwaitReply to receive the answer.
func (c *Client) SendClarification(req Clarification) error {
	if req.ID == "" || req.Question == "" {
		return fmt.Errorf("clarification requires an id and a question")
	}
	urgency := wire.Urgency(req.Urgency)
	if req.Urgency == "" {
		urgency = wire.UrgencyMedium
	}
	if !wire.ValidUrgency(urgency) {
		return fmt.Errorf("unknown urgency %q", req.Urgency)
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = wire.NowMillis()
	}
	return c.send(wire.KindClarification, wire.ClarificationPayload{
		ID:        req.ID,
		Question:  req.Question,
		Context:   req.Context,
		Urgency:   urgency,
		Timestamp: timestamp,
		Status:    wire.StatusPending,
	})
}

// SendYap sends one notification. A zero ID or Timestamp is filled in.
func (c *Client) SendYap(yap Yap) error {
	if yap.Message == "" {
		return fmt.Errorf("yap requires a message")
	}
	if yap.ID == "" {
		yap.ID = uuid.NewString()
	}
	if yap.Timestamp == 0 {
		yap.Timestamp = wire.NowMillis()
	}
	return c.send(wire.KindYap, wire.YapPayload{
		ID:          yap.ID,
		Message:     yap.Message,
		Mode:        yap.Mode,
		Category:    yap.Category,
		TaskContext: yap.TaskContext,
		Timestamp:   yap.Timestamp,
	})
}

// SendResponse answers the clarification with the given request id. Consumer
// side only; the broker routes it back to the producer that asked.
func (c *Client) SendResponse(requestID, response string) error {
	if requestID == "" {
		return fmt.Errorf("response requires a request id")
	}
	return c.send(wire.KindResponse, wire.ReplyPayload{
		RequestID: requestID,
		Response:  response,
	})
}

// registerSlot claims the one-shot reply slot for requestID.
func (c *Client) registerSlot(requestID string) (chan replyOutcome, error) {
	slot := make(chan replyOutcome, 1)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, exists := c.pending[requestID]; exists {
		return nil, fmt.Errorf("already awaiting a reply for request %s", requestID)
	}
	c.pending[requestID] = slot
	return slot, nil
}

func (c *Client) dropSlot(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

func (c *Client) awaitSlot(requestID string, slot chan replyOutcome, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-slot:
		return out.response, out.err
	case <-timer.C:
		c.dropSlot(requestID)
		// A response may have landed between the timer firing and the
		// delete; prefer it over reporting a timeout.
		select {
		case out := <-slot:
			return out.response, out.err
		default:
		}
		return "", ErrResponseTimeout
	}
}

// AwaitReply blocks until a response envelope matching requestID arrives,
// the deadline elapses (ErrResponseTimeout), or the session drops
// (ErrConnectionLost). The slot is one-shot: a second response for the same
// id, or one arriving after the deadline, is ignored.
//
// Responses that land before AwaitReply is called are lost; when the answer
// can come back instantly, as routing failures do, use Clarify, which
// registers interest before sending.
//
// Timing out does not withdraw the request from the consumer's queue; the
// human may still answer it, and that late reply is dropped here.
func (c *Client) AwaitReply(requestID string, timeout time.Duration) (string, error) {
	slot, err := c.registerSlot(requestID)
	if err != nil {
		return "", err
	}
	return c.awaitSlot(requestID, slot, timeout)
}

// Clarify asks one question and waits for the human's answer. It generates
// the request id, sends the clarification and awaits the reply in one call;
// this is the operation agent-facing adapters bind their clarify tool to.
//
// Parameters:
//   - question: the text put in front of the human, required
//   - context: optional background shown alongside the question
//   - urgency: "low", "medium" or "high"; empty defaults to medium
//   - timeout: how long to wait for the answer
//
// Returns:
//   - string: the human's answer
//   - error: ErrResponseTimeout when nobody answered in time,
//     ErrNoConsumers or ErrQueueFull when the broker could not route,
//     ErrConnectionLost when the session dropped while waiting
//
// Called by: producer front-ends (rubberduck ask, agent adapters)
// Calls: SendClarification(), AwaitReply()
func (c *Client) Clarify(question, context, urgency string, timeout time.Duration) (string, error) {
	req := Clarification{
		ID:       uuid.NewString(),
		Question: question,
		Context:  context,
		Urgency:  urgency,
	}
	slot, err := c.registerSlot(req.ID)
	if err != nil {
		return "", err
	}
	if err := c.SendClarification(req); err != nil {
		c.dropSlot(req.ID)
		return "", err
	}
	return c.awaitSlot(req.ID, slot, timeout)
}

// heartbeatLoop keeps the session alive for one epoch. Send failures are not
// reported; the read loop observes the broken socket.
func (c *Client) heartbeatLoop(ep *epoch) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ep.done:
			return
		case <-ticker.C:
			env, err := wire.NewEnvelope(wire.KindHeartbeat, c.id, c.role, nil)
			if err != nil {
				continue
			}
			env.Sequence = c.seq.Add(1)
			if err := ep.writer.Write(env); err != nil {
				return
			}
		}
	}
}

// emit hands an event to the caller without ever blocking the read path. A
// full channel drops the event with a warning, matching the delivery
// guarantees of the wire itself: best effort, no backpressure onto routing.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", string(ev.Kind)).Msg("event channel full, dropping")
	}
}
