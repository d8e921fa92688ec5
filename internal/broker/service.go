// Package broker implements the central message broker of the rubberduck
// fabric. It accepts TCP connections from producers (agent-side processes)
// and consumers (operator terminals), walks each connection through the
// registration handshake, and hands every envelope to the router.
//
// Key responsibilities:
// - Accept loop and per-connection read loops
// - Registration state machine (register first, exactly one sync back)
// - Liveness monitoring with heartbeat timeouts
// - Teardown propagation into the router's redistribution rules
// - Optional operations listener with Prometheus metrics and health
//
// The broker keeps no durable state; a restart starts from an empty registry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/superiorsd10/rubberduck-mcp/internal/config"
	"github.com/superiorsd10/rubberduck-mcp/internal/router"
	"github.com/superiorsd10/rubberduck-mcp/internal/session"
	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// BrokerID is the client id stamped on envelopes the broker originates.
const BrokerID = "broker"

// Service is one broker instance: listener, registry, router and monitor.
type Service struct {
	cfg config.BrokerConfig
	log zerolog.Logger

	registry *session.Registry
	router   *router.Router
	metrics  *Metrics

	listener net.Listener
	ready    chan struct{}
	started  time.Time
	opsAddr  atomic.Value   // string, set once the operations listener binds
	wg       sync.WaitGroup // live connection handlers
}

// NewService wires a broker from its configuration. Start must be called for
// it to accept connections.
func NewService(cfg config.BrokerConfig, log zerolog.Logger) *Service {
	logger := log.With().Str("component", "broker").Logger()
	registry := session.NewRegistry()
	metrics := NewMetrics()

	return &Service{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		metrics:  metrics,
		router: router.New(registry, router.Options{
			MaxQueue:     cfg.MaxClarificationQueue,
			YapWindow:    cfg.YapBufferWindow(),
			YapBufferCap: cfg.YapBufferCap,
		}, metrics, logger),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the TCP listener is bound. The supervisor and tests
// wait on it instead of polling the port.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr reports the bound listen address. Valid after Ready.
func (s *Service) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// OpsAddr reports the bound operations listener address, empty while it is
// not up (no metrics_addr configured, or not bound yet).
func (s *Service) OpsAddr() string {
	addr, _ := s.opsAddr.Load().(string)
	return addr
}

// Stats exposes the broker's Prometheus collectors.
func (s *Service) Stats() *Metrics { return s.metrics }

// Start binds the listener and runs the accept loop, the liveness monitor
// and, when configured, the operations listener until ctx is cancelled.
// It returns after every session has been torn down.
func (s *Service) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener
	s.started = time.Now()
	close(s.ready)

	s.log.Info().
		Str("addr", s.Addr()).
		Int("max_queue", s.cfg.MaxClarificationQueue).
		Dur("client_timeout", s.cfg.ClientTimeout()).
		Msg("broker listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.listener.Close()
		return nil
	})
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.runMonitor(gctx) })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.runOps(gctx) })
	}

	err = g.Wait()

	// Unblock every read loop, then wait for their teardowns to finish.
	for _, sess := range s.registry.All() {
		sess.Close()
	}
	s.wg.Wait()
	s.router.Close()

	s.log.Info().Msg("broker stopped")
	return err
}

func (s *Service) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection walks one TCP connection through its whole life:
// registration, the envelope read loop, and teardown.
func (s *Service) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	s.metrics.ConnectionsTotal.Inc()
	remote := netConn.RemoteAddr().String()

	reader := wire.NewReader(netConn)
	writer := wire.NewWriter(netConn)

	sess, err := s.register(netConn, reader, writer)
	if err != nil {
		s.log.Info().Err(err).Str("remote", remote).Msg("registration rejected")
		return
	}

	s.log.Info().
		Str("client_id", sess.ID()).
		Str("role", string(sess.Role())).
		Str("remote", remote).
		Msg("session registered")

	reason := s.readLoop(sess, reader, writer)
	s.teardown(sess, reason)
}

// register enforces the registration protocol: the first envelope must be a
// valid register with an unused client id. On success the session exists in
// the registry with its write pump running, and the sync ack sits first in
// its send queue, ahead of anything the router handed the session while it
// was being published. Every failure path emits an error envelope and
// reports why, and the caller closes the connection.
func (s *Service) register(netConn net.Conn, reader *wire.Reader, writer *wire.Writer) (*session.Session, error) {
	// An unregistered connection is not covered by the monitor yet, so the
	// handshake itself gets a deadline.
	_ = netConn.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout()))

	env, err := reader.Next()
	if err != nil {
		var dec *wire.DecodeError
		if errors.As(err, &dec) {
			s.metrics.WireErrors.Inc()
			s.writeError(writer, "malformed envelope: "+dec.Err.Error())
		}
		return nil, fmt.Errorf("reading register envelope: %w", err)
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if env.Type != wire.KindRegister {
		msg := fmt.Sprintf("expected register envelope, got %s", env.Type)
		s.writeError(writer, msg)
		return nil, errors.New(msg)
	}
	if err := env.Validate(); err != nil {
		s.writeError(writer, err.Error())
		return nil, fmt.Errorf("invalid register envelope: %w", err)
	}

	sess := session.New(env.ClientID, env.ClientType, netConn, s.cfg.SendQueueSize, s.log)

	// The ack is buffered before the registry publishes the session, and the
	// pump only starts after that. The router can pick the session the moment
	// it is in the registry, so any envelope it delivers lands behind the ack.
	sync, err := wire.NewEnvelope(wire.KindSync, BrokerID, wire.RoleBroker, wire.SyncPayload{Status: wire.SyncRegistered})
	if err == nil {
		err = sess.Enqueue(sync)
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("sync delivery failed: %w", err)
	}

	if err := s.registry.Add(sess); err != nil {
		s.writeError(writer, fmt.Sprintf("client id already registered: %s", env.ClientID))
		sess.Close()
		return nil, fmt.Errorf("%w: %s", err, env.ClientID)
	}

	go sess.Run()
	s.metrics.sessionRegistered(sess.Role())

	if sess.Role() == wire.RoleConsumer {
		s.router.ConsumerRegistered(sess.ID())
	}
	return sess, nil
}

// readLoop consumes envelopes until the transport dies or the client breaks
// protocol. It returns the teardown reason for the log.
func (s *Service) readLoop(sess *session.Session, reader *wire.Reader, writer *wire.Writer) string {
	for {
		env, err := reader.Next()
		if err != nil {
			var dec *wire.DecodeError
			if errors.As(err, &dec) {
				// Malformed line on a registered connection: report and
				// keep the session alive.
				s.metrics.WireErrors.Inc()
				s.log.Warn().
					Str("client_id", sess.ID()).
					Str("line", preview(dec.Line)).
					Msg("malformed envelope")
				s.sendError(sess, "malformed envelope: "+dec.Err.Error())
				continue
			}
			switch {
			case sess.Stale():
				return "stale"
			case errors.Is(err, io.EOF):
				return "closed by peer"
			case errors.Is(err, net.ErrClosed):
				return "closed"
			default:
				s.log.Debug().Err(err).Str("client_id", sess.ID()).Msg("read failed")
				return "read error"
			}
		}

		sess.Touch()
		if stop := s.dispatch(sess, writer, env); stop {
			return "protocol error"
		}
	}
}

// dispatch routes one inbound envelope. The returned flag tells the read
// loop to stop and tear the session down.
func (s *Service) dispatch(sess *session.Session, writer *wire.Writer, env *wire.Envelope) bool {
	switch env.Type {
	case wire.KindHeartbeat:
		// Touch already happened; nothing else to do.

	case wire.KindRegister:
		// Re-registering a live connection is a protocol error and closes it.
		s.writeError(writer, "connection already registered")
		return true

	case wire.KindClarification:
		if sess.Role() != wire.RoleProducer {
			s.sendError(sess, "clarification requires a producer session")
			return false
		}
		requestID, err := s.router.RouteClarification(env)
		switch {
		case err == nil:
		case errors.Is(err, router.ErrNoConsumers) || errors.Is(err, router.ErrQueueFull):
			s.sendFailureResponse(sess, requestID, err.Error())
		default:
			s.sendError(sess, err.Error())
		}

	case wire.KindYap:
		if sess.Role() != wire.RoleProducer {
			s.sendError(sess, "yap requires a producer session")
			return false
		}
		if err := s.router.RouteYap(env); err != nil {
			s.sendError(sess, err.Error())
		}

	case wire.KindResponse:
		if sess.Role() != wire.RoleConsumer {
			s.sendError(sess, "response requires a consumer session")
			return false
		}
		if err := s.router.HandleReply(env); err != nil {
			s.sendError(sess, err.Error())
		}

	default:
		// sync and error only ever travel broker to client.
		s.sendError(sess, fmt.Sprintf("unsupported envelope type: %s", env.Type))
	}
	return false
}

func (s *Service) teardown(sess *session.Session, reason string) {
	s.registry.Remove(sess.ID())
	s.router.SessionGone(sess.ID(), sess.Role())
	sess.Close()
	s.metrics.sessionClosed(sess.Role())

	s.log.Info().
		Str("client_id", sess.ID()).
		Str("role", string(sess.Role())).
		Str("reason", reason).
		Msg("session closed")
}

// sendFailureResponse tells a producer that its clarification went nowhere:
// a response envelope with a null response and the failure text.
func (s *Service) sendFailureResponse(sess *session.Session, requestID, reason string) {
	if requestID == "" {
		s.sendError(sess, reason)
		return
	}
	env, err := wire.NewEnvelope(wire.KindResponse, BrokerID, wire.RoleBroker, wire.ResponsePayload{
		RequestID: requestID,
		Error:     reason,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("building failure response")
		return
	}
	if err := sess.Enqueue(env); err != nil {
		s.log.Debug().Err(err).Str("client_id", sess.ID()).Msg("failure response not delivered")
	}
}

// sendError emits an error envelope through the session queue; the
// connection stays open.
func (s *Service) sendError(sess *session.Session, msg string) {
	env, err := wire.NewEnvelope(wire.KindError, BrokerID, wire.RoleBroker, wire.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	if err := sess.Enqueue(env); err != nil {
		s.log.Debug().Err(err).Str("client_id", sess.ID()).Msg("error envelope not delivered")
	}
}

// writeError emits an error envelope directly on the transport. Used before
// a session exists and on fatal protocol errors where the connection is
// closed right after.
func (s *Service) writeError(writer *wire.Writer, msg string) {
	env, err := wire.NewEnvelope(wire.KindError, BrokerID, wire.RoleBroker, wire.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	_ = writer.Write(env)
}

// preview truncates a wire line for log output.
func preview(line []byte) string {
	const max = 120
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
