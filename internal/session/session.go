// Package session holds the broker-side connection state: one Session per
// accepted TCP connection and a Registry indexing sessions by client id and
// role.
//
// A session owns its transport exclusively. Outbound envelopes are queued on
// a bounded channel and written by a single pump goroutine, so routing code
// never performs socket I/O. The registry holds lookup references only.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

var (
	// ErrDuplicateID rejects a registration whose id already identifies a
	// live session.
	ErrDuplicateID = errors.New("client id already registered")

	// ErrQueueOverflow reports a send queue that filled up faster than the
	// peer drained it. The session is closed when this happens.
	ErrQueueOverflow = errors.New("session send queue overflow")

	// ErrSessionClosed reports an enqueue on a session that is already gone.
	ErrSessionClosed = errors.New("session closed")
)

// writeTimeout bounds a single frame write so one wedged peer cannot stall
// its pump forever.
const writeTimeout = 5 * time.Second

// Session is the broker-side state for one registered client connection.
type Session struct {
	id   string
	role wire.Role
	conn net.Conn
	log  zerolog.Logger

	sendq chan []byte
	done  chan struct{}
	once  sync.Once

	lastSeen     atomic.Int64 // unix nanos of the last inbound envelope
	seq          atomic.Int64 // outbound sequence counter
	stale        atomic.Bool  // set by the liveness monitor before force-close
	registeredAt time.Time
}

// New creates a session for an accepted connection that has completed
// registration. Run must be started for outbound frames to flow.
func New(id string, role wire.Role, conn net.Conn, queueSize int, log zerolog.Logger) *Session {
	s := &Session{
		id:   id,
		role: role,
		conn: conn,
		log: log.With().
			Str("component", "session").
			Str("client_id", id).
			Str("role", string(role)).
			Logger(),
		sendq:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		registeredAt: time.Now(),
	}
	s.Touch()
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Role() wire.Role         { return s.role }
func (s *Session) RemoteAddr() string      { return s.conn.RemoteAddr().String() }
func (s *Session) RegisteredAt() time.Time { return s.registeredAt }

// Touch records inbound activity. Every received envelope, heartbeats
// included, refreshes the liveness clock.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound envelope.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// MarkStale tags the session as expired by the liveness monitor so the
// teardown path can tell a forced close from a peer-initiated one.
func (s *Session) MarkStale() { s.stale.Store(true) }

// Stale reports whether the liveness monitor expired this session.
func (s *Session) Stale() bool { return s.stale.Load() }

// Enqueue stamps the envelope with the next outbound sequence number and
// queues its wire form for the pump.
//
// The call never blocks. A full queue means the peer has stopped draining;
// the session is closed and ErrQueueOverflow returned so the caller can
// treat it as a disconnect.
func (s *Session) Enqueue(env *wire.Envelope) error {
	env.Sequence = s.seq.Add(1)
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.sendq <- frame:
		return nil
	default:
		s.log.Warn().Int("queue_size", cap(s.sendq)).Msg("send queue overflow, closing session")
		s.Close()
		return ErrQueueOverflow
	}
}

// Run writes queued frames to the transport until the session closes or a
// write fails. It is the only goroutine that touches the socket's write
// side. Buffered frames are dropped at close.
func (s *Session) Run() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.sendq:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.Close()
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.Close()
				return
			}
		}
	}
}

// Close tears the session down. Safe to call from any goroutine, any number
// of times. Closing the transport also unblocks the connection's read loop.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
