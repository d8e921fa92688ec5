// Package bootstrap guarantees a reachable broker without asking the caller
// to manage one. Ensure probes the configured address first and attaches to
// whatever already listens there; only when the port is silent does it spawn
// a broker inside the calling process.
//
// The spawned broker is an ordinary in-process service, not a daemon: it
// lives exactly as long as its owner and stops with it. Two processes racing
// to spawn resolve through the TCP bind itself, whoever loses the bind
// attaches to the winner.
//
// Called by: rubberduck ask/dev commands, producer-side adapters
// Calls: broker.NewService(), net.DialTimeout() probes
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/superiorsd10/rubberduck-mcp/internal/broker"
	"github.com/superiorsd10/rubberduck-mcp/internal/config"
)

// Mode reports how Ensure satisfied the request.
type Mode string

const (
	// ModeOwner means this process spawned the broker and must Stop it.
	ModeOwner Mode = "owner"
	// ModeAttached means another process already runs one; Stop is a no-op.
	ModeAttached Mode = "attached"
)

// spawnMu serializes Ensure calls within one process so two goroutines do
// not both decide to spawn. Races across processes resolve via the TCP bind.
var spawnMu sync.Mutex

// Options configures Ensure. The zero value probes the default broker
// address and spawns with the default configuration when nothing answers.
type Options struct {
	// Broker configures the spawned broker and names the address to
	// probe. A zero value takes config defaults.
	Broker config.BrokerConfig

	// ProbeTimeout bounds the reachability probe, default 500ms.
	ProbeTimeout time.Duration

	// StartTimeout bounds how long a spawned broker may take to bind,
	// default 5s.
	StartTimeout time.Duration

	// HandleSignals, when true, stops an owned broker on SIGINT/SIGTERM.
	// Leave false when the caller already manages signals.
	HandleSignals bool

	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	def := config.Default().Broker
	if o.Broker.Host == "" {
		o.Broker.Host = def.Host
	}
	if o.Broker.Port == 0 {
		o.Broker.Port = def.Port
	}
	if o.Broker.HeartbeatSeconds == 0 {
		o.Broker.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if o.Broker.ClientTimeoutSeconds == 0 {
		o.Broker.ClientTimeoutSeconds = def.ClientTimeoutSeconds
	}
	if o.Broker.YapBufferMs == 0 {
		o.Broker.YapBufferMs = def.YapBufferMs
	}
	if o.Broker.YapBufferCap == 0 {
		o.Broker.YapBufferCap = def.YapBufferCap
	}
	if o.Broker.MaxClarificationQueue == 0 {
		o.Broker.MaxClarificationQueue = def.MaxClarificationQueue
	}
	if o.Broker.SendQueueSize == 0 {
		o.Broker.SendQueueSize = def.SendQueueSize
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 500 * time.Millisecond
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 5 * time.Second
	}
}

// Broker is the handle Ensure returns. Addr is reachable in both modes;
// Stop tears the broker down only when this process owns it.
type Broker struct {
	mode Mode
	addr string
	log  zerolog.Logger

	cancel   context.CancelFunc
	done     chan error
	sigs     chan os.Signal
	stopOnce sync.Once
}

// Mode reports whether this process owns the broker or attached to one.
func (b *Broker) Mode() Mode { return b.mode }

// Addr is the address clients should dial.
func (b *Broker) Addr() string { return b.addr }

// Stop shuts an owned broker down and waits for it to finish. Attached
// handles do nothing: the broker belongs to another process. Safe to call
// more than once.
func (b *Broker) Stop() {
	if b.mode != ModeOwner {
		return
	}
	b.stopOnce.Do(func() {
		if b.sigs != nil {
			signal.Stop(b.sigs)
			close(b.sigs) // releases the signal goroutine
		}
		b.cancel()
		select {
		case err := <-b.done:
			if err != nil {
				b.log.Warn().Err(err).Msg("broker exited with error")
			}
		case <-time.After(5 * time.Second):
			b.log.Warn().Msg("broker did not stop in time")
		}
	})
}

// Ensure returns a reachable broker: the one already listening on the
// configured address, or a fresh one spawned in this process.
//
// The decision runs in three steps. A TCP probe first; an answer means some
// other process (or an earlier Ensure here) owns the broker and the handle
// attaches. Otherwise a broker service starts in-process and Ensure waits
// for its listener to bind. A bind failure triggers one re-probe: losing
// the bind race to a concurrently starting process is indistinguishable
// from any other bind error, so the port gets the final word.
func Ensure(opts Options) (*Broker, error) {
	opts.applyDefaults()
	log := opts.Logger.With().Str("component", "bootstrap").Logger()
	addr := opts.Broker.Addr()

	spawnMu.Lock()
	defer spawnMu.Unlock()

	if probe(addr, opts.ProbeTimeout) {
		log.Debug().Str("addr", addr).Msg("broker already running, attaching")
		return &Broker{mode: ModeAttached, addr: addr, log: log}, nil
	}

	svc := broker.NewService(opts.Broker, opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		if probe(addr, opts.ProbeTimeout) {
			log.Debug().Str("addr", addr).Msg("lost bind race, attaching")
			return &Broker{mode: ModeAttached, addr: addr, log: log}, nil
		}
		return nil, fmt.Errorf("spawning broker: %w", err)
	case <-time.After(opts.StartTimeout):
		cancel()
		return nil, fmt.Errorf("broker did not become ready within %v", opts.StartTimeout)
	}

	b := &Broker{
		mode:   ModeOwner,
		addr:   svc.Addr(),
		log:    log,
		cancel: cancel,
		done:   done,
	}
	if opts.HandleSignals {
		b.sigs = make(chan os.Signal, 1)
		signal.Notify(b.sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			if sig, ok := <-b.sigs; ok {
				log.Info().Str("signal", sig.String()).Msg("stopping broker")
				b.Stop()
			}
		}()
	}

	log.Info().Str("addr", b.addr).Msg("broker spawned in-process")
	return b, nil
}

// probe reports whether anything accepts TCP connections at addr.
func probe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
