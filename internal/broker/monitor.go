package broker

import (
	"context"
	"time"
)

// runMonitor sweeps the registry once per heartbeat interval and force-closes
// sessions whose last inbound envelope lags by more than the client timeout.
// Closing the transport unblocks the session's read loop, which runs the
// normal teardown path; the monitor itself never touches router state.
func (s *Service) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	cutoff := time.Now().Add(-s.cfg.ClientTimeout())
	for _, sess := range s.registry.All() {
		if sess.LastSeen().After(cutoff) {
			continue
		}
		s.metrics.StaleSessions.Inc()
		s.log.Warn().
			Str("client_id", sess.ID()).
			Str("role", string(sess.Role())).
			Time("last_seen", sess.LastSeen()).
			Msg("session stale, force closing")
		sess.MarkStale()
		sess.Close()
	}
}
