// Package sweeper implements the Timeout Sweeper: a periodic task that
// destroys sessions that have been inactive past their configured or
// system-default timeout. Grounded on the teacher's internal/reaper
// Run/reapExpired ticker loop, split out of the combined reaper and
// changed from an absolute expires_at column scan to an inactivity-
// duration comparison against last_activity_at, per spec §4.3/§4.5.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/session"
	"github.com/codepod-dev/codepod-go/internal/store"
)

type Sweeper struct {
	store    store.Store
	session  *session.Manager
	cfg      *config.Config
	interval time.Duration
	logger   *slog.Logger
}

func New(st store.Store, sessionMgr *session.Manager, cfg *config.Config, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, session: sessionMgr, cfg: cfg, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass, destroying every Active session past its timeout.
// Errors are logged, never propagated — callers include CleanupExpired,
// the public manual-sweep trigger from spec §6.
func (s *Sweeper) Sweep(ctx context.Context) {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		s.logger.Error("sweeper: list active sessions failed", "error", err)
		return
	}

	now := time.Now().UTC()
	systemDefault := time.Duration(s.cfg.SessionTimeoutSeconds) * time.Second

	for _, sess := range sessions {
		if sess.IsExecutingCommand {
			continue
		}
		timeout := sess.EffectiveTimeout(systemDefault)
		if now.Sub(sess.LastActivityAt) <= timeout {
			continue
		}
		if err := s.session.Destroy(ctx, sess.ID); err != nil {
			s.logger.Error("sweeper: destroy timed-out session failed", "session_id", sess.ID, "error", err)
		}
	}
}
