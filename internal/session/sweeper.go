package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// sweeper proactively purges expired sessions so abandoned uploads do not
// wait for the next access to be reclaimed.
type sweeper struct {
	store    *Store
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

func newSweeper(s *Store, interval time.Duration, log zerolog.Logger) *sweeper {
	return &sweeper{
		store:    s,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *sweeper) start() {
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

func (s *sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.interval).Msg("session sweeper started")
	for {
		select {
		case <-s.stopCh:
			s.log.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			s.store.sweepOnce()
		}
	}
}

// stop signals the sweeper and waits for the current cycle, bounded by ctx.
func (s *sweeper) stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
