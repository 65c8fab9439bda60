package modelcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"visiond/pkg/types"
)

// sweeper periodically evicts entries idle past the cache's threshold. Each
// cycle is independent: a panic is logged and the next cycle runs anyway.
type sweeper struct {
	cache    *Cache
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

func newSweeper(c *Cache, interval time.Duration, log zerolog.Logger) *sweeper {
	return &sweeper{
		cache:    c,
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
	s.log.Info().Dur("interval", s.interval).Msg("model idle sweeper started")
	for {
		select {
		case <-s.stopCh:
			s.log.Info().Msg("model idle sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce()
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

func (s *sweeper) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("sweep cycle panicked")
		}
	}()

	now := time.Now()
	idle := s.cache.idle

	// First pass without user locks: collect candidates from a snapshot.
	var candidates []string
	for user, info := range s.cache.Snapshot() {
		if info.Status == types.ModelLoading {
			continue
		}
		if now.Sub(info.LastAccess) > idle {
			candidates = append(candidates, user)
		}
	}

	for _, user := range candidates {
		s.evictIfStillIdle(user, now, idle)
	}
}

// evictIfStillIdle re-validates staleness after taking the user's lock so an
// entry accessed while the candidate list was built survives the sweep.
func (s *sweeper) evictIfStillIdle(user string, now time.Time, idle time.Duration) {
	_, release := s.cache.acquireUser(user)
	defer release()

	e := s.cache.getEntry(user)
	if e == nil || e.status == types.ModelLoading {
		return
	}
	if now.Sub(e.lastAccess) <= idle {
		s.log.Debug().Str("user", user).Str("model", e.modelName).
			Msg("entry touched during sweep, keeping")
		return
	}
	name := e.modelName
	s.cache.evictLocked(user, e)
	idleEvictions.Inc()
	s.log.Info().Str("user", user).Str("model", name).Msg("idle model evicted")
}
