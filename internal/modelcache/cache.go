// Package modelcache guarantees each user at most one active model, loads
// asynchronously, and evicts idle entries in the background.
package modelcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/engine"
	"visiond/internal/fault"
	"visiond/pkg/types"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultIdleTimeout   = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

// entry is one user's cache slot. All fields are guarded by that user's lock.
type entry struct {
	modelName  string
	status     types.ModelStatus
	handle     engine.Handle
	errMsg     string
	lastAccess time.Time
	// gen is the slot's generation, snapshotted from the user's counter at
	// load start, so a load task finishing late can tell its result is
	// stale and discard it.
	gen uint64
}

// userLock is refcounted so the map entry can be pruned safely: it is only
// removed when nothing holds a reference and the user has no cache entry.
// Every in-flight load task holds a reference, which keeps gen alive across
// eject-then-reload of the same model name.
type userLock struct {
	mu   sync.Mutex
	refs int
	// gen increments on every load start and never resets while any load
	// task for the user is in flight.
	gen uint64
}

// Options configure a Cache.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Cache is the per-user single-model cache.
type Cache struct {
	eng  engine.Engine
	log  zerolog.Logger
	idle time.Duration

	// lockMu guards the locks map only; per-entry state is guarded by the
	// entry's userLock. Operations on different users never contend.
	lockMu sync.Mutex
	locks  map[string]*userLock

	// entriesMu guards the entries map structure, not entry contents.
	entriesMu sync.RWMutex
	entries   map[string]*entry

	sweeper *sweeper
}

// New constructs a Cache backed by eng.
func New(eng engine.Engine, opts Options) *Cache {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	c := &Cache{
		eng:     eng,
		log:     opts.Logger,
		idle:    opts.IdleTimeout,
		locks:   make(map[string]*userLock),
		entries: make(map[string]*entry),
	}
	c.sweeper = newSweeper(c, opts.SweepInterval, opts.Logger)
	return c
}

// acquireUser locks the given user's slot. The returned release func must be
// called exactly once.
func (c *Cache) acquireUser(user string) (*userLock, func()) {
	ul := c.retainUser(user)
	ul.mu.Lock()
	return ul, func() {
		ul.mu.Unlock()
		c.releaseUser(user)
	}
}

// retainUser takes a reference on the user's lock-map entry without locking
// it. Each retain must be paired with one releaseUser.
func (c *Cache) retainUser(user string) *userLock {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	ul, ok := c.locks[user]
	if !ok {
		ul = &userLock{}
		c.locks[user] = ul
	}
	ul.refs++
	return ul
}

func (c *Cache) releaseUser(user string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	ul, ok := c.locks[user]
	if !ok {
		return
	}
	ul.refs--
	if ul.refs == 0 {
		c.entriesMu.RLock()
		_, live := c.entries[user]
		c.entriesMu.RUnlock()
		if !live {
			delete(c.locks, user)
		}
	}
}

func (c *Cache) getEntry(user string) *entry {
	c.entriesMu.RLock()
	defer c.entriesMu.RUnlock()
	return c.entries[user]
}

func (c *Cache) putEntry(user string, e *entry) {
	c.entriesMu.Lock()
	c.entries[user] = e
	c.entriesMu.Unlock()
}

func (c *Cache) dropEntry(user string) {
	c.entriesMu.Lock()
	delete(c.entries, user)
	c.entriesMu.Unlock()
}

// Load ensures the user's slot targets modelName, starting an asynchronous
// load when needed. It returns the slot's status after the call plus a
// human-readable message.
func (c *Cache) Load(ctx context.Context, user, modelName, modelPath string) (types.ModelStatus, string, error) {
	ul, release := c.acquireUser(user)
	defer release()

	e := c.getEntry(user)
	if e != nil && e.modelName == modelName {
		switch e.status {
		case types.ModelLoaded:
			e.lastAccess = time.Now()
			return types.ModelLoaded, fmt.Sprintf("model %q already loaded", modelName), nil
		case types.ModelLoading:
			return types.ModelLoading, fmt.Sprintf("model %q load in progress", modelName), nil
		case types.ModelError:
			c.log.Info().Str("user", user).Str("model", modelName).
				Str("last_error", e.errMsg).Msg("retrying failed load")
		}
	}
	if e != nil && e.modelName != modelName {
		c.log.Info().Str("user", user).Str("old", e.modelName).Str("new", modelName).
			Msg("evicting model before switch")
		c.evictLocked(user, e)
		e = nil
	}

	ul.gen++
	gen := ul.gen
	ne := &entry{
		modelName:  modelName,
		status:     types.ModelLoading,
		lastAccess: time.Now(),
		gen:        gen,
	}
	c.putEntry(user, ne)

	// The load task keeps the generation counter alive until it finishes,
	// even if the entry is ejected in the meantime.
	c.retainUser(user)
	go c.loadTask(ctx, user, modelName, modelPath, gen)
	c.log.Info().Str("user", user).Str("model", modelName).Msg("async load started")
	return types.ModelLoading, fmt.Sprintf("model %q loading started", modelName), nil
}

// loadTask runs off the request goroutine. On completion it installs the
// handle only if the slot still expects this exact load; a superseded or
// ejected load discards (closes) its handle instead.
func (c *Cache) loadTask(ctx context.Context, user, modelName, modelPath string, gen uint64) {
	defer c.releaseUser(user)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("user", user).Str("model", modelName).
				Interface("panic", r).Msg("engine panicked during load")
			c.finishLoad(user, modelName, gen, nil, fmt.Errorf("engine panic: %v", r))
		}
	}()

	start := time.Now()
	h, err := c.eng.Load(ctx, modelPath)
	if err != nil {
		c.log.Warn().Str("user", user).Str("model", modelName).Err(err).Msg("load failed")
	} else {
		c.log.Info().Str("user", user).Str("model", modelName).
			Dur("dur", time.Since(start)).Msg("load finished")
	}
	c.finishLoad(user, modelName, gen, h, err)
}

func (c *Cache) finishLoad(user, modelName string, gen uint64, h engine.Handle, loadErr error) {
	_, release := c.acquireUser(user)
	defer release()

	e := c.getEntry(user)
	stale := e == nil || e.gen != gen || e.modelName != modelName || e.status != types.ModelLoading
	if stale {
		if h != nil {
			if err := h.Close(); err != nil {
				c.log.Warn().Str("user", user).Str("model", modelName).Err(err).
					Msg("closing stale handle")
			}
		}
		c.log.Info().Str("user", user).Str("model", modelName).
			Msg("load result discarded, slot superseded")
		return
	}

	if loadErr != nil {
		e.status = types.ModelError
		e.errMsg = loadErr.Error()
		e.handle = nil
		return
	}
	e.status = types.ModelLoaded
	e.handle = h
	e.errMsg = ""
	e.lastAccess = time.Now()
	loadedModels.Inc()
}

// evictLocked removes the user's entry. Caller holds the user's lock.
// A loaded handle is closed; an in-flight load is left to discover it was
// superseded, since any later load draws a higher generation from the
// user's counter.
func (c *Cache) evictLocked(user string, e *entry) {
	if e.status == types.ModelLoaded && e.handle != nil {
		if err := e.handle.Close(); err != nil {
			c.log.Warn().Str("user", user).Str("model", e.modelName).Err(err).
				Msg("closing handle on evict")
		}
		loadedModels.Dec()
	}
	e.handle = nil
	c.dropEntry(user)
}

// Eject removes the user's active entry. Ejecting with no active entry is a
// success no-op.
func (c *Cache) Eject(user string) (string, error) {
	_, release := c.acquireUser(user)
	defer release()

	e := c.getEntry(user)
	if e == nil {
		return "no active model to eject", nil
	}
	name := e.modelName
	c.evictLocked(user, e)
	c.log.Info().Str("user", user).Str("model", name).Msg("model ejected")
	return fmt.Sprintf("model %q ejected", name), nil
}

// GetReady returns the user's handle if and only if the slot is loaded.
// The access refreshes the idle timestamp.
func (c *Cache) GetReady(user string) (engine.Handle, string, error) {
	_, release := c.acquireUser(user)
	defer release()

	e := c.getEntry(user)
	if e == nil {
		return nil, "", fault.NotFound("no model loaded")
	}
	switch e.status {
	case types.ModelLoading:
		return nil, e.modelName, fault.Conflict("model %q is still loading", e.modelName)
	case types.ModelError:
		return nil, e.modelName, fault.Internal("model %q failed to load: %s", e.modelName, e.errMsg)
	}
	if e.handle == nil {
		return nil, e.modelName, fault.Internal("model %q loaded but handle missing", e.modelName)
	}
	e.lastAccess = time.Now()
	return e.handle, e.modelName, nil
}

// Touch refreshes the user's idle timestamp if an entry exists.
func (c *Cache) Touch(user string) {
	_, release := c.acquireUser(user)
	defer release()
	if e := c.getEntry(user); e != nil {
		e.lastAccess = time.Now()
	}
}

// ActiveModel returns the model name the user's slot targets, if any.
func (c *Cache) ActiveModel(user string) (string, bool) {
	_, release := c.acquireUser(user)
	defer release()
	e := c.getEntry(user)
	if e == nil {
		return "", false
	}
	return e.modelName, true
}

// EntryInfo is a read-only projection of one cache slot.
type EntryInfo struct {
	ModelName  string            `json:"model_name"`
	Status     types.ModelStatus `json:"status"`
	Err        string            `json:"error,omitempty"`
	LastAccess time.Time         `json:"last_access"`
}

// Snapshot returns a read-only view of all entries.
func (c *Cache) Snapshot() map[string]EntryInfo {
	c.entriesMu.RLock()
	defer c.entriesMu.RUnlock()
	out := make(map[string]EntryInfo, len(c.entries))
	for user, e := range c.entries {
		out[user] = EntryInfo{
			ModelName:  e.modelName,
			Status:     e.status,
			Err:        e.errMsg,
			LastAccess: e.lastAccess,
		}
	}
	return out
}

// StartSweeper launches the idle-eviction sweeper.
func (c *Cache) StartSweeper() { c.sweeper.start() }

// Close stops the sweeper and ejects every entry.
func (c *Cache) Close(ctx context.Context) error {
	if err := c.sweeper.stop(ctx); err != nil {
		return err
	}
	c.entriesMu.RLock()
	users := make([]string, 0, len(c.entries))
	for u := range c.entries {
		users = append(users, u)
	}
	c.entriesMu.RUnlock()
	for _, u := range users {
		if _, err := c.Eject(u); err != nil {
			return err
		}
	}
	return nil
}
