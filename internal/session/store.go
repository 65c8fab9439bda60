// Package session holds short-lived per-user artifacts: uploaded inputs, the
// last inference outcome, free-form config, and the selected model name.
// Entries self-expire after a TTL; uploaded files on disk are owned by the
// store and removed together with the entry.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"visiond/internal/fault"
	"visiond/pkg/types"
)

// Upload is one incoming file to persist.
type Upload struct {
	Name    string
	Content io.Reader
}

type entry struct {
	files         []types.SessionFile
	result        *types.InferenceOutcome
	config        map[string]string
	selectedModel string
	lastAccess    time.Time
}

// Store is the per-user session state. A single coarse lock guards all
// entries; the workload is request metadata, not hot-path compute.
type Store struct {
	uploadsDir string
	ttl        time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	sweeper *sweeper
}

// Options configure a Store.
type Options struct {
	// UploadsDir is the root for per-user upload directories.
	UploadsDir string
	TTL        time.Duration
	// SweepInterval enables the background sweeper when > 0.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

func New(opts Options) *Store {
	s := &Store{
		uploadsDir: opts.UploadsDir,
		ttl:        opts.TTL,
		log:        opts.Logger,
		entries:    make(map[string]*entry),
	}
	if opts.SweepInterval > 0 {
		s.sweeper = newSweeper(s, opts.SweepInterval, opts.Logger)
	}
	return s
}

// StartSweeper launches the background expiry sweep, if configured.
func (s *Store) StartSweeper() {
	if s.sweeper != nil {
		s.sweeper.start()
	}
}

// Close stops the sweeper and purges every entry and its files.
func (s *Store) Close(ctx context.Context) error {
	var err error
	if s.sweeper != nil {
		err = s.sweeper.stop(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for user := range s.entries {
		s.purgeLocked(user)
	}
	return err
}

// live returns the user's entry, lazily purging it when expired.
func (s *Store) live(user string) *entry {
	e, ok := s.entries[user]
	if !ok {
		return nil
	}
	if time.Since(e.lastAccess) > s.ttl {
		s.purgeLocked(user)
		return nil
	}
	return e
}

// touched returns the user's live entry, creating one if needed, and
// refreshes its timestamp.
func (s *Store) touched(user string) *entry {
	e := s.live(user)
	if e == nil {
		e = &entry{config: make(map[string]string)}
		s.entries[user] = e
		sessionEntries.Set(float64(len(s.entries)))
	}
	e.lastAccess = time.Now()
	return e
}

// purgeLocked drops the entry and deletes its backing files. Best effort on
// disk: a file that cannot be removed is logged, never blocks expiry.
func (s *Store) purgeLocked(user string) {
	e, ok := s.entries[user]
	if !ok {
		return
	}
	s.removeFiles(user, e.files)
	delete(s.entries, user)
	sessionEntries.Set(float64(len(s.entries)))
}

func (s *Store) removeFiles(user string, files []types.SessionFile) {
	for _, f := range files {
		if err := os.Remove(f.StoragePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Str("user", user).Str("path", f.StoragePath).Err(err).
				Msg("failed to remove session file")
		}
	}
	// Drop the user directory too when it is empty.
	_ = os.Remove(s.userDir(user))
}

func (s *Store) userDir(user string) string {
	return filepath.Join(s.uploadsDir, user)
}

// StoreFiles replaces the user's uploaded set. Existing files are purged
// first; a failure mid-save removes the files already written.
func (s *Store) StoreFiles(user string, uploads []Upload) ([]types.SessionFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.touched(user)
	s.removeFiles(user, e.files)
	e.files = nil

	dir := s.userDir(user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "create upload directory", err)
	}

	saved := make([]types.SessionFile, 0, len(uploads))
	for _, up := range uploads {
		sf, err := saveUpload(dir, up)
		if err != nil {
			s.removeFiles(user, saved)
			return nil, err
		}
		saved = append(saved, sf)
	}
	e.files = saved
	return saved, nil
}

// saveUpload writes one upload under dir with a collision-free name. The
// stored name keeps only the base of the client's filename.
func saveUpload(dir string, up Upload) (types.SessionFile, error) {
	base := filepath.Base(strings.ReplaceAll(up.Name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		base = "upload"
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+base)

	f, err := os.Create(path)
	if err != nil {
		return types.SessionFile{}, fault.Wrap(fault.KindInternal,
			fmt.Sprintf("save upload %q", base), err)
	}
	_, err = io.Copy(f, up.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return types.SessionFile{}, fault.Wrap(fault.KindInternal,
			fmt.Sprintf("save upload %q", base), err)
	}
	return types.SessionFile{StoragePath: path, OriginalName: base}, nil
}

// GetFiles returns the user's live uploads. Expired sessions read as empty.
func (s *Store) GetFiles(user string) []types.SessionFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(user)
	if e == nil {
		return nil
	}
	out := make([]types.SessionFile, len(e.files))
	copy(out, e.files)
	return out
}

// StoreResult records the last inference outcome and refreshes the session.
func (s *Store) StoreResult(user string, res *types.InferenceOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched(user).result = res
}

// GetResult returns the stored outcome, or nil when absent or expired.
func (s *Store) GetResult(user string) *types.InferenceOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(user)
	if e == nil {
		return nil
	}
	return e.result
}

// StoreConfig replaces the user's free-form config and refreshes the session.
func (s *Store) StoreConfig(user string, cfg map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touched(user)
	e.config = make(map[string]string, len(cfg))
	for k, v := range cfg {
		e.config[k] = v
	}
}

// GetConfig returns a copy of the user's config, empty when absent.
func (s *Store) GetConfig(user string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(user)
	if e == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.config))
	for k, v := range e.config {
		out[k] = v
	}
	return out
}

// SetSelectedModel records which model the user last loaded.
func (s *Store) SetSelectedModel(user, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched(user).selectedModel = name
}

// GetSelectedModel returns the recorded model name, empty when absent.
func (s *Store) GetSelectedModel(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(user)
	if e == nil {
		return ""
	}
	return e.selectedModel
}

// ClearFiles removes the user's uploads from disk and empties the file list.
// The session itself survives with a refreshed timestamp.
func (s *Store) ClearFiles(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touched(user)
	s.removeFiles(user, e.files)
	e.files = nil
}

// Clear removes the user's uploads and drops the last result.
func (s *Store) Clear(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touched(user)
	s.removeFiles(user, e.files)
	e.files = nil
	e.result = nil
}

// sweepOnce purges every entry past TTL. Called by the background sweeper.
func (s *Store) sweepOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for user, e := range s.entries {
		if now.Sub(e.lastAccess) > s.ttl {
			s.log.Info().Str("user", user).Msg("session expired")
			s.purgeLocked(user)
			sessionExpirations.Inc()
		}
	}
}
