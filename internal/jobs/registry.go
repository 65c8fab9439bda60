package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"visiond/internal/fault"
	"visiond/pkg/types"
)

// CancelSentinel is the marker file the serving process drops into a job's
// directory to request cancellation of a run in another process.
const CancelSentinel = ".cancel"

// Per-job working directories created at submission time.
var jobSubdirs = []string{"input", "dataset", "output", "log"}

// pendingProgress is the most recent throttled report not yet persisted.
type pendingProgress struct {
	progress types.Progress
	metrics  string
}

// Registry is the job coordination surface shared by the HTTP layer and the
// executor. It wraps the store with progress-write throttling, the per-job
// directory layout, and the file-based cancellation sentinel.
type Registry struct {
	store    *Store
	jobsDir  string
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
	pending   map[string]pendingProgress
}

// Options configure a Registry.
type Options struct {
	Store *Store
	// JobsDir is the root of per-job directories, shared with the executor.
	JobsDir string
	// ProgressInterval bounds write amplification: unforced reports within
	// the interval are held back and flushed by the next write or Close.
	ProgressInterval time.Duration
	Logger           zerolog.Logger
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		store:     opts.Store,
		jobsDir:   opts.JobsDir,
		interval:  opts.ProgressInterval,
		log:       opts.Logger,
		lastWrite: make(map[string]time.Time),
		pending:   make(map[string]pendingProgress),
	}
}

// Dir returns the job's private directory.
func (r *Registry) Dir(owner, id string) string {
	return filepath.Join(r.jobsDir, owner, id)
}

// Create registers a new queued job and lays out its working directory.
func (r *Registry) Create(owner string, kind types.JobKind, name, modelIdentifier, datasetName, paramsJSON string, totalEpochs int) (types.Job, error) {
	j := types.Job{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		Kind:            kind,
		Name:            name,
		Status:          types.JobQueued,
		CreatedAt:       time.Now().UTC(),
		ModelIdentifier: modelIdentifier,
		DatasetName:     datasetName,
		ParamsJSON:      paramsJSON,
		Progress:        types.Progress{TotalEpochs: totalEpochs},
	}

	dir := r.Dir(owner, j.ID)
	for _, sub := range jobSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return types.Job{}, fault.Wrap(fault.KindInternal, "create job directory", err)
		}
	}
	if err := r.store.Create(j); err != nil {
		os.RemoveAll(dir)
		return types.Job{}, err
	}
	r.log.Info().Str("job", j.ID).Str("owner", owner).Str("kind", string(kind)).
		Msg("job created")
	return j, nil
}

// Get returns one job scoped to its owner.
func (r *Registry) Get(owner, id string) (types.Job, error) {
	return r.store.Get(owner, id)
}

// List returns the owner's jobs, newest first.
func (r *Registry) List(owner string) ([]types.Job, error) {
	return r.store.ListByOwner(owner)
}

// QueuePosition reports the job's rank among queued jobs.
func (r *Registry) QueuePosition(id string) (types.QueuePosition, error) {
	return r.store.QueuePosition(id)
}

// ClaimNext hands the oldest queued job to the executor.
func (r *Registry) ClaimNext() (*types.Job, error) {
	return r.store.ClaimNext()
}

// Cancel requests cancellation. A queued job is cancelled directly; a running
// one is marked cancelled in the store and a sentinel file is dropped for the
// executor to observe at its next checkpoint. Cancelling an already cancelled
// job is a no-op; completed and failed jobs cannot be cancelled.
func (r *Registry) Cancel(owner, id string) error {
	j, err := r.store.Get(owner, id)
	if err != nil {
		return err
	}
	switch j.Status {
	case types.JobCancelled:
		return nil
	case types.JobCompleted, types.JobFailed:
		return fault.Conflict("job %s already finished as %s", id, j.Status)
	}

	applied, err := r.store.SetTerminal(id, types.JobCancelled, "", "cancelled by user", "cancelled")
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race to another terminal write; nothing left to cancel.
		return fault.Conflict("job %s already finished", id)
	}
	r.dropThrottleState(id)

	// The sentinel is written even for a queued job: the claim may have
	// raced the status read above, and an unclaimed sentinel is removed
	// with the job directory.
	if err := r.SignalCancel(owner, id); err != nil {
		return err
	}
	r.log.Info().Str("job", id).Str("owner", owner).Msg("job cancelled")
	return nil
}

// Delete removes a non-running job and its working directory.
func (r *Registry) Delete(owner, id string) error {
	if err := r.store.Delete(owner, id); err != nil {
		return err
	}
	r.dropThrottleState(id)
	if err := os.RemoveAll(r.Dir(owner, id)); err != nil {
		return fault.Wrap(fault.KindInternal, "remove job directory", err)
	}
	return nil
}

// Report persists executor progress, at most once per interval unless forced.
// Epoch boundaries, best-checkpoint events, and terminal transitions must be
// reported forced. A held-back report is kept and flushed by the next write
// for the same job, or by Close.
func (r *Registry) Report(id string, p types.Progress, metricsJSON string, forced bool) error {
	r.mu.Lock()
	last, seen := r.lastWrite[id]
	if !forced && seen && time.Since(last) < r.interval {
		r.pending[id] = pendingProgress{progress: p, metrics: metricsJSON}
		r.mu.Unlock()
		progressThrottled.Inc()
		return nil
	}
	r.lastWrite[id] = time.Now()
	delete(r.pending, id)
	r.mu.Unlock()

	if err := r.store.UpdateProgress(id, p, metricsJSON); err != nil {
		return err
	}
	progressWrites.Inc()
	return nil
}

// Complete marks a running job completed with its final metrics. The first
// return reports whether the write took effect; false means the job was
// cancelled concurrently and the completion is discarded.
func (r *Registry) Complete(id, metricsJSON string) (bool, error) {
	r.dropThrottleState(id)
	return r.store.SetTerminal(id, types.JobCompleted, metricsJSON, "", "")
}

// Fail marks a running job failed. Same race rule as Complete: a concurrent
// cancellation wins and the failure write is discarded.
func (r *Registry) Fail(id, message, code string) (bool, error) {
	r.dropThrottleState(id)
	return r.store.SetTerminal(id, types.JobFailed, "", message, code)
}

func (r *Registry) dropThrottleState(id string) {
	r.mu.Lock()
	delete(r.lastWrite, id)
	delete(r.pending, id)
	r.mu.Unlock()
}

// Close flushes every held-back progress report. Updates against jobs that
// went terminal in the meantime are discarded by the store.
func (r *Registry) Close() error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]pendingProgress)
	r.mu.Unlock()

	var firstErr error
	for id, p := range pending {
		if err := r.store.UpdateProgress(id, p.progress, p.metrics); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing progress for job %s: %w", id, err)
		}
	}
	return firstErr
}

// logName is the run-log file inside the job's log dir, one per kind.
func logName(kind types.JobKind) string {
	if kind == types.JobValidate {
		return "val_log.txt"
	}
	return "train_log.txt"
}

// LogPath returns where the job's run log lives.
func (r *Registry) LogPath(owner, id string, kind types.JobKind) string {
	return filepath.Join(r.Dir(owner, id), "log", logName(kind))
}

// AppendLog appends one timestamped line to the job's run log.
func (r *Registry) AppendLog(job *types.Job, line string) error {
	f, err := os.OpenFile(r.LogPath(job.OwnerID, job.ID, job.Kind),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "open run log", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line); err != nil {
		return fault.Wrap(fault.KindInternal, "append run log", err)
	}
	return nil
}

// ReadLog returns the job's run log content. A job that never started has no
// log file yet and reads as NotFound.
func (r *Registry) ReadLog(job *types.Job) (string, error) {
	b, err := os.ReadFile(r.LogPath(job.OwnerID, job.ID, job.Kind))
	if os.IsNotExist(err) {
		return "", fault.NotFound("no log recorded for job %s", job.ID)
	}
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "read run log", err)
	}
	return string(b), nil
}

func (r *Registry) sentinelPath(owner, id string) string {
	return filepath.Join(r.Dir(owner, id), CancelSentinel)
}

// SignalCancel drops the zero-byte sentinel the executor polls for.
func (r *Registry) SignalCancel(owner, id string) error {
	dir := r.Dir(owner, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindInternal, "create job directory", err)
	}
	f, err := os.OpenFile(r.sentinelPath(owner, id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "write cancel sentinel", err)
	}
	return f.Close()
}

// CancelRequested reports whether the sentinel is present. Stat errors other
// than absence read as not-requested; the store status remains authoritative.
func (r *Registry) CancelRequested(owner, id string) bool {
	_, err := os.Stat(r.sentinelPath(owner, id))
	return err == nil
}

// ClearSignal removes the sentinel once the executor has acted on it.
func (r *Registry) ClearSignal(owner, id string) {
	if err := os.Remove(r.sentinelPath(owner, id)); err != nil && !os.IsNotExist(err) {
		r.log.Warn().Str("job", id).Err(err).Msg("failed to remove cancel sentinel")
	}
}
