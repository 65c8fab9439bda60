// Package worker is the out-of-process job executor. It polls the shared
// store for queued jobs, drives the engine's train/validate runs, and reports
// progress back through the registry. Cancellation arrives through the
// sentinel file, never through shared memory.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/engine"
	"visiond/internal/fault"
	"visiond/internal/jobs"
	"visiond/pkg/types"
)

const defaultPoll = 2 * time.Second

// Options configure a Worker.
type Options struct {
	Registry *jobs.Registry
	Engine   engine.Engine
	// ModelsDir is the root of per-user model directories.
	ModelsDir string
	Poll      time.Duration
	Logger    zerolog.Logger
}

// Worker claims and executes jobs one at a time.
type Worker struct {
	reg       *jobs.Registry
	eng       engine.Engine
	modelsDir string
	poll      time.Duration
	log       zerolog.Logger
}

func New(opts Options) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	return &Worker{
		reg:       opts.Registry,
		eng:       opts.Engine,
		modelsDir: opts.ModelsDir,
		poll:      opts.Poll,
		log:       opts.Logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("worker iteration failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes a single job. Returns true when a job was
// claimed, regardless of its outcome. A terminal-write failure is the only
// error that propagates: job-level faults end up in the job record.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.reg.ClaimNext()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// A cancel may have raced the claim: the store is already cancelled and
	// the sentinel is set. Do no work, just acknowledge.
	if w.reg.CancelRequested(job.OwnerID, job.ID) {
		w.log.Info().Str("job", job.ID).Msg("job cancelled before start")
		w.reg.ClearSignal(job.OwnerID, job.ID)
		return true, nil
	}

	if err := w.execute(ctx, job); err != nil {
		return true, err
	}
	return true, nil
}

// execute runs one claimed job to a terminal state.
func (w *Worker) execute(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("job", job.ID).Interface("panic", r).Msg("job run panicked")
			err = w.fail(job, fmt.Sprintf("internal error: %v", r), "internal")
		}
	}()

	params := map[string]string{}
	if job.ParamsJSON != "" {
		if perr := json.Unmarshal([]byte(job.ParamsJSON), &params); perr != nil {
			return w.fail(job, "malformed job parameters: "+perr.Error(), "invalid_input")
		}
	}

	dir := w.reg.Dir(job.OwnerID, job.ID)
	sink := &progressSink{reg: w.reg, job: job, log: w.log}
	modelPath := filepath.Join(w.modelsDir, job.OwnerID, job.ModelIdentifier)
	dataPath := filepath.Join(dir, "dataset", job.DatasetName)
	outDir := filepath.Join(dir, "output")

	w.log.Info().Str("job", job.ID).Str("kind", string(job.Kind)).Msg("job started")
	w.appendLog(job, "run started")
	switch job.Kind {
	case types.JobFinetune:
		dataCfg, derr := prepareDataConfig(dir, job.DatasetName)
		if derr != nil {
			return w.fail(job, derr.Error(), fault.KindOf(derr).String())
		}
		res, rerr := w.eng.Train(ctx, engine.TrainSpec{
			ModelPath:      modelPath,
			DataConfigPath: dataCfg,
			OutputDir:      outDir,
			Params:         params,
		}, sink)
		if rerr != nil {
			return w.fail(job, rerr.Error(), fault.KindOf(rerr).String())
		}
		if res.Cancelled {
			w.acknowledgeCancel(job)
			return nil
		}
		metrics, merr := json.Marshal(map[string]any{
			"metrics":         res.Metrics,
			"best_epoch":      res.BestEpoch,
			"best_model_path": res.BestModelPath,
			"message":         res.Message,
		})
		if merr != nil {
			return w.fail(job, "encoding run metrics: "+merr.Error(), "internal")
		}
		return w.complete(job, string(metrics))

	case types.JobValidate:
		res, rerr := w.eng.Validate(ctx, engine.ValidateSpec{
			ModelPath:      modelPath,
			DataConfigPath: dataPath,
			OutputDir:      outDir,
			Params:         params,
		}, sink)
		if rerr != nil {
			return w.fail(job, rerr.Error(), fault.KindOf(rerr).String())
		}
		if res.Cancelled {
			w.acknowledgeCancel(job)
			return nil
		}
		metrics, merr := json.Marshal(map[string]any{
			"metrics": res.Metrics,
			"message": res.Message,
		})
		if merr != nil {
			return w.fail(job, "encoding run metrics: "+merr.Error(), "internal")
		}
		return w.complete(job, string(metrics))

	default:
		return w.fail(job, fmt.Sprintf("unknown job kind %q", job.Kind), "invalid_input")
	}
}

// appendLog writes a line to the job's run log. Log writes never fail a job.
func (w *Worker) appendLog(job *types.Job, line string) {
	if err := w.reg.AppendLog(job, line); err != nil {
		w.log.Warn().Str("job", job.ID).Err(err).Msg("run log write failed")
	}
}

// acknowledgeCancel removes the sentinel after the engine stopped on it. The
// store status is already cancelled; no further writes are needed.
func (w *Worker) acknowledgeCancel(job *types.Job) {
	w.log.Info().Str("job", job.ID).Msg("job stopped on cancellation")
	w.appendLog(job, "run stopped on cancellation")
	w.reg.ClearSignal(job.OwnerID, job.ID)
}

func (w *Worker) complete(job *types.Job, metricsJSON string) error {
	applied, err := w.reg.Complete(job.ID, metricsJSON)
	if err != nil {
		return fmt.Errorf("persisting completion of job %s: %w", job.ID, err)
	}
	if !applied {
		w.acknowledgeCancel(job)
		return nil
	}
	w.log.Info().Str("job", job.ID).Msg("job completed")
	w.appendLog(job, "run completed")
	return nil
}

func (w *Worker) fail(job *types.Job, message, code string) error {
	applied, err := w.reg.Fail(job.ID, message, code)
	if err != nil {
		return fmt.Errorf("persisting failure of job %s: %w", job.ID, err)
	}
	if !applied {
		w.acknowledgeCancel(job)
		return nil
	}
	w.log.Warn().Str("job", job.ID).Str("code", code).Str("error", message).Msg("job failed")
	w.appendLog(job, "run failed: "+message)
	return nil
}

// progressSink forwards engine checkpoints into the registry's throttled
// write path and exposes the sentinel as the cancellation flag.
type progressSink struct {
	reg *jobs.Registry
	job *types.Job
	log zerolog.Logger
}

func (s *progressSink) EpochEnd(epoch, totalEpochs int, metrics map[string]float64, best bool) {
	var metricsJSON string
	if len(metrics) > 0 {
		if b, err := json.Marshal(metrics); err == nil {
			metricsJSON = string(b)
		}
	}
	p := types.Progress{CurrentEpoch: epoch, TotalEpochs: totalEpochs}
	// Epoch boundaries and best checkpoints are always force-written.
	if err := s.reg.Report(s.job.ID, p, metricsJSON, true); err != nil {
		s.log.Warn().Str("job", s.job.ID).Err(err).Msg("epoch progress write failed")
	}
	line := fmt.Sprintf("epoch %d/%d finished", epoch, totalEpochs)
	if best {
		s.log.Debug().Str("job", s.job.ID).Int("epoch", epoch).Msg("new best checkpoint")
		line += " (new best)"
	}
	if err := s.reg.AppendLog(s.job, line); err != nil {
		s.log.Warn().Str("job", s.job.ID).Err(err).Msg("run log write failed")
	}
}

func (s *progressSink) BatchTick(epoch, item, totalItems int, speed string) {
	p := types.Progress{CurrentEpoch: epoch, CurrentItem: item, TotalItems: totalItems, Speed: speed}
	if err := s.reg.Report(s.job.ID, p, "", false); err != nil {
		s.log.Warn().Str("job", s.job.ID).Err(err).Msg("batch progress write failed")
	}
}

func (s *progressSink) Cancelled() bool {
	return s.reg.CancelRequested(s.job.OwnerID, s.job.ID)
}
