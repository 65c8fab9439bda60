package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"visiond/internal/engine"
	"visiond/internal/fault"
	"visiond/internal/jobs"
	"visiond/pkg/types"
)

type fakeEngine struct {
	train    func(ctx context.Context, spec engine.TrainSpec, sink engine.ProgressSink) (engine.TrainResult, error)
	validate func(ctx context.Context, spec engine.ValidateSpec, sink engine.ProgressSink) (engine.ValidateResult, error)
}

func (e *fakeEngine) Load(context.Context, string) (engine.Handle, error) {
	return nil, fault.Internal("not used in worker tests")
}

func (e *fakeEngine) Train(ctx context.Context, spec engine.TrainSpec, sink engine.ProgressSink) (engine.TrainResult, error) {
	return e.train(ctx, spec, sink)
}

func (e *fakeEngine) Validate(ctx context.Context, spec engine.ValidateSpec, sink engine.ProgressSink) (engine.ValidateResult, error) {
	return e.validate(ctx, spec, sink)
}

func newTestWorker(t *testing.T, eng engine.Engine) (*Worker, *jobs.Registry) {
	t.Helper()
	store, err := jobs.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := jobs.NewRegistry(jobs.Options{
		Store:   store,
		JobsDir: filepath.Join(t.TempDir(), "jobs"),
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() { _ = reg.Close() })
	w := New(Options{
		Registry:  reg,
		Engine:    eng,
		ModelsDir: t.TempDir(),
		Poll:      10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	return w, reg
}

func createFinetune(t *testing.T, reg *jobs.Registry) types.Job {
	t.Helper()
	j, err := reg.Create("u1", types.JobFinetune, "train-run", "base.pt", "atlas-v2.yaml", `{"epochs":"2"}`, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stageDatasetConfig(t, reg, j, "train: images/train\nval: images/val\nnames: [cat, dog]\n")
	return j
}

// stageDatasetConfig drops the user-supplied dataset config into the job's
// dataset dir, as the upload path would.
func stageDatasetConfig(t *testing.T, reg *jobs.Registry, j types.Job, content string) {
	t.Helper()
	p := filepath.Join(reg.Dir(j.OwnerID, j.ID), "dataset", j.DatasetName)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write dataset config: %v", err)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t, &fakeEngine{})
	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed {
		t.Fatal("claimed a job from an empty queue")
	}
}

func TestFinetuneRunsToCompletion(t *testing.T) {
	eng := &fakeEngine{train: func(_ context.Context, spec engine.TrainSpec, sink engine.ProgressSink) (engine.TrainResult, error) {
		if !strings.HasSuffix(spec.ModelPath, filepath.Join("u1", "base.pt")) {
			t.Errorf("unexpected model path %q", spec.ModelPath)
		}
		for epoch := 1; epoch <= 2; epoch++ {
			sink.BatchTick(epoch, 10, 20, "1.2 it/s")
			sink.EpochEnd(epoch, 2, map[string]float64{"map50": 0.5 * float64(epoch)}, epoch == 2)
		}
		return engine.TrainResult{
			Metrics:       map[string]float64{"map50": 1.0},
			BestEpoch:     2,
			BestModelPath: filepath.Join(spec.OutputDir, "best.pt"),
		}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	processed, err := w.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	got, err := reg.Get("u1", j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.JobCompleted {
		t.Fatalf("want completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed job missing completed_at")
	}
	if !strings.Contains(got.MetricsJSON, `"best_epoch":2`) {
		t.Fatalf("final metrics missing best epoch: %s", got.MetricsJSON)
	}
	if got.Progress.CurrentEpoch != 2 {
		t.Fatalf("epoch progress not recorded: %+v", got.Progress)
	}
}

func TestFinetuneRendersDataConfig(t *testing.T) {
	var gotDataCfg string
	eng := &fakeEngine{train: func(_ context.Context, spec engine.TrainSpec, _ engine.ProgressSink) (engine.TrainResult, error) {
		gotDataCfg = spec.DataConfigPath
		return engine.TrainResult{}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := filepath.Join(reg.Dir("u1", j.ID), "input", "data_for_training.yaml")
	if gotDataCfg != want {
		t.Fatalf("engine got data config %q, want %q", gotDataCfg, want)
	}

	raw, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg["train"] != "images/train" || cfg["val"] != "images/val" {
		t.Fatalf("train/val not carried over: %+v", cfg)
	}
	wantPath := filepath.Join(reg.Dir("u1", j.ID), "dataset")
	if cfg["path"] != wantPath {
		t.Fatalf("path = %v, want %q", cfg["path"], wantPath)
	}
}

func TestFinetuneDatasetConfigMissingKeysFails(t *testing.T) {
	trained := false
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		trained = true
		return engine.TrainResult{}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)
	stageDatasetConfig(t, reg, j, "train: images/train\nnames: [cat]\n")

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if trained {
		t.Fatal("engine ran without a usable dataset config")
	}
	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobFailed || got.ErrorCode != "invalid_input" {
		t.Fatalf("unexpected job state: %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, `"val"`) {
		t.Fatalf("failure does not name the missing key: %q", got.ErrorMessage)
	}
}

func TestFinetuneMissingDatasetConfigFails(t *testing.T) {
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		return engine.TrainResult{}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)
	if err := os.Remove(filepath.Join(reg.Dir("u1", j.ID), "dataset", j.DatasetName)); err != nil {
		t.Fatalf("remove dataset config: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobFailed || got.ErrorCode != "not_found" {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestRunLogRecordsLifecycle(t *testing.T) {
	eng := &fakeEngine{train: func(_ context.Context, _ engine.TrainSpec, sink engine.ProgressSink) (engine.TrainResult, error) {
		sink.EpochEnd(1, 2, nil, false)
		sink.EpochEnd(2, 2, map[string]float64{"map50": 0.9}, true)
		return engine.TrainResult{BestEpoch: 2}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	content, err := reg.ReadLog(&j)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	for _, want := range []string{"run started", "epoch 1/2 finished", "epoch 2/2 finished (new best)", "run completed"} {
		if !strings.Contains(content, want) {
			t.Fatalf("run log missing %q:\n%s", want, content)
		}
	}
}

func TestValidateRunsToCompletion(t *testing.T) {
	eng := &fakeEngine{validate: func(_ context.Context, _ engine.ValidateSpec, sink engine.ProgressSink) (engine.ValidateResult, error) {
		sink.BatchTick(0, 50, 50, "")
		return engine.ValidateResult{Metrics: map[string]float64{"precision": 0.88}}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j, err := reg.Create("u1", types.JobValidate, "val-run", "base.pt", "atlas-v2", "", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobCompleted || !strings.Contains(got.MetricsJSON, "precision") {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestEngineFaultMarksJobFailed(t *testing.T) {
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		return engine.TrainResult{}, fault.InvalidInput("dataset manifest is empty")
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
	if got.ErrorMessage != "dataset manifest is empty" || got.ErrorCode != "invalid_input" {
		t.Fatalf("unexpected failure record: %q / %q", got.ErrorMessage, got.ErrorCode)
	}
}

func TestEnginePanicMarksJobFailed(t *testing.T) {
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		panic("CUDA out of memory")
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobFailed || !strings.Contains(got.ErrorMessage, "CUDA out of memory") {
		t.Fatalf("panic not recorded as failure: %+v", got)
	}
}

func TestSentinelBeforeStartSkipsWork(t *testing.T) {
	trained := false
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		trained = true
		return engine.TrainResult{}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)
	// Simulate a cancel landing between the claim and the run.
	if err := reg.SignalCancel("u1", j.ID); err != nil {
		t.Fatalf("SignalCancel: %v", err)
	}

	processed, err := w.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	if trained {
		t.Fatal("engine ran despite pending cancellation")
	}
	if reg.CancelRequested("u1", j.ID) {
		t.Fatal("sentinel not cleared")
	}
}

func TestRunningJobStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	eng := &fakeEngine{train: func(_ context.Context, _ engine.TrainSpec, sink engine.ProgressSink) (engine.TrainResult, error) {
		close(started)
		for i := 0; ; i++ {
			if sink.Cancelled() {
				return engine.TrainResult{Cancelled: true, Message: "stopped by user"}, nil
			}
			sink.BatchTick(1, i, 0, "")
			time.Sleep(5 * time.Millisecond)
		}
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(context.Background())
		done <- err
	}()

	<-started
	if err := reg.Cancel("u1", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}

	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobCancelled {
		t.Fatalf("want cancelled, got %s", got.Status)
	}
	if reg.CancelRequested("u1", j.ID) {
		t.Fatal("sentinel not cleared after acknowledgement")
	}
}

func TestCompletionDiscardedAfterConcurrentCancel(t *testing.T) {
	proceed := make(chan struct{})
	started := make(chan struct{})
	eng := &fakeEngine{train: func(context.Context, engine.TrainSpec, engine.ProgressSink) (engine.TrainResult, error) {
		close(started)
		<-proceed // finishes without ever checking the sentinel
		return engine.TrainResult{Metrics: map[string]float64{"map50": 0.7}}, nil
	}}
	w, reg := newTestWorker(t, eng)
	j := createFinetune(t, reg)

	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(context.Background())
		done <- err
	}()

	<-started
	if err := reg.Cancel("u1", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := reg.Get("u1", j.ID)
	if got.Status != types.JobCancelled {
		t.Fatalf("completion overwrote cancellation: %+v", got)
	}
	if got.MetricsJSON != "" {
		t.Fatalf("discarded completion still wrote metrics: %s", got.MetricsJSON)
	}
	if reg.CancelRequested("u1", j.ID) {
		t.Fatal("sentinel not cleared after discarded completion")
	}
}
