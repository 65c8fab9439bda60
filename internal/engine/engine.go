// Package engine defines the boundary to the external model engine that
// performs the actual load/predict/train/validate work. The core only ever
// talks to these interfaces; engine faults are caught at the cache and
// executor boundaries and never escape as crashes.
package engine

import (
	"context"

	"visiond/pkg/types"
)

// Handle is an opaque loaded model. A handle is exclusively owned by the
// cache entry that produced it; Close releases the underlying resources and
// must be safe to call once the handle is no longer referenced.
type Handle interface {
	// Predict runs one inference call against the loaded model.
	Predict(ctx context.Context, imagePath string, config map[string]string) (types.InferResult, error)
	Close() error
}

// ProgressSink receives training/validation checkpoints from the engine.
// Implementations forward into the job registry's rate-limited write path.
// Cancelled is the cooperative cancellation checkpoint: the engine must
// consult it at least once per iteration and stop promptly when it reports
// true.
type ProgressSink interface {
	// EpochEnd marks an epoch boundary. best reports whether this epoch
	// produced the best checkpoint so far. Always force-written.
	EpochEnd(epoch, totalEpochs int, metrics map[string]float64, best bool)
	// BatchTick reports within-epoch progress. Rate-limited downstream.
	BatchTick(epoch, item, totalItems int, speed string)
	Cancelled() bool
}

// TrainSpec names the inputs of one training run.
type TrainSpec struct {
	ModelPath      string
	DataConfigPath string
	OutputDir      string
	Params         map[string]string
}

// TrainResult summarizes a finished (or cancelled) training run.
type TrainResult struct {
	Cancelled     bool
	Message       string
	Metrics       map[string]float64
	BestEpoch     int
	BestModelPath string
}

// ValidateSpec names the inputs of one validation run.
type ValidateSpec struct {
	ModelPath      string
	DataConfigPath string
	OutputDir      string
	Params         map[string]string
}

// ValidateResult carries the final validation metrics.
type ValidateResult struct {
	Cancelled bool
	Message   string
	Metrics   map[string]float64
}

// Engine is the external model engine. Load produces an exclusively owned
// handle; Train and Validate block until the run finishes, is cancelled via
// the sink, or ctx is done.
type Engine interface {
	Load(ctx context.Context, modelPath string) (Handle, error)
	Train(ctx context.Context, spec TrainSpec, sink ProgressSink) (TrainResult, error)
	Validate(ctx context.Context, spec ValidateSpec, sink ProgressSink) (ValidateResult, error)
}
