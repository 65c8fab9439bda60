package engine

import (
	"context"

	"visiond/internal/fault"
)

// Unavailable is the engine used when no real engine binary is configured.
// It fails fast with a clear error instead of mocking results.
type Unavailable struct{}

func (Unavailable) Load(context.Context, string) (Handle, error) {
	return nil, fault.Internal("model engine not configured")
}

func (Unavailable) Train(context.Context, TrainSpec, ProgressSink) (TrainResult, error) {
	return TrainResult{}, fault.Internal("model engine not configured")
}

func (Unavailable) Validate(context.Context, ValidateSpec, ProgressSink) (ValidateResult, error) {
	return ValidateResult{}, fault.Internal("model engine not configured")
}

var _ Engine = Unavailable{}
