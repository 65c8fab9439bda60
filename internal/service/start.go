package service

import (
	"context"
	"time"

	"visiond/internal/fault"
	"visiond/internal/inference"
	"visiond/pkg/types"
)

// start runs inference over every uploaded session file with the user's
// ready model. Per-image failures (including timeouts) become failure
// entries in the batch; only setup errors abort the whole run.
func (s *Service) start(ctx context.Context, user string, override map[string]string) (*types.InferenceOutcome, error) {
	files := s.sessions.GetFiles(user)
	if len(files) == 0 {
		return nil, fault.InvalidInput("no images uploaded")
	}
	handle, modelName, err := s.cache.GetReady(user)
	if err != nil {
		return nil, err
	}

	// The stored session config is the base; the command's config wins on
	// conflicting keys for this run only.
	cfg := s.sessions.GetConfig(user)
	for k, v := range override {
		cfg[k] = v
	}

	type submission struct {
		file types.SessionFile
		fut  *inference.Future
	}
	subs := make([]submission, 0, len(files))
	began := time.Now()
	for _, f := range files {
		fut, err := s.exec.Submit(handle, f.StoragePath, cfg)
		if err != nil {
			return nil, err
		}
		subs = append(subs, submission{file: f, fut: fut})
	}

	results := make([]types.InferResult, 0, len(subs))
	for _, sub := range subs {
		res, err := sub.fut.Await(s.inferTimeout)
		if err != nil {
			res = types.InferResult{Error: err.Error()}
		}
		res.OriginalName = sub.file.OriginalName
		results = append(results, res)
	}

	outcome := &types.InferenceOutcome{
		OverallMetrics: aggregate(results, time.Since(began)),
		ConfigUsed:     cfg,
		Results:        results,
	}
	s.sessions.StoreResult(user, outcome)
	s.log.Info().Str("user", user).Str("model", modelName).
		Int("images", len(results)).
		Int("succeeded", outcome.OverallMetrics.TotalImagesSucceeded).
		Msg("inference batch finished")
	return outcome, nil
}

func aggregate(results []types.InferResult, batchTime time.Duration) types.BatchMetrics {
	m := types.BatchMetrics{
		TotalImagesRequested: len(results),
		BatchTimeMS:          float64(batchTime.Milliseconds()),
	}
	var confidenceWeight float64
	for _, r := range results {
		if r.Failed() {
			continue
		}
		m.TotalImagesSucceeded++
		m.TotalObjects += len(r.Detections)
		if r.Metrics != nil {
			m.SumDetectionTimeMS += r.Metrics.DetectionTimeMS
			confidenceWeight += r.Metrics.AverageConfidence * float64(len(r.Detections))
		}
	}
	if m.TotalImagesSucceeded > 0 {
		m.AvgObjectsPerImage = float64(m.TotalObjects) / float64(m.TotalImagesSucceeded)
	}
	if m.TotalObjects > 0 {
		m.BatchAvgConfidence = confidenceWeight / float64(m.TotalObjects)
	}
	return m
}
