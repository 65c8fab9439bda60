package types

import "time"

// ModelStatus is the lifecycle state of a user's cached model.
type ModelStatus string

const (
	ModelLoading ModelStatus = "loading"
	ModelLoaded  ModelStatus = "loaded"
	ModelError   ModelStatus = "error"
)

// ModelInfo describes a model file in a user's model directory.
type ModelInfo struct {
	// File name of the model, e.g. "yolo-nano.pt".
	Name string `json:"modelname"`
	// Last modification time, formatted for display.
	Modified string `json:"datemodified"`
	// Human-readable size, e.g. "6.2 MB".
	Size string `json:"bytesize"`
}

// Detection is a single detected object in an image.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	// Bounding box as [x1, y1, x2, y2] in image pixels.
	Box [4]float64 `json:"box"`
}

// ImageMetrics are per-image timing and quality figures.
type ImageMetrics struct {
	Resolution        string  `json:"resolution"`
	DetectionTimeMS   float64 `json:"detection_time_ms"`
	ObjectCount       int     `json:"object_count"`
	AverageConfidence float64 `json:"average_confidence"`
}

// InferResult is the outcome of one inference call. Exactly one of the
// success fields or Error is populated; engine faults become Error, they
// never propagate as Go errors from the executor.
type InferResult struct {
	OriginalName   string        `json:"original_filename,omitempty"`
	Detections     []Detection   `json:"json_detections"`
	AnnotatedImage string        `json:"annotated_image_base64,omitempty"`
	Metrics        *ImageMetrics `json:"metrics,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Failed reports whether the result carries an engine failure.
func (r InferResult) Failed() bool { return r.Error != "" }

// BatchMetrics aggregates a Start run across all uploaded images.
type BatchMetrics struct {
	TotalImagesRequested int     `json:"total_images_requested"`
	TotalImagesSucceeded int     `json:"total_images_processed_successfully"`
	BatchTimeMS          float64 `json:"batch_processing_time_ms"`
	SumDetectionTimeMS   float64 `json:"sum_of_individual_detection_time_ms"`
	TotalObjects         int     `json:"total_objects_detected"`
	AvgObjectsPerImage   float64 `json:"average_objects_per_successful_image"`
	BatchAvgConfidence   float64 `json:"batch_average_confidence"`
}

// InferenceOutcome is the stored "last result" for a user session.
type InferenceOutcome struct {
	OverallMetrics BatchMetrics      `json:"overall_metrics"`
	ConfigUsed     map[string]string `json:"inference_config_used"`
	Results        []InferResult     `json:"results_per_image"`
}

// SessionFile is one uploaded input held by the session store.
type SessionFile struct {
	// Absolute path of the stored copy; owned by the session store.
	StoragePath string `json:"storage_path"`
	// Name the client uploaded it as.
	OriginalName string `json:"original_name"`
}

// JobKind identifies the long-running work a job performs.
type JobKind string

const (
	JobFinetune JobKind = "finetune"
	JobValidate JobKind = "validate"
)

// JobStatus is the state-machine position of a job.
// Transitions are queued -> running -> {completed, failed, cancelled},
// plus queued -> cancelled directly. Terminal states never change.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Progress carries the executor-reported counters for a running job.
// For finetune jobs CurrentItem/TotalItems are batches within the epoch;
// for validate jobs they are processed items and CurrentEpoch stays zero.
type Progress struct {
	CurrentEpoch int    `json:"current_epoch"`
	TotalEpochs  int    `json:"total_epochs"`
	CurrentItem  int    `json:"current_item"`
	TotalItems   int    `json:"total_items"`
	Speed        string `json:"speed,omitempty"`
}

// Job is one long-running unit of work executed out of process.
type Job struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Kind        JobKind    `json:"kind"`
	Name        string     `json:"name,omitempty"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Inputs, recorded at creation time.
	ModelIdentifier string `json:"model_identifier,omitempty"`
	DatasetName     string `json:"dataset_name,omitempty"`
	ParamsJSON      string `json:"params_json,omitempty"`

	Progress Progress `json:"progress"`
	// Accumulating structured metrics, versioned by job kind.
	MetricsJSON string `json:"metrics_json,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// QueuePosition is the 1-based rank of a queued job.
type QueuePosition struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}
