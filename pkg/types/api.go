package types

// Command names accepted by the service layer. Payloads are validated once
// at the HTTP boundary and dispatched as typed arguments.
const (
	CmdLoadModel       = "LoadModel"
	CmdEjectModel      = "EjectModel"
	CmdUploadPicture   = "UploadPicture"
	CmdUploadAtlas     = "UploadAtlas"
	CmdClear           = "Clear"
	CmdStart           = "Start"
	CmdGetModels       = "GetModels"
	CmdDownloadOutcome = "DownloadOutcome"
	CmdUploadModel     = "UploadModel"
	CmdDeleteModel     = "DeleteModel"
	CmdUpdateConfig    = "UpdateConfig"
)

// CommandEnvelope is the wire shape of a service command.
type CommandEnvelope struct {
	Command string            `json:"command"`
	Data    map[string]string `json:"data,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
}

// ErrorResponse is the JSON error payload returned by the HTTP layer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CreateJobRequest is the body for POST /jobs/{kind}.
type CreateJobRequest struct {
	Name            string            `json:"name,omitempty"`
	ModelIdentifier string            `json:"model_identifier"`
	DatasetName     string            `json:"dataset_name,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

// JobDetails is the response for GET /jobs/{id}. Progress is present while
// running, QueuePosition while queued, BestEpoch when completed.
type JobDetails struct {
	Job
	QueuePos  *QueuePosition `json:"queue_position,omitempty"`
	BestEpoch *int           `json:"best_epoch,omitempty"`
}
