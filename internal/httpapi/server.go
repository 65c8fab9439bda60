// Package httpapi is the HTTP surface of the daemon: the command endpoint,
// the jobs API, and the operational endpoints.
package httpapi

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"visiond/internal/jobs"
	"visiond/internal/modelcache"
	"visiond/internal/service"
	"visiond/internal/session"
	"visiond/pkg/types"
)

// maxBodyBytes bounds command request bodies; uploads dominate the size.
const maxBodyBytes int64 = 64 << 20

// Options configure the HTTP mux.
type Options struct {
	Service  *service.Service
	Registry *jobs.Registry
	// Ready reports whether the daemon can take traffic.
	Ready func() bool
	// Snapshot exposes the model cache state on /status; nil disables the
	// endpoint.
	Snapshot    func() map[string]modelcache.EntryInfo
	CORSEnabled bool
	CORSOrigins []string
	Logger      zerolog.Logger
}

type server struct {
	svc *service.Service
	reg *jobs.Registry
	log zerolog.Logger
}

// NewMux builds the router.
func NewMux(opts Options) http.Handler {
	s := &server{svc: opts.Service, reg: opts.Registry, log: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if opts.CORSEnabled {
		origins := opts.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", userHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready == nil || opts.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if opts.Snapshot != nil {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, opts.Snapshot())
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware)
		r.Post("/command", s.handleCommand)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/{kind}", s.handleCreateJob)
			r.Get("/{id}", s.handleJobDetails)
			r.Get("/{id}/logs", s.handleJobLogs)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Delete("/{id}", s.handleDeleteJob)
		})
	})

	return r
}

// handleCommand accepts either a JSON envelope or a multipart form with a
// "command" field and the files under "files".
func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var env types.CommandEnvelope
	var uploads []session.Upload

	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed multipart form")
			return
		}
		env.Command = r.FormValue("command")
		if raw := r.FormValue("data"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &env.Data); err != nil {
				writeJSONError(w, http.StatusBadRequest, "malformed data field")
				return
			}
		}
		if raw := r.FormValue("config"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &env.Config); err != nil {
				writeJSONError(w, http.StatusBadRequest, "malformed config field")
				return
			}
		}
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable file part")
				return
			}
			defer f.Close()
			uploads = append(uploads, session.Upload{Name: fh.Filename, Content: f})
		}

	case strings.HasPrefix(mediaType, "application/json"):
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}

	default:
		writeJSONError(w, http.StatusUnsupportedMediaType,
			"Content-Type must be application/json or multipart/form-data")
		return
	}

	out, err := s.svc.Execute(r.Context(), userFrom(r), env, uploads)
	if err != nil {
		s.log.Warn().Str("command", env.Command).Err(err).Msg("command failed")
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	kind := types.JobKind(chi.URLParam(r, "kind"))
	if kind != types.JobFinetune && kind != types.JobValidate {
		writeJSONError(w, http.StatusBadRequest, "unknown job kind")
		return
	}

	var req types.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ModelIdentifier == "" {
		writeJSONError(w, http.StatusBadRequest, "missing model_identifier")
		return
	}

	var paramsJSON string
	if len(req.Params) > 0 {
		b, err := json.Marshal(req.Params)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed params")
			return
		}
		paramsJSON = string(b)
	}
	totalEpochs, _ := strconv.Atoi(req.Params["epochs"])

	job, err := s.reg.Create(userFrom(r), kind, req.Name,
		req.ModelIdentifier, req.DatasetName, paramsJSON, totalEpochs)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.reg.List(userFrom(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if list == nil {
		list = []types.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reg.Get(userFrom(r), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	details := types.JobDetails{Job: job}
	switch job.Status {
	case types.JobQueued:
		qp, err := s.reg.QueuePosition(id)
		if err != nil {
			writeFault(w, err)
			return
		}
		details.QueuePos = &qp
	case types.JobCompleted:
		if be := bestEpochFrom(job.MetricsJSON); be != nil {
			details.BestEpoch = be
		}
	}
	writeJSON(w, http.StatusOK, details)
}

// bestEpochFrom extracts the best epoch recorded in the final run metrics.
func bestEpochFrom(metricsJSON string) *int {
	if metricsJSON == "" {
		return nil
	}
	var payload struct {
		BestEpoch *int `json:"best_epoch"`
	}
	if err := json.Unmarshal([]byte(metricsJSON), &payload); err != nil {
		return nil
	}
	return payload.BestEpoch
}

// handleJobLogs serves the job's run log as plain text. Ownership is
// enforced by the job lookup.
func (s *server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Get(userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	content, err := s.reg.ReadLog(&job)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(content))
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Cancel(userFrom(r), id); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service.Message{Message: "cancellation requested"})
}

func (s *server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Delete(userFrom(r), chi.URLParam(r, "id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
