// Package service implements the command surface of the daemon: model
// lifecycle, uploads, synchronous inference, and session state. Commands
// arrive as a tagged envelope and are validated here once; handlers below
// this layer work with typed arguments only.
package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/fault"
	"visiond/internal/inference"
	"visiond/internal/modelcache"
	"visiond/internal/session"
	"visiond/pkg/types"
)

// Service wires the per-user model cache, the inference pool, and the
// session store behind the command dispatch.
type Service struct {
	cache    *modelcache.Cache
	exec     *inference.Executor
	sessions *session.Store

	modelsDir    string
	inferTimeout time.Duration
	log          zerolog.Logger
}

// Options configure a Service.
type Options struct {
	Cache    *modelcache.Cache
	Executor *inference.Executor
	Sessions *session.Store
	// ModelsDir is the root of per-user model directories.
	ModelsDir        string
	InferenceTimeout time.Duration
	Logger           zerolog.Logger
}

func New(opts Options) *Service {
	return &Service{
		cache:        opts.Cache,
		exec:         opts.Executor,
		sessions:     opts.Sessions,
		modelsDir:    opts.ModelsDir,
		inferTimeout: opts.InferenceTimeout,
		log:          opts.Logger,
	}
}

// Message is the generic success payload for commands without richer output.
type Message struct {
	Message string `json:"message"`
}

// LoadReply reports the async load state right after a LoadModel command.
type LoadReply struct {
	Status  types.ModelStatus `json:"status"`
	Message string            `json:"message"`
}

// UploadReply lists what an upload command stored.
type UploadReply struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// Execute validates and dispatches one command. Uploads carry the multipart
// file parts for the upload commands and are ignored otherwise.
func (s *Service) Execute(ctx context.Context, user string, env types.CommandEnvelope, uploads []session.Upload) (any, error) {
	if user == "" {
		return nil, fault.InvalidInput("missing user identity")
	}
	switch env.Command {
	case types.CmdLoadModel:
		return s.loadModel(ctx, user, env.Data["modelname"])
	case types.CmdEjectModel:
		return s.ejectModel(user)
	case types.CmdUploadPicture, types.CmdUploadAtlas:
		return s.uploadPictures(user, uploads)
	case types.CmdClear:
		s.sessions.Clear(user)
		return Message{Message: "session inputs and results cleared"}, nil
	case types.CmdStart:
		return s.start(ctx, user, env.Config)
	case types.CmdGetModels:
		return s.listModels(user)
	case types.CmdDownloadOutcome:
		return s.downloadOutcome(user)
	case types.CmdUploadModel:
		return s.uploadModel(user, uploads)
	case types.CmdDeleteModel:
		return s.deleteModel(user, env.Data["modelname"])
	case types.CmdUpdateConfig:
		s.sessions.StoreConfig(user, env.Config)
		return Message{Message: "inference config updated"}, nil
	case "":
		return nil, fault.InvalidInput("missing command")
	default:
		return nil, fault.InvalidInput("unknown command %q", env.Command)
	}
}

func (s *Service) loadModel(ctx context.Context, user, name string) (LoadReply, error) {
	path, err := s.modelPath(user, name)
	if err != nil {
		return LoadReply{}, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return LoadReply{}, fault.NotFound("model %q not found", name)
	}
	status, msg, err := s.cache.Load(ctx, user, name, path)
	if err != nil {
		return LoadReply{}, err
	}
	s.sessions.SetSelectedModel(user, name)
	return LoadReply{Status: status, Message: msg}, nil
}

func (s *Service) ejectModel(user string) (Message, error) {
	msg, err := s.cache.Eject(user)
	if err != nil {
		return Message{}, err
	}
	return Message{Message: msg}, nil
}

func (s *Service) uploadPictures(user string, uploads []session.Upload) (UploadReply, error) {
	if len(uploads) == 0 {
		return UploadReply{}, fault.InvalidInput("no files in upload")
	}
	stored, err := s.sessions.StoreFiles(user, uploads)
	if err != nil {
		return UploadReply{}, err
	}
	names := make([]string, len(stored))
	for i, f := range stored {
		names[i] = f.OriginalName
	}
	return UploadReply{
		Message: fmt.Sprintf("%d file(s) uploaded", len(stored)),
		Files:   names,
	}, nil
}

func (s *Service) downloadOutcome(user string) (*types.InferenceOutcome, error) {
	out := s.sessions.GetResult(user)
	if out == nil {
		return nil, fault.NotFound("no inference result available")
	}
	return out, nil
}
