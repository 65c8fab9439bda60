package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visiond/internal/config"
	"visiond/internal/engine"
	"visiond/internal/httpapi"
	"visiond/internal/inference"
	"visiond/internal/jobs"
	"visiond/internal/modelcache"
	"visiond/internal/service"
	"visiond/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP serving process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return runServe(cfg, log)
		},
	}
}

func runServe(cfg config.Config, log zerolog.Logger) error {
	store, err := jobs.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	reg := jobs.NewRegistry(jobs.Options{
		Store:            store,
		JobsDir:          cfg.JobsDir(),
		ProgressInterval: cfg.ProgressWriteInterval.Std(),
		Logger:           log,
	})
	defer reg.Close()

	eng := engine.Unavailable{}
	cache := modelcache.New(eng, modelcache.Options{
		IdleTimeout:   cfg.ModelIdleTimeout.Std(),
		SweepInterval: cfg.ModelSweepInterval.Std(),
		Logger:        log,
	})
	cache.StartSweeper()

	sessions := session.New(session.Options{
		UploadsDir:    cfg.UploadsDir(),
		TTL:           cfg.SessionTTL.Std(),
		SweepInterval: cfg.SessionSweepInterval.Std(),
		Logger:        log,
	})
	sessions.StartSweeper()

	exec := inference.New(inference.Options{
		Workers: cfg.InferenceWorkers,
		Logger:  log,
	})

	svc := service.New(service.Options{
		Cache:            cache,
		Executor:         exec,
		Sessions:         sessions,
		ModelsDir:        cfg.ModelsDir(),
		InferenceTimeout: cfg.InferenceTimeout.Std(),
		Logger:           log,
	})

	mux := httpapi.NewMux(httpapi.Options{
		Service:     svc,
		Registry:    reg,
		Ready:       func() bool { return true },
		Snapshot:    cache.Snapshot,
		CORSEnabled: cfg.CORSEnabled,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      log,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_root", cfg.DataRoot).Msg("visiond serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		return err
	case <-stopCtx.Done():
	}

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := exec.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("inference pool shutdown incomplete")
	}
	if err := cache.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("model cache close incomplete")
	}
	if err := sessions.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("session store close incomplete")
	}
	return nil
}
