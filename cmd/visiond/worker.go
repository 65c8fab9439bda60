package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visiond/internal/config"
	"visiond/internal/engine"
	"visiond/internal/jobs"
	"visiond/internal/worker"
)

func newWorkerCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job executor process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return runWorker(cfg, log)
		},
	}
}

func runWorker(cfg config.Config, log zerolog.Logger) error {
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

	w := worker.New(worker.Options{
		Registry:  reg,
		Engine:    engine.Unavailable{},
		ModelsDir: cfg.ModelsDir(),
		Poll:      cfg.WorkerPollInterval.Std(),
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("data_root", cfg.DataRoot).Dur("poll", cfg.WorkerPollInterval.Std()).
		Msg("visiond worker polling")
	w.Run(ctx)
	log.Info().Msg("worker stopped")
	return nil
}
