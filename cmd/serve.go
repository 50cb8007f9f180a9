package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/monitoring"
	"github.com/casecrawl/casecrawl/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and batch workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := startScheduler(ctx, env)
		if err != nil {
			return err
		}
		defer func() { <-sched.Stop().Done() }()

		var resumed sync.WaitGroup
		resumeBatches(ctx, env, &resumed)
		defer func() {
			stop()
			resumed.Wait()
		}()

		srv := server.New(server.Config{
			Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			AutoDownload:   cfg.Batch.AutoDownload,
		}, env.Coordinator, env.Broker, env.Sessions, server.WithMetrics(env.Registry))

		return srv.Serve(ctx)
	},
}

// startScheduler registers the session sweep, artifact retention and alert
// check jobs.
func startScheduler(ctx context.Context, env *appEnv) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(cfg.Session.SweepSchedule, func() {
		if n := env.Sessions.Sweep(); n > 0 {
			zap.L().Info("expired sessions swept", zap.Int("count", n))
		}
	}); err != nil {
		return nil, eris.Wrapf(err, "schedule session sweep %q", cfg.Session.SweepSchedule)
	}
	if retention := cfg.Artifacts.Retention(); retention > 0 {
		if _, err := c.AddFunc(cfg.Artifacts.SweepSchedule, artifact.RetentionJob(env.Artifacts, retention)); err != nil {
			return nil, eris.Wrapf(err, "schedule artifact retention %q", cfg.Artifacts.SweepSchedule)
		}
	}
	if secs := cfg.Monitoring.CheckIntervalSecs; secs > 0 {
		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store, env.Sessions), env.Alerter, env.Metrics, cfg.Monitoring)
		if _, err := c.AddFunc(fmt.Sprintf("@every %ds", secs), func() { checker.Check(ctx) }); err != nil {
			return nil, eris.Wrap(err, "schedule alert check")
		}
	}
	c.Start()
	return c, nil
}

// resumeBatches restarts batches a previous process left unfinished. Cases
// caught mid-search or mid-download are picked up where they stopped.
func resumeBatches(ctx context.Context, env *appEnv, wg *sync.WaitGroup) {
	batches, err := env.Store.ListBatches(ctx, 0)
	if err != nil {
		zap.L().Warn("list batches for resume", zap.Error(err))
		return
	}
	for _, b := range batches {
		if b.Status != model.BatchStatusPending && b.Status != model.BatchStatusProcessing {
			continue
		}
		id := b.ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			zap.L().Info("resuming batch", zap.String("batch_id", id))
			if err := env.Coordinator.Process(ctx, id); err != nil {
				zap.L().Warn("resumed batch stopped", zap.String("batch_id", id), zap.Error(err))
			}
		}()
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
