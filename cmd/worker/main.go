package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/queue"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()
	deps.Log.Info("worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Ingestion jobs
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIngest, deps.Engine.HandleTask)
	})

	// Reindex bulk and catchup phases
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeReindex, deps.Reindex.HandleBulkTask)
	})
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeReindexCatchup, deps.Reindex.HandleCatchupTask)
	})

	// Daily dispatch sweep, with startup catchup
	g.Go(func() error {
		return deps.Scheduler.Run(ctx)
	})

	// Health check server
	g.Go(func() error {
		return httputil.ServeHealth(deps.Log, deps.Config.Port, "worker")
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("worker stopped", "err", err)
	}
}
