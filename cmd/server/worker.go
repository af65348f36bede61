package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"knowledgehub/internal/app/bootstrap"
	applog "knowledgehub/internal/platform/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume import batches and dead letters without serving HTTP",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer applog.Sync()
	defer app.Close()

	if app.Config.Broker.URL == "" {
		applog.Warn("⚠️  No AMQP_URL set, the worker only sees batches published by this process")
	}
	startWorkers(ctx, app)

	<-ctx.Done()
	applog.Info("👋 Worker stopped")
	return nil
}

// startWorkers 后台运行批次消费者与死信处理器，直到 ctx 结束
func startWorkers(ctx context.Context, app *bootstrap.App) {
	go func() {
		if err := app.Consumer.Run(ctx, app.Broker); err != nil && !errors.Is(err, context.Canceled) {
			applog.Error("[Worker] import consumer stopped", "error", err)
		}
	}()
	go func() {
		if err := app.DeadLetters.Run(ctx, app.Broker); err != nil && !errors.Is(err, context.Canceled) {
			applog.Error("[Worker] dead letter consumer stopped", "error", err)
		}
	}()
	applog.Info("✅ Import workers started")
}
