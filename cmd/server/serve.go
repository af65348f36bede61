package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"knowledgehub/internal/api"
	applog "knowledgehub/internal/platform/log"
)

var (
	serveNoWorker bool
	serveNoSweep  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the import consumer and sweep scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not consume import batches in this process")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not schedule the hot cache sweep")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer applog.Sync()
	defer app.Close()

	cfg := app.Config
	if !serveNoWorker {
		startWorkers(ctx, app)
	}
	if !serveNoSweep {
		if err := app.Sweeper.Start(ctx); err != nil {
			return err
		}
		defer app.Sweeper.Stop()
	}

	server := api.NewServer(&api.ServerConfig{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		MaxUploadMB:  cfg.Knowledge.MaxFileSizeMB,
	}, app.Knowledge)
	server.SetDeadLetters(app.DeadLetters)
	server.SetChat(app.Chat)

	go func() {
		<-ctx.Done()
		applog.Info("🔄 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	applog.Info("👋 Server stopped")
	return nil
}
