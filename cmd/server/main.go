package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"knowledgehub/internal/app/bootstrap"
	"knowledgehub/internal/platform/config"
	applog "knowledgehub/internal/platform/log"
)

var rootCmd = &cobra.Command{
	Use:   "knowledgehub",
	Short: "Knowledge retrieval service",
	Long: `Knowledge base with a Redis hot cache, keyword index, optional vector search
and an asynchronous batch import pipeline.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildApp 加载配置、初始化日志并装配依赖
func buildApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		return nil, err
	}

	applog.Init(applog.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Service:  cfg.Service,
		Instance: cfg.Instance,
	})

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		applog.Error("❌ Bootstrap failed", "error", err)
		return nil, err
	}
	return app, nil
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
