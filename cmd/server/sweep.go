package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	applog "knowledgehub/internal/platform/log"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the hot cache sweep once and print the report",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer applog.Sync()
	defer app.Close()

	report, err := app.Sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
