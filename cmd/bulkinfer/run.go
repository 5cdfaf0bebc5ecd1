package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medscanhq/segpipe/internal/bulk"
	"github.com/medscanhq/segpipe/internal/report"
	"github.com/medscanhq/segpipe/pkg/models"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a directory of studies and write the report",
	Long: `Process every study file in the input directory sequentially:
upload, submit an inference job, poll until it finishes, download the
segmentation, and record the result. When the whole batch is done the
xlsx report is written to the output directory.

An interrupted run picks up where it left off: pass the same
--processing-log path and already-finished studies are skipped.`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("api-url", "http://localhost:8080", "segpipe server base URL")
	runCmd.Flags().String("model", "", "model name to run (required)")
	runCmd.Flags().String("input", "", "directory of study volumes (required)")
	runCmd.Flags().String("output", "", "directory for downloaded artifacts and the report (required)")
	runCmd.Flags().String("report-name", "report.xlsx", "report file name inside the output directory")
	runCmd.Flags().String("processing-log", "", "processing log path (default <output>/processed.jsonl)")
	runCmd.Flags().Duration("poll-interval", 5*time.Second, "job status poll interval")
	runCmd.Flags().Duration("job-timeout", time.Hour, "per-study wall clock limit before giving up")
	runCmd.Flags().Duration("request-timeout", 5*time.Minute, "per-request HTTP timeout")
	runCmd.Flags().Int("retries", 3, "retry attempts for transient server errors")
	runCmd.Flags().Int("min-voxels", 1, "minimum finding size in voxels counted as pathology")
	runCmd.Flags().Bool("no-download-volume", false, "skip downloading the aligned volume artifact")
	runCmd.Flags().Bool("no-progress", false, "disable the progress bar")

	viper.BindPFlags(runCmd.Flags())
}

func runBatch(cmd *cobra.Command, args []string) error {
	for _, key := range []string{"model", "input", "output"} {
		if viper.GetString(key) == "" {
			return fmt.Errorf("--%s is required", key)
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	outputDir := viper.GetString("output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	logPath := viper.GetString("processing-log")
	if logPath == "" {
		logPath = filepath.Join(outputDir, "processed.jsonl")
	}
	procLog, err := bulk.OpenProcessLog(logPath)
	if err != nil {
		return err
	}
	defer procLog.Close()

	client := bulk.NewClient(viper.GetString("api-url"),
		viper.GetDuration("request-timeout"), viper.GetInt("retries"))

	runner := bulk.NewRunner(client, procLog, bulk.Options{
		Model:          viper.GetString("model"),
		InputDir:       viper.GetString("input"),
		OutputDir:      outputDir,
		PollInterval:   viper.GetDuration("poll-interval"),
		JobTimeout:     viper.GetDuration("job-timeout"),
		MinVoxels:      viper.GetInt("min-voxels"),
		DownloadVolume: !viper.GetBool("no-download-volume"),
		ShowProgress:   !viper.GetBool("no-progress"),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entries, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	reportPath := filepath.Join(outputDir, viper.GetString("report-name"))
	if err := report.Write(reportPath, entries); err != nil {
		return err
	}

	success := 0
	for _, e := range entries {
		if e.ProcessingStatus == models.ProcessingSuccess {
			success++
		}
	}
	fmt.Printf("Processed %d studies (%d succeeded, %d failed)\nReport: %s\n",
		len(entries), success, len(entries)-success, reportPath)
	return nil
}
