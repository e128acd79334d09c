package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flaneur2020/build-get/buildget"
	"github.com/flaneur2020/build-get/buildget/config"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	noProgress bool

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "buildget",
		Short:         "Download and rebuild game builds from a chunked CDN",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to buildget.yaml (default: search . ./config /etc/buildget)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")

	rootCmd.AddCommand(
		newAssembleCmd(),
		newDownloadCmd(),
		newManifestsCmd(),
		newDiscoverCmd(),
		newMirrorCmd(),
		newConvertCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	if err := loaded.ApplyLogging(); err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// newProgress returns a callback drawing a byte progress bar once the total
// is known, or nil when progress is disabled.
func newProgress(description string) (buildget.ProgressCallback, func()) {
	if noProgress {
		return nil, func() {}
	}

	var bar *progressbar.ProgressBar
	callback := func(current, total int64) {
		if bar == nil && total > 0 {
			bar = progressbar.DefaultBytes(total, description)
		}
		if bar != nil {
			bar.Set64(current)
		}
	}
	finish := func() {
		if bar != nil {
			bar.Finish()
			fmt.Println()
		}
	}
	return callback, finish
}

// runDownload runs jobs through the downloader and prints a summary.
func runDownload(ctx context.Context, jobs []buildget.DownloadJob, description string) error {
	// the downloader retries whole files, so the client itself does not
	client := storage.NewClient(cfg.ClientOptions(0, 0))
	downloader := buildget.NewDownloader(client)

	progress, finish := newProgress(description)
	stats, err := downloader.StartDownload(ctx, jobs, progress, cfg.DownloadOptions())
	finish()

	if stats != nil {
		fmt.Printf("Downloaded %d/%d files (%d bytes)", stats.DownloadedFiles, stats.TotalFiles, stats.DownloadedBytes)
		if stats.SkippedFiles > 0 {
			fmt.Printf(" (%d skipped)", stats.SkippedFiles)
		}
		if stats.FailedFiles > 0 {
			fmt.Printf(" (%d failed)", stats.FailedFiles)
		}
		fmt.Println()
	}
	if err != nil {
		logger.Debug("Download failures: %+v", err)
	}
	return err
}
