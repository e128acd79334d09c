package buildget

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ProgressCallback is called during download to report progress
// current: bytes downloaded so far
// total: total size (may be -1 if unknown)
type ProgressCallback func(current int64, total int64)

// DownloadStats contains statistics about a download operation
type DownloadStats struct {
	TotalFiles      int
	TotalBytes      int64
	DownloadedFiles int
	DownloadedBytes int64
	SkippedFiles    int
	FailedFiles     int
}

// DownloadJob is one whole file to fetch. Size is -1 when unknown and a
// zero Hash disables verification.
type DownloadJob struct {
	URL        string
	OutputPath string
	Size       int64
	Hash       manifest.Hash
}

// DownloadOptions controls StartDownload.
type DownloadOptions struct {
	Concurrency   int
	Retries       int
	Wait          time.Duration
	SkipExisting  bool
	CheckExisting bool
}

// DefaultDownloadOptions mirrors the defaults of the build-list tool.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Concurrency:   3,
		Retries:       2,
		Wait:          3 * time.Second,
		SkipExisting:  true,
		CheckExisting: true,
	}
}

type Downloader interface {
	// DownloadFile fetches one job, verifying size and hash before the file
	// appears at its output path.
	DownloadFile(ctx context.Context, job DownloadJob, progress ProgressCallback) error
	// StartDownload runs jobs with bounded concurrency. Failed jobs do not
	// stop the others; their errors are returned together.
	StartDownload(ctx context.Context, jobs []DownloadJob, progress ProgressCallback, opts DownloadOptions) (*DownloadStats, error)
}

type downloader struct {
	client *storage.Client
}

// NewDownloader builds a Downloader on client. Retries are driven by
// DownloadOptions, so client is best configured without its own.
func NewDownloader(client *storage.Client) Downloader {
	return &downloader{
		client: client,
	}
}

func (d *downloader) DownloadFile(ctx context.Context, job DownloadJob, progress ProgressCallback) error {
	// Create target directory if needed
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	partialPath := job.OutputPath + PartialSuffix
	outFile, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	err = d.client.Download(ctx, job.URL, func(r io.Reader) error {
		// the callback runs again on a client retry
		if _, err := outFile.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := outFile.Truncate(0); err != nil {
			return err
		}

		var readerToUse = r
		if progress != nil {
			readerToUse = &progressReader{
				reader:   r,
				total:    job.Size,
				callback: progress,
			}
		}
		_, err := io.Copy(outFile, readerToUse)
		return err
	})
	if closeErr := outFile.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil {
		err = verifyFile(partialPath, job.Size, job.Hash)
	}
	if err != nil {
		os.Remove(partialPath)
		return err
	}

	return os.Rename(partialPath, job.OutputPath)
}

func (d *downloader) StartDownload(ctx context.Context, jobs []DownloadJob, progress ProgressCallback, opts DownloadOptions) (*DownloadStats, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	stats := &DownloadStats{TotalFiles: len(jobs)}
	for _, job := range jobs {
		if job.Size > 0 {
			stats.TotalBytes += job.Size
		}
	}
	if len(jobs) == 0 {
		return stats, nil
	}

	// Notify the callback of total size before starting
	tracker := newProgressTracker(stats.TotalBytes, progress)

	var (
		mu       sync.Mutex
		failures *multierror.Error
	)

	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				stats.FailedFiles++
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", job.OutputPath, ctx.Err()))
				mu.Unlock()
				return nil
			}

			if skip, reason := shouldSkip(job, opts); skip {
				logger.Info("Skipping %s (%s)", job.OutputPath, reason)
				mu.Lock()
				stats.SkippedFiles++
				mu.Unlock()
				if job.Size > 0 {
					tracker.add(job.Size)
				}
				return nil
			}

			var fileProgress ProgressCallback
			if progress != nil {
				var last int64
				fileProgress = func(current, _ int64) {
					tracker.add(current - last)
					last = current
				}
			}

			err := d.downloadWithRetry(ctx, job, fileProgress, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("Failed to download %s: %v", job.URL, err)
				stats.FailedFiles++
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", job.OutputPath, err))
				return nil
			}
			logger.Info("Downloaded %s", job.OutputPath)
			stats.DownloadedFiles++
			if info, statErr := os.Stat(job.OutputPath); statErr == nil {
				stats.DownloadedBytes += info.Size()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := failures.ErrorOrNil(); err != nil {
		return stats, bgerrors.ErrDownloadFailed.
			WithMessage(fmt.Sprintf("%d of %d downloads failed", stats.FailedFiles, stats.TotalFiles)).
			WithCause(err)
	}
	return stats, nil
}

func (d *downloader) downloadWithRetry(ctx context.Context, job DownloadJob, progress ProgressCallback, opts DownloadOptions) error {
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			logger.Warn("Failed to download %s (%v), retrying in %s", job.URL, lastErr, opts.Wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Wait):
			}
			if progress != nil {
				progress(0, job.Size)
			}
		}

		lastErr = d.DownloadFile(ctx, job, progress)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return bgerrors.ErrDownloadFailed.WithDetail("url", job.URL).WithCause(lastErr)
}

// shouldSkip applies the existing-file policy: with CheckExisting a file
// is kept only when it verifies, otherwise SkipExisting keeps any file.
func shouldSkip(job DownloadJob, opts DownloadOptions) (bool, string) {
	if _, err := os.Stat(job.OutputPath); err != nil {
		return false, ""
	}
	if opts.CheckExisting {
		err := verifyFile(job.OutputPath, job.Size, job.Hash)
		if err != nil {
			logger.Info("Existing %s failed verification: %v", job.OutputPath, err)
			return false, ""
		}
		return true, "verified"
	}
	if opts.SkipExisting {
		return true, "exists"
	}
	return false, ""
}

// verifyFile checks size (when known) and hash (when set) of path.
func verifyFile(path string, size int64, expected manifest.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if size >= 0 && info.Size() != size {
		return bgerrors.ErrSizeMismatch.WithMessage("file size mismatch").
			WithDetail("path", path).
			WithDetail("expected", size).
			WithDetail("actual", info.Size())
	}
	if expected.IsZero() {
		return nil
	}

	h, err := expected.Algorithm.NewHasher()
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := manifest.Hash{Algorithm: expected.Algorithm, Sum: h.Sum(nil)}
	if !got.Equal(expected) {
		return bgerrors.ErrHashMismatch.
			WithDetail("path", path).
			WithDetail("expected", expected.String()).
			WithDetail("actual", got.String())
	}
	return nil
}

// progressReader wraps an io.Reader to report download progress
type progressReader struct {
	reader   io.Reader
	total    int64
	current  int64
	callback ProgressCallback
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	if pr.callback != nil {
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
