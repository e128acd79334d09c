package buildget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileServer serves fixed bodies and counts requests per path.
type fileServer struct {
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
	// flaky paths fail this many times before succeeding
	flaky map[string]int
}

func newFileServer(files map[string]string) *fileServer {
	return &fileServer{files: files, hits: make(map[string]int), flaky: make(map[string]int)}
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.files[r.URL.Path]
	fail := s.flaky[r.URL.Path] > 0
	if fail {
		s.flaky[r.URL.Path]--
	}
	s.mu.Unlock()

	switch {
	case !ok:
		http.NotFound(w, r)
	case fail:
		w.WriteHeader(http.StatusBadGateway)
	default:
		w.Write([]byte(body))
	}
}

func (s *fileServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func sha1Of(t *testing.T, s string) manifest.Hash {
	t.Helper()
	h, err := manifest.SumBytes(manifest.HashSHA1, []byte(s))
	require.NoError(t, err)
	return h
}

func TestDownloader_StartDownload(t *testing.T) {
	files := map[string]string{
		"/b1/Windows/pakchunk1.pak": "echo content",
		"/b1/Windows/pakchunk2.pak": "cat content",
		"/b1/Windows/pakchunk3.pak": "libc content",
	}
	srv := newFileServer(files)
	server := httptest.NewServer(srv)
	defer server.Close()

	tempDir := t.TempDir()
	d := NewDownloader(storage.NewClientWith(server.Client(), storage.ClientOptions{}))

	var jobs []DownloadJob
	var total int64
	for path, body := range files {
		jobs = append(jobs, DownloadJob{
			URL:        server.URL + path,
			OutputPath: filepath.Join(tempDir, filepath.FromSlash(path)),
			Size:       int64(len(body)),
			Hash:       sha1Of(t, body),
		})
		total += int64(len(body))
	}

	var mu sync.Mutex
	var lastCurrent int64
	stats, err := d.StartDownload(context.Background(), jobs, func(current, _ int64) {
		mu.Lock()
		lastCurrent = current
		mu.Unlock()
	}, DownloadOptions{Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, 3, stats.DownloadedFiles)
	assert.Equal(t, total, stats.TotalBytes)
	assert.Equal(t, total, stats.DownloadedBytes)
	assert.Equal(t, total, lastCurrent)

	for path, body := range files {
		content, err := os.ReadFile(filepath.Join(tempDir, filepath.FromSlash(path)))
		require.NoError(t, err)
		assert.Equal(t, body, string(content))
	}
}

func TestDownloader_ExistingFiles(t *testing.T) {
	srv := newFileServer(map[string]string{"/f": "fresh"})
	server := httptest.NewServer(srv)
	defer server.Close()

	d := NewDownloader(storage.NewClientWith(server.Client(), storage.ClientOptions{}))
	job := func(t *testing.T, dir string) DownloadJob {
		return DownloadJob{URL: server.URL + "/f", OutputPath: filepath.Join(dir, "f"), Size: 5, Hash: sha1Of(t, "fresh")}
	}

	tests := []struct {
		name         string
		existing     string
		opts         DownloadOptions
		wantSkipped  int
		wantContents string
	}{
		{name: "check keeps verified file", existing: "fresh", opts: DownloadOptions{CheckExisting: true}, wantSkipped: 1, wantContents: "fresh"},
		{name: "check replaces bad file", existing: "stale", opts: DownloadOptions{CheckExisting: true, SkipExisting: true}, wantContents: "fresh"},
		{name: "skip keeps any file", existing: "stale", opts: DownloadOptions{SkipExisting: true}, wantSkipped: 1, wantContents: "stale"},
		{name: "no policy overwrites", existing: "fresh", opts: DownloadOptions{}, wantContents: "fresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			j := job(t, dir)
			require.NoError(t, os.WriteFile(j.OutputPath, []byte(tt.existing), 0644))

			stats, err := d.StartDownload(context.Background(), []DownloadJob{j}, nil, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkipped, stats.SkippedFiles)
			assert.Equal(t, 1-tt.wantSkipped, stats.DownloadedFiles)

			content, err := os.ReadFile(j.OutputPath)
			require.NoError(t, err)
			assert.Equal(t, tt.wantContents, string(content))
		})
	}
}

func TestDownloader_RetriesAndFailures(t *testing.T) {
	srv := newFileServer(map[string]string{
		"/flaky": "eventually",
		"/wrong": "bad body",
	})
	srv.flaky["/flaky"] = 2
	server := httptest.NewServer(srv)
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(storage.NewClientWith(server.Client(), storage.ClientOptions{}))
	jobs := []DownloadJob{
		{URL: server.URL + "/flaky", OutputPath: filepath.Join(dir, "flaky"), Size: -1},
		{URL: server.URL + "/wrong", OutputPath: filepath.Join(dir, "wrong"), Size: 8, Hash: sha1Of(t, "good body")},
		{URL: server.URL + "/missing", OutputPath: filepath.Join(dir, "missing"), Size: -1},
	}

	stats, err := d.StartDownload(context.Background(), jobs, nil, DownloadOptions{
		Concurrency: 3,
		Retries:     2,
		Wait:        time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bgerrors.ErrDownloadFailed))
	assert.True(t, strings.Contains(err.Error(), "2 of 3"), err.Error())
	assert.Equal(t, 1, stats.DownloadedFiles)
	assert.Equal(t, 2, stats.FailedFiles)

	assert.Equal(t, 3, srv.Hits("/flaky"))
	assert.Equal(t, 3, srv.Hits("/wrong"))
	assert.Equal(t, 3, srv.Hits("/missing"))

	content, err := os.ReadFile(filepath.Join(dir, "flaky"))
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(content))

	for _, name := range []string{"wrong", "missing", "wrong" + PartialSuffix, "missing" + PartialSuffix} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestDownloader_DownloadFileProgress(t *testing.T) {
	body := strings.Repeat("x", 64*1024)
	server := httptest.NewServer(newFileServer(map[string]string{"/big": body}))
	defer server.Close()

	d := NewDownloader(storage.NewClientWith(server.Client(), storage.ClientOptions{}))
	var calls int32
	var last int64
	err := d.DownloadFile(context.Background(), DownloadJob{
		URL:        server.URL + "/big",
		OutputPath: filepath.Join(t.TempDir(), "big"),
		Size:       int64(len(body)),
	}, func(current, total int64) {
		atomic.AddInt32(&calls, 1)
		last = current
		assert.Equal(t, int64(len(body)), total)
	})
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(0))
	assert.Equal(t, int64(len(body)), last)
}

func TestDownloader_Empty(t *testing.T) {
	d := NewDownloader(storage.NewClient(storage.ClientOptions{}))
	stats, err := d.StartDownload(context.Background(), nil, nil, DefaultDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, &DownloadStats{}, stats)
}
