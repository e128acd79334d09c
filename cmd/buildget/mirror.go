package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/mirror"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/spf13/cobra"
)

func newMirrorCmd() *cobra.Command {
	var (
		listen    string
		cachePath string
	)

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Serve the local chunk cache over HTTP in the CDN layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = cfg.Mirror.Listen
			}
			if cachePath == "" {
				cachePath = cfg.Cache.Path
			}
			if cachePath == "" {
				return fmt.Errorf("no cache path configured, set cache.path or pass --cache")
			}

			cache, err := storage.OpenChunkCache(cachePath)
			if err != nil {
				return err
			}
			defer cache.Close()

			return serve(cmd.Context(), listen, mirror.NewServer(cache, cfg.ChunkFormat()))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override mirror.listen")
	cmd.Flags().StringVar(&cachePath, "cache", "", "Override cache.path")
	return cmd
}

// serve runs handler until ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mirror listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Shutting down mirror")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
