package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flaneur2020/build-get/buildget"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/spf13/cobra"
)

var defaultPlatforms = []string{
	"Android_ASTC", "Android_ATC", "Android_DXT", "Android_ETC1", "Android_ETC2", "Android_PVRTC",
	"IOS", "WindowsNoEditor",
}

func newDiscoverCmd() *cobra.Command {
	var (
		platforms []string
		baseURL   string
	)

	cmd := &cobra.Command{
		Use:   "discover <CHANGELIST> [OUTPUT_DIR]",
		Short: "Probe the CDN for per-pak manifests and write a master manifest per platform",
		Long: "Downloads WorldExplorers_pakchunk{N}CL_{CHANGELIST}.manifest for increasing N into\n" +
			"OUTPUT_DIR/CL_{CHANGELIST}/{PLATFORM}/ and writes OUTPUT_DIR/CL_{CHANGELIST}/{PLATFORM}.manifest.\n" +
			"Manifests already on disk are reused.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changelist, err := strconv.Atoi(args[0])
			if err != nil || changelist <= 0 {
				return fmt.Errorf("invalid changelist %q", args[0])
			}
			outputDir := "."
			if len(args) > 1 {
				outputDir = args[1]
			}
			if baseURL == "" {
				baseURL = cfg.CDN.ManifestBaseURL
			}

			client := storage.NewClient(cfg.ClientOptions(0, 0))
			for _, platform := range platforms {
				if err := discoverPlatform(cmd.Context(), client, baseURL, outputDir, changelist, platform); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&platforms, "platform", defaultPlatforms, "Platforms to probe")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Override cdn.manifest_base_url")
	return cmd
}

func discoverPlatform(ctx context.Context, client *storage.Client, baseURL, outputDir string, changelist int, platform string) error {
	cl := strconv.Itoa(changelist)
	buildURL := "CL_" + cl + "/" + platform
	dir := filepath.Join(outputDir, "CL_"+cl, platform)

	opts := cfg.DiscoverOptions(cl)
	opts.Known = func(pak int) ([]byte, bool) {
		data, err := os.ReadFile(filepath.Join(dir, opts.Name(pak)))
		if err != nil {
			return nil, false
		}
		return data, true
	}

	probe := buildget.NewHTTPProbe(client, func(pak int) string {
		return strings.TrimSuffix(baseURL, "/") + "/" + buildURL + "/" + opts.Name(pak)
	})

	logger.Info("Discovering manifests for CL_%s/%s", cl, platform)
	found, err := buildget.DiscoverManifests(ctx, probe, opts)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		logger.Warn("No manifests found for CL_%s/%s", cl, platform)
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, f := range found {
		if f.Known {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0644); err != nil {
			return err
		}
	}

	master := buildget.BuildMaster(changelist, buildURL, found)
	raw, err := master.Marshal()
	if err != nil {
		return err
	}
	masterPath := filepath.Join(outputDir, "CL_"+cl, platform+".manifest")
	if err := os.WriteFile(masterPath, raw, 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d manifests)\n", masterPath, len(found))
	return nil
}
