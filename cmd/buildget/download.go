package main

import (
	"fmt"
	"os"

	"github.com/flaneur2020/build-get/buildget"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "download <BUILD_LIST> [OUTPUT_DIR]",
		Short: "Download every file listed in a text build manifest",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := "."
			if len(args) > 1 {
				outputDir = args[1]
			}
			if baseURL == "" {
				baseURL = cfg.CDN.BuildBaseURL
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open build list: %w", err)
			}
			defer f.Close()

			list, err := manifest.ParseBuildList(f)
			if err != nil {
				return err
			}
			jobs, err := buildget.JobsFromBuildList(list, baseURL, outputDir)
			if err != nil {
				return err
			}
			return runDownload(cmd.Context(), jobs, fmt.Sprintf("Downloading %s (%d files)", list.BuildID, len(jobs)))
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Override cdn.build_base_url")
	return cmd
}

func newManifestsCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "manifests <MASTER_MANIFEST> [OUTPUT_DIR]",
		Short: "Download the per-pak manifests listed in a master manifest",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := "."
			if len(args) > 1 {
				outputDir = args[1]
			}
			if baseURL == "" {
				baseURL = cfg.CDN.ManifestBaseURL
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read master manifest: %w", err)
			}
			master, err := manifest.ParseMaster(raw)
			if err != nil {
				return err
			}
			jobs, err := buildget.JobsFromMaster(master, baseURL, outputDir)
			if err != nil {
				return err
			}
			return runDownload(cmd.Context(), jobs, fmt.Sprintf("Downloading %d manifests", len(jobs)))
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Override cdn.manifest_base_url")
	return cmd
}
