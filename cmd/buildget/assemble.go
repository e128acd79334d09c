package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flaneur2020/build-get/buildget"
	"github.com/flaneur2020/build-get/buildget/chunk"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/spf13/cobra"
)

type assembleFlags struct {
	fileName     string
	buildVersion string
	platform     string
	chunkBaseURL string
	flat         bool
	binary       bool
}

func newAssembleCmd() *cobra.Command {
	var flags assembleFlags

	cmd := &cobra.Command{
		Use:   "assemble <MANIFEST> [OUTPUT_DIR]",
		Short: "Rebuild the files of a chunk manifest from CDN chunks",
		Long: "Reads a ChunkV3 JSON manifest (or a binary manifest with --binary), fetches every\n" +
			"referenced chunk and writes the reconstructed files under OUTPUT_DIR.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := "."
			if len(args) > 1 {
				outputDir = args[1]
			}
			return runAssemble(cmd, args[0], outputDir, flags)
		},
	}

	cmd.Flags().StringVar(&flags.fileName, "file", "", "Only rebuild the file with this name")
	cmd.Flags().StringVar(&flags.buildVersion, "build-version", "", "Build version used in chunk URLs (default: from the manifest)")
	cmd.Flags().StringVar(&flags.platform, "platform", "", "Platform used in chunk URLs (default: from the file name)")
	cmd.Flags().StringVar(&flags.chunkBaseURL, "chunk-base-url", "", "Override cdn.chunk_base_url")
	cmd.Flags().BoolVar(&flags.flat, "flat", false, "Write files directly into OUTPUT_DIR instead of the installed layout")
	cmd.Flags().BoolVar(&flags.binary, "binary", false, "Parse MANIFEST as a binary manifest")

	return cmd
}

func runAssemble(cmd *cobra.Command, manifestPath, outputDir string, flags assembleFlags) error {
	ctx := cmd.Context()

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	files, err := loadManifests(raw, flags.binary)
	if err != nil {
		return err
	}
	if flags.fileName != "" {
		files = filterFile(files, flags.fileName)
		if len(files) == 0 {
			return fmt.Errorf("file %q not found in manifest", flags.fileName)
		}
	}

	baseURL := cfg.CDN.ChunkBaseURL
	if flags.chunkBaseURL != "" {
		baseURL = flags.chunkBaseURL
	}

	client := storage.NewClient(cfg.FetchClientOptions())
	var cache *storage.ChunkCache
	if cfg.Cache.Enabled {
		cache, err = storage.OpenChunkCache(cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	decoder := chunk.NewDecoder(cfg.ChunkFormat())

	for _, m := range files {
		version := m.BuildVersion
		if flags.buildVersion != "" {
			version = flags.buildVersion
		}
		if version == "" {
			return fmt.Errorf("%s records no build version, pass --build-version", m.FileName)
		}

		platform := flags.platform
		if platform == "" {
			p, ok := manifest.PlatformFromFileName(m.FileName)
			if !ok {
				return fmt.Errorf("cannot derive platform from %q, pass --platform", m.FileName)
			}
			platform = p
		}

		layout := storage.ChunksV3Layout{
			BaseURL:      baseURL,
			BuildVersion: version,
			Platform:     platform,
			Dir:          cfg.CDN.ChunkDir,
		}
		var fetcher storage.Fetcher = storage.NewHTTPFetcher(client, layout)
		if cache != nil {
			fetcher = storage.NewCacheFetcher(cache, fetcher)
		}

		target := outputPath(outputDir, version, platform, m.FileName, flags.flat)
		logger.Info("Assembling %s (%d bytes, %d parts)", m.FileName, m.FileSize, len(m.Parts))

		assembler := buildget.NewAssembler(fetcher, decoder, cfg.AssembleOptions())
		progress, finish := newProgress(fmt.Sprintf("Assembling %s", m.FileName))
		res, err := assembler.Assemble(ctx, m, target, progress)
		finish()
		if err != nil {
			return fmt.Errorf("assemble %s: %w", m.FileName, err)
		}
		fmt.Printf("Wrote %s (%d bytes, %s)\n", res.Path, res.Size, res.Hash)
	}
	return nil
}

// loadManifests parses raw as JSON unless binary is set or the data does
// not look like a JSON document.
func loadManifests(raw []byte, binary bool) ([]*manifest.Manifest, error) {
	trimmed := bytes.TrimSpace(raw)
	if !binary && len(trimmed) > 0 && trimmed[0] == '{' {
		build, err := manifest.ParseJSON(raw)
		if err != nil {
			return nil, err
		}
		return build.Files, nil
	}

	format, err := cfg.BinaryFormat()
	if err != nil {
		return nil, err
	}
	m, err := manifest.ParseBinary(raw, format)
	if err != nil {
		return nil, err
	}
	return []*manifest.Manifest{m}, nil
}

func filterFile(files []*manifest.Manifest, name string) []*manifest.Manifest {
	for _, f := range files {
		if f.FileName == name {
			return []*manifest.Manifest{f}
		}
	}
	return nil
}

// outputPath places a rebuilt pak under
// {build}/{platform}/Chunks/Installed/base{N}/ unless flat is set.
func outputPath(outputDir, version, platform, fileName string, flat bool) string {
	name := filepath.Base(filepath.Clean("/" + fileName))
	if flat || version == "" {
		return filepath.Join(outputDir, name)
	}
	idx, ok := manifest.PakChunkIndex(name)
	if !ok {
		return filepath.Join(outputDir, version, platform, name)
	}
	return filepath.Join(outputDir, version, platform, "Chunks", "Installed", "base"+idx, name)
}
