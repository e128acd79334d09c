package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/spf13/cobra"
)

func newConvertCmd() *cobra.Command {
	var version uint32

	cmd := &cobra.Command{
		Use:   "convert <JSON_MANIFEST> [OUTPUT_DIR]",
		Short: "Convert the files of a ChunkV3 JSON manifest into binary manifests",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := "."
			if len(args) > 1 {
				outputDir = args[1]
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			build, err := manifest.ParseJSON(raw)
			if err != nil {
				return err
			}
			format, err := cfg.BinaryFormat()
			if err != nil {
				return err
			}
			if version == 0 {
				version = format.MaxVersion
			}

			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return err
			}
			for _, m := range build.Files {
				out, err := manifest.EncodeBinary(m, format, version)
				if err != nil {
					return fmt.Errorf("encode %s: %w", m.FileName, err)
				}
				path := filepath.Join(outputDir, filepath.Base(filepath.Clean("/"+m.FileName))+".bin")
				if err := os.WriteFile(path, out, 0644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s (%d parts)\n", path, len(m.Parts))
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&version, "version", 0, "Binary manifest version (default: manifest.max_version)")
	return cmd
}
