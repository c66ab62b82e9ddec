package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verityai/verity/internal/app"
	"github.com/verityai/verity/internal/config"
	"github.com/verityai/verity/internal/ingest"
)

var ingestID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Ingest documents from local files or directories",
	Long: `Ingest reads the given files (or walks the given directories), chunks
and embeds their contents, and writes the passages to the configured vector
index. Supported formats: plain text, Markdown, PDF.

Each file becomes one document. The document ID defaults to the file path
relative to the ingestion root; pass --id for single-file uploads to pick
the ID explicitly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "document ID (single file only)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(parent context.Context, paths []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files, err := collectFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no ingestible files under %s", strings.Join(paths, ", "))
	}
	if ingestID != "" && len(files) > 1 {
		return fmt.Errorf("--id requires a single file, got %d", len(files))
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	var failed int
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		id := ingestID
		if id == "" {
			id = filepath.ToSlash(path)
		}

		passages, err := a.Pipeline.Ingest(ctx, ingest.Document{
			ID:   id,
			Name: filepath.Base(path),
			Data: data,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("ingestion failed", "path", path, "error", err)
			failed++
			continue
		}
		fmt.Printf("%s: %d passages\n", id, passages)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// collectFiles expands directories into their ingestible files. Unsupported
// extensions are skipped silently when walking; explicitly named files are
// always included so the pipeline can report the format error.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !ingestibleExt(p) {
				return nil
			}
			files = append(files, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", path, err)
		}
	}
	return files, nil
}

func ingestibleExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	}
	return false
}
