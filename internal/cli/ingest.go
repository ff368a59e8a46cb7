package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"handbook/internal/app"
	"handbook/internal/domain"
	"handbook/internal/ingest"
)

// documentExtensions are picked up when a directory is ingested.
var documentExtensions = []string{".pdf", ".txt", ".md", ".markdown", ".text"}

func newIngestCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path|glob|dir>...",
		Short: "Ingest documents into the vector store",
		Long: `Extract, chunk, embed and store documents. Re-ingesting a path replaces
its previous chunks. Directories are walked for PDF and text files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandInputs(args)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return runIngest(ctx, cmd, a, paths)
			})
		},
	}
}

func runIngest(ctx context.Context, cmd *cobra.Command, a *app.App, paths []string) error {
	sources := make([]ingest.Source, 0, len(paths))
	var errs []error
	for _, p := range paths {
		src, err := ingest.FileSource(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sources = append(sources, src)
	}
	results, err := a.Pipeline.IngestAll(ctx, sources)
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.DocumentID == "" {
			continue
		}
		fmt.Fprintf(out, "%s  %d pages  %d chunks  %s\n", r.DocumentID, r.Pages, r.Chunks, r.SourcePath)
	}
	return errors.Join(append(errs, err)...)
}

// expandInputs resolves globs and walks directories. The result is sorted
// and free of duplicates.
func expandInputs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, domain.Configf("bad pattern %q: %v", arg, err)
		}
		if len(matches) == 0 {
			return nil, domain.Configf("no files match %q", arg)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				paths = append(paths, m)
				continue
			}
			err = filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && slices.Contains(documentExtensions, strings.ToLower(filepath.Ext(p))) {
					paths = append(paths, p)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

func newDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>...",
		Short: "Remove ingested documents and their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, p := range args {
					id, err := a.Pipeline.Delete(ctx, p)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s  %s\n", id, p)
				}
				return nil
			})
		},
	}
}

func newResetCommand(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every document from the local index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return domain.Configf("reset deletes the whole index; pass --yes to confirm")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, ok := a.Store.(interface{ Reset() error })
				if !ok {
					return domain.Configf("vector store %q does not support reset; delete documents individually",
						a.Config.VectorStore.Type)
				}
				if err := r.Reset(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "index cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
