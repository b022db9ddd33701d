package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/staging"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging directories",
	}

	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))

	return stagingCmd
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List staging directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			stagingDir := strings.TrimSpace(cfg.Paths.StagingDir)
			dirs, err := staging.ListDirectories(stagingDir)
			if err != nil {
				return fmt.Errorf("list staging directories: %w", err)
			}

			if ctx.JSONMode() {
				if dirs == nil {
					dirs = []staging.DirInfo{}
				}
				var totalSize int64
				for _, dir := range dirs {
					totalSize += dir.Size
				}
				return writeJSON(cmd, map[string]any{
					"staging_dir":      stagingDir,
					"directories":      dirs,
					"total_size_bytes": totalSize,
				})
			}

			if len(dirs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No staging directories found")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Staging directory: %s\n\n", stagingDir)

			var totalSize int64
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				age := time.Since(dir.ModTime).Truncate(time.Minute)
				totalSize += dir.Size
				rows = append(rows, []string{
					dir.Name,
					fmt.Sprintf("%d", dir.Chunks),
					formatDuration(age),
					humanize.IBytes(uint64(dir.Size)),
				})
			}

			fmt.Fprint(out, renderTable(out,
				[]string{"Upload", "Chunks", "Age", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
			))
			fmt.Fprintf(out, "\nTotal: %d directories, %s\n", len(dirs), humanize.IBytes(uint64(totalSize)))
			return nil
		},
	}
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	var cleanAll bool
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned staging directories",
		Long: `Remove staging directories not associated with any ledger entry.

By default, only removes directories with no matching upload in the ledger.
Use --older-than to restrict removal to directories untouched for that long.
Use --all to remove all staging directories regardless of ledger state.

The daemon keeps its upload index in memory, so cleaning is refused while it runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			running, err := daemonRunning(cfg)
			if err != nil {
				return err
			}
			if running {
				return errors.New("uploader daemon is running; stop it before cleaning staging")
			}

			return ctx.withLedger(func(store *ledger.Store) error {
				active, err := ledgerActive(cmd.Context(), store)
				if err != nil {
					return err
				}
				if cleanAll {
					active = nil
				}
				logger := logging.NewNop()
				var result staging.CleanResult
				label := "orphaned"
				switch {
				case olderThan > 0:
					label = "stale"
					result = staging.CleanStale(cmd.Context(), cfg.Paths.StagingDir, olderThan, active, logger)
				default:
					if cleanAll {
						label = "staging"
					}
					result = staging.CleanOrphaned(cmd.Context(), cfg.Paths.StagingDir, active, logger)
				}

				// Ledger rows whose staging directory is gone can never resume.
				for _, path := range result.Removed {
					if err := store.Delete(cmd.Context(), filepath.Base(path)); err != nil {
						return fmt.Errorf("delete ledger row for %s: %w", path, err)
					}
				}

				if ctx.JSONMode() {
					return writeStagingCleanJSON(cmd, result)
				}
				return printStagingCleanResult(cmd, result, label)
			})
		},
	}

	cmd.Flags().BoolVar(&cleanAll, "all", false, "Remove all staging directories (including resumable ones)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only remove directories untouched for this long (e.g. 72h)")

	return cmd
}

func ledgerActive(ctx context.Context, store *ledger.Store) (staging.ActiveFunc, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ids[rec.ID] = struct{}{}
	}
	return func(name string) bool {
		_, ok := ids[name]
		return ok
	}, nil
}

func printStagingCleanResult(cmd *cobra.Command, result staging.CleanResult, label string) error {
	out := cmd.OutOrStdout()
	if len(result.Removed) == 0 && len(result.Errors) == 0 {
		fmt.Fprintf(out, "No %s directories to clean\n", label)
		return nil
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "Removed %d %s directories, %d errors\n", len(result.Removed), label, len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  Error: %s: %v\n", e.Path, e.Error)
		}
		return nil
	}
	fmt.Fprintf(out, "Removed %d %s directories\n", len(result.Removed), label)
	return nil
}

func writeStagingCleanJSON(cmd *cobra.Command, result staging.CleanResult) error {
	errs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, fmt.Sprintf("%s: %v", e.Path, e.Error))
	}
	return writeJSON(cmd, map[string]any{
		"removed": len(result.Removed),
		"errors":  errs,
	})
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%dd", days)
}
