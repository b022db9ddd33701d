package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/preflight"
)

type uploadStatus struct {
	ID          string    `json:"id"`
	Received    int       `json:"received"`
	Total       int       `json:"total"`
	Remaining   int       `json:"remaining"`
	TotalSize   int64     `json:"total_size_bytes"`
	StagedBytes int64     `json:"staged_bytes"`
	Owner       string    `json:"owner"`
	Topic       string    `json:"topic,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type statusReport struct {
	ConfigPath    string             `json:"config_path"`
	DaemonRunning bool               `json:"daemon_running"`
	LedgerPath    string             `json:"ledger_path"`
	Uploads       []uploadStatus     `json:"uploads"`
	Checks        []preflight.Result `json:"checks"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show in-progress uploads and readiness checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			running, err := daemonRunning(cfg)
			if err != nil {
				return err
			}

			report := statusReport{
				ConfigPath:    ctx.configPath,
				DaemonRunning: running,
				LedgerPath:    cfg.LedgerPath(),
				Checks:        preflight.RunAll(cmd.Context(), cfg),
			}
			err = ctx.withLedger(func(store *ledger.Store) error {
				records, err := store.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("list uploads: %w", err)
				}
				report.Uploads = make([]uploadStatus, 0, len(records))
				for _, rec := range records {
					report.Uploads = append(report.Uploads, uploadStatus{
						ID:          rec.ID,
						Received:    len(rec.Chunks),
						Total:       rec.TotalChunks,
						Remaining:   rec.Remaining(),
						TotalSize:   rec.TotalSize,
						StagedBytes: rec.StagedBytes,
						Owner:       rec.Owner,
						Topic:       rec.Topic,
						UpdatedAt:   rec.UpdatedAt,
					})
				}
				return nil
			})
			if err != nil {
				return err
			}

			if ctx.JSONMode() {
				return writeJSON(cmd, report)
			}
			printStatus(cmd, report)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, report statusReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config: %s\n", report.ConfigPath)
	fmt.Fprintf(out, "Daemon running: %s\n", yesNo(report.DaemonRunning))
	fmt.Fprintf(out, "Ledger: %s\n\n", report.LedgerPath)

	if len(report.Uploads) == 0 {
		fmt.Fprintln(out, "No uploads in progress")
	} else {
		rows := make([][]string, 0, len(report.Uploads))
		for _, u := range report.Uploads {
			total := "?"
			if u.Total > 0 {
				total = strconv.Itoa(u.Total)
			}
			size := "?"
			if u.TotalSize > 0 {
				size = humanize.IBytes(uint64(u.TotalSize))
			}
			rows = append(rows, []string{
				u.ID,
				fmt.Sprintf("%d/%s", u.Received, total),
				humanize.IBytes(uint64(u.StagedBytes)),
				size,
				u.Owner,
				humanize.Time(u.UpdatedAt),
			})
		}
		fmt.Fprint(out, renderTable(out,
			[]string{"Upload", "Chunks", "Staged", "Size", "Owner", "Updated"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
		))
	}

	fmt.Fprintln(out)
	rows := make([][]string, 0, len(report.Checks))
	for _, check := range report.Checks {
		state := "ok"
		if !check.Passed {
			state = "FAIL"
		}
		rows = append(rows, []string{check.Name, state, check.Detail})
	}
	fmt.Fprint(out, renderTable(out, []string{"Check", "State", "Detail"}, rows, nil))
}
