package preflight

import (
	"context"
	"strings"

	"github.com/crossbario/crossbar-sub003/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Upload directory", cfg.Paths.UploadDir),
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
	}

	// A finished file needs room for its assembled copy while the chunks still exist.
	if limit := cfg.MaxFileSizeBytes(); limit > 0 {
		results = append(results, CheckFreeSpace("Upload free space", cfg.Paths.UploadDir, uint64(limit)))
		results = append(results, CheckFreeSpace("Staging free space", cfg.Paths.StagingDir, uint64(limit)))
	}

	if strings.TrimSpace(cfg.Notifications.NtfyURL) != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notifications.NtfyURL))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
