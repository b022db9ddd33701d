package daemon_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/daemon"
	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/notify"
	"github.com/crossbario/crossbar-sub003/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.WithPublisher(notify.Nop{}))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status()
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.APIAddress == "" {
		t.Fatal("expected bound api address")
	}

	resp, err := http.Get("http://" + status.APIAddress + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	first := newDaemon(t, cfg.LedgerPath(), cfg)
	second := newDaemon(t, filepath.Join(testsupport.BaseDir(cfg), "other.db"), cfg)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second instance to be rejected by the lock")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
	second.Stop()
}

func TestStartRecoversStaging(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	testsupport.WriteChunkFile(t, cfg.Paths.StagingDir, "half.bin", 1, []byte("abc"))
	if err := os.MkdirAll(filepath.Join(cfg.Paths.StagingDir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := newDaemon(t, cfg.LedgerPath(), cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	status := d.Status()
	if status.Uploads != 1 || len(status.Recovery.Resumed) != 1 || len(status.Recovery.Removed) != 1 {
		t.Fatalf("unexpected recovery status: %+v", status)
	}
	if !d.Engine().ChunkReceived("half.bin", 1) {
		t.Fatal("recovered chunk must be queryable")
	}
}

func newDaemon(t *testing.T, ledgerPath string, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	store, err := ledger.OpenPath(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.OpenPath: %v", err)
	}
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.WithPublisher(notify.Nop{}))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}
