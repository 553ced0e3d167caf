package coordinator

import (
	"context"
	"flag"
	"testing"
	"time"

	runtime "github.com/louisbranch/chronicle/internal/coordinator"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.GRPCPort != 8090 {
		t.Fatalf("expected default grpc port 8090, got %d", cfg.GRPCPort)
	}
	if cfg.MetricsPort != 9090 {
		t.Fatalf("expected default metrics port 9090, got %d", cfg.MetricsPort)
	}
	if cfg.StorePath != "" {
		t.Fatalf("expected empty store path, got %q", cfg.StorePath)
	}
	if cfg.SnapshotEvery != 0 {
		t.Fatalf("expected snapshots disabled, got %d", cfg.SnapshotEvery)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-store", "/tmp/journal.db", "-grpc-port", "9001", "-snapshot-every", "50"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.StorePath != "/tmp/journal.db" {
		t.Fatalf("expected store override, got %q", cfg.StorePath)
	}
	if cfg.GRPCPort != 9001 {
		t.Fatalf("expected grpc port 9001, got %d", cfg.GRPCPort)
	}
	if cfg.SnapshotEvery != 50 {
		t.Fatalf("expected snapshot cadence 50, got %d", cfg.SnapshotEvery)
	}
}

func TestParseConfigBusinessAddr(t *testing.T) {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-business", "127.0.0.1:9100"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.BusinessAddr != "127.0.0.1:9100" {
		t.Fatalf("expected business address override, got %q", cfg.BusinessAddr)
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Fatalf("expected default dial timeout 10s, got %s", cfg.DialTimeout)
	}
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	store, err := openStore(Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if store == nil {
		t.Fatal("expected store")
	}
}

func TestOpenBusDefaultsToMemory(t *testing.T) {
	eventBus, err := openBus(Config{})
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	defer eventBus.Close()
	if eventBus == nil {
		t.Fatal("expected bus")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	registered := false
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, Config{GRPCPort: 0, MetricsPort: 0}, func(*runtime.Coordinator) error {
			registered = true
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if !registered {
		t.Fatal("expected registry callback to run")
	}
}
