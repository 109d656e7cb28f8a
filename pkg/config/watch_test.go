package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/config"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "approval:\n  policy: suggest\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *config.Config, 4)
	errs := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, func(cfg *config.Config, err error) {
			if err != nil {
				errs <- err
				return
			}
			changes <- cfg
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("approval:\n  policy: full-auto\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.ApprovalPolicy() != approval.PolicyFullAuto {
			t.Fatalf("reloaded policy = %s", cfg.ApprovalPolicy())
		}
	case err := <-errs:
		t.Fatalf("reload failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchReportsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "approval:\n  policy: suggest\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 4)
	go func() {
		_ = config.Watch(ctx, path, func(cfg *config.Config, err error) {
			if err != nil {
				errs <- err
			}
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("approval:\n  policy: yolo\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invalid config was not reported")
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	if err := config.Watch(context.Background(), "config.yaml", nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}
