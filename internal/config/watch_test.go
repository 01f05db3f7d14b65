package config

import (
	"context"
	"os"
	"testing"
	"time"

	logx "celebot/pkg/logx"
)

func TestWatchReloadsOnRewrite(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"storage": {"path": "./a.db"},
		"queue": {"path": "./b.db"},
		"dispatch": {"rate_per_sec": 2}
	}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, logx.Nop(), func(cfg *Config) {
			select {
			case reloads <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to attach before rewriting.
	time.Sleep(100 * time.Millisecond)
	body := `{
		"storage": {"path": "./a.db"},
		"queue": {"path": "./b.db"},
		"dispatch": {"rate_per_sec": 9}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloads:
		if cfg.Dispatch.RatePerSec != 9 {
			t.Fatalf("reloaded dispatch = %+v", cfg.Dispatch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchKeepsPreviousConfigOnBadRewrite(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"storage": {"path": "./a.db"},
		"queue": {"path": "./b.db"}
	}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *Config, 1)
	go Watch(ctx, path, logx.Nop(), func(cfg *Config) {
		select {
		case reloads <- cfg:
		default:
		}
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloads:
		t.Fatalf("broken config was handed out: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}
}
