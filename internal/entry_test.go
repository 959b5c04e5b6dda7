package internal

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sqliteConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Store.Backend = BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "run.db")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRun_RequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestRun_StdioUntilEOF(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Store.Watch = true

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_project","arguments":{"name":"Errands"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_projects","arguments":{}}}`,
	}, "\n") + "\n"
	var out, logs bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(),
			WithConfig(cfg),
			WithStdio(strings.NewReader(in), &out),
			WithLogOutput(&logs))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return at end of input")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d response lines:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[2], `Errands`) {
		t.Errorf("list_projects missed the new project: %s", lines[2])
	}
	if !strings.Contains(logs.String(), `"msg":"app: stopped"`) {
		t.Errorf("logs missing shutdown line:\n%s", logs.String())
	}
	if strings.Contains(out.String(), `"level"`) {
		t.Error("log records leaked into the protocol stream")
	}
}

func TestRun_ContextCancelStopsStdio(t *testing.T) {
	cfg := sqliteConfig(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, WithConfig(cfg), WithStdio(pr, io.Discard), WithLogOutput(io.Discard))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOpenGateway_RemoteNeedsCredentials(t *testing.T) {
	if _, _, err := openGateway(StoreConfig{Backend: BackendPostgREST}); err == nil {
		t.Fatal("expected error without url and key")
	}
	gw, local, err := openGateway(StoreConfig{
		Backend: BackendPostgREST,
		URL:     "https://example.supabase.co",
		Key:     "k",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if gw == nil || local != nil {
		t.Errorf("gw=%v local=%v", gw, local)
	}
}
