package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/orbit")
	if got := MustHomeFrom(ctx); got != "/orbit" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("ORBIT_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("ORBIT_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".orbit")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_defaults(t *testing.T) {
	t.Setenv("ORBIT_API_KEY", "")
	t.Setenv("ORBIT_CONFIDENCE_API_KEY", "")
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Addr != DefaultAddr {
		t.Fatalf("addr = %q, want default", c.Server.Addr)
	}
	if c.Store.Driver != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", c.Store.Driver)
	}
	if c.ConfidenceTimeout() != 0 {
		t.Fatalf("timeout = %v, want 0 (client default)", c.ConfidenceTimeout())
	}
}

func TestLoad_file(t *testing.T) {
	t.Setenv("ORBIT_API_KEY", "")
	t.Setenv("ORBIT_CONFIDENCE_API_KEY", "env-secret")
	home := t.TempDir()
	body := `
server:
  addr: "0.0.0.0:9090"
  api_key: file-key
store:
  driver: postgres
  dsn: postgres://localhost/orbit
confidence:
  base_url: https://scorer.example.com
  api_key: file-secret
  timeout_seconds: 3
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Addr != "0.0.0.0:9090" || c.Store.Driver != "postgres" {
		t.Fatalf("config not loaded: %+v", c)
	}
	if c.Confidence.APIKey != "env-secret" {
		t.Fatalf("env override not applied: %q", c.Confidence.APIKey)
	}
	if c.ConfidenceTimeout() != 3*time.Second {
		t.Fatalf("timeout = %v, want 3s", c.ConfidenceTimeout())
	}
}

func TestLoad_malformed(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("malformed config should error")
	}
}
