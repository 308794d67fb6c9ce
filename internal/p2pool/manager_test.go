package p2pool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

func fakeStatsServer(t *testing.T, stats map[string]Stats) int {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(stats)
	}))
	t.Cleanup(server.Close)

	return server.Listener.Addr().(*net.TCPAddr).Port
}

func installFakeP2pool(t *testing.T, installDir string) {
	t.Helper()
	dir := filepath.Join(installDir, binaries.P2pool.String(), "1.0.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\necho \"Stats server started\"\nwhile :; do sleep 0.1; done\n"
	if err := os.WriteFile(filepath.Join(dir, binaries.P2pool.ExeName()), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T) (*Manager, config.Dirs) {
	t.Helper()
	base := t.TempDir()
	dirs := config.Default(base).Dirs

	installDir := filepath.Join(base, "install")
	installFakeP2pool(t, installDir)

	resolver, err := binaries.NewResolver(
		binaries.NewIndexClient("http://127.0.0.1:1"),
		installDir, filepath.Join(base, "cache"))
	if err != nil {
		t.Fatal(err)
	}

	return NewManager(context.Background(), resolver, zerolog.Nop()), dirs
}

func TestManagerLifecycle(t *testing.T) {
	mgr, dirs := newTestManager(t)
	statsPort := fakeStatsServer(t, map[string]Stats{
		"randomx": {NumOfMiners: 3, PoolHashRate: 1500, Squad: "default_3"},
		"sha3x":   {NumOfMiners: 1, PoolHashRate: 900},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := NewConfigBuilder("esmeralda", dirs, 18145, statsPort).
		WithBaseNode(18142).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.EnsureStarted(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	port, err := mgr.GrpcPort()
	if err != nil {
		t.Fatal(err)
	}
	if port != 18145 {
		t.Errorf("grpc port = %d, want 18145", port)
	}

	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := stats["randomx"].NumOfMiners; got != 3 {
		t.Errorf("randomx miners = %d, want 3", got)
	}
	if got := stats["sha3x"].PoolHashRate; got != 900 {
		t.Errorf("sha3x pool hash rate = %v, want 900", got)
	}

	code, err := mgr.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestStatsBeforeStart(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Stats(context.Background()); !errors.Is(err, process.ErrNotStarted) {
		t.Fatalf("Stats before start = %v, want ErrNotStarted", err)
	}
	if _, err := mgr.GrpcPort(); !errors.Is(err, process.ErrNotStarted) {
		t.Fatalf("GrpcPort before start = %v, want ErrNotStarted", err)
	}
}
