package miner

import (
	"context"
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

func installFakeBinary(t *testing.T, installDir string, b binaries.Binary, script string) {
	t.Helper()
	dir := filepath.Join(installDir, b.String(), "1.0.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, b.ExeName()), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestResolver(t *testing.T) (*binaries.Resolver, config.Dirs, string) {
	t.Helper()
	base := t.TempDir()
	dirs := config.Default(base).Dirs
	installDir := filepath.Join(base, "install")

	resolver, err := binaries.NewResolver(
		binaries.NewIndexClient("http://127.0.0.1:1"),
		installDir, filepath.Join(base, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return resolver, dirs, installDir
}

func fakeSummaryServer(t *testing.T, body string) int {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/summary" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server.Listener.Addr().(*net.TCPAddr).Port
}

const minerScript = `trap 'exit 0' TERM
echo "READY threads 4"
while :; do sleep 0.1; done
`

func TestCPUMinerLifecycle(t *testing.T) {
	resolver, dirs, installDir := newTestResolver(t)
	installFakeBinary(t, installDir, binaries.CpuMiner, minerScript)

	summaryPort := fakeSummaryServer(t,
		`{"hashrate":{"total":[1500.0]},"connection":{"uptime":60}}`)

	m := NewCPUMiner(context.Background(), resolver, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Idle miner reports a zero status without error.
	st, err := m.Status(ctx, 3000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsMining {
		t.Error("idle miner reports mining")
	}

	err = m.Start(ctx, CPUConfig{
		Dirs:          dirs,
		MoneroAddress: "4Axyz",
		ProxyPort:     18081,
		Mode:          ModeEco,
		SummaryPort:   summaryPort,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Starting again while running is a no-op.
	if err := m.Start(ctx, CPUConfig{Dirs: dirs, MoneroAddress: "4Axyz"}); err != nil {
		t.Fatal(err)
	}

	st, err = m.Status(ctx, 3000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsMining {
		t.Error("running miner not reported as mining")
	}
	if st.HashRate != 1500 {
		t.Errorf("hash rate = %v, want 1500", st.HashRate)
	}
	if !st.IsConnected {
		t.Error("connected miner not reported as connected")
	}
	if want := EstimateEarnings(1500, 3000, 100); st.EstimatedEarnings != want {
		t.Errorf("earnings = %d, want %d", st.EstimatedEarnings, want)
	}

	code, err := m.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := m.ProcessStatus().State; got != process.StateStopped {
		t.Errorf("state = %v, want %v", got, process.StateStopped)
	}
}

func TestCPUMinerRequiresAddress(t *testing.T) {
	resolver, dirs, installDir := newTestResolver(t)
	installFakeBinary(t, installDir, binaries.CpuMiner, minerScript)

	m := NewCPUMiner(context.Background(), resolver, zerolog.Nop())
	if err := m.Start(context.Background(), CPUConfig{Dirs: dirs}); err == nil {
		t.Fatal("start without a monero address succeeded")
	}
}

func TestCPUMinerStatusBeforeSummaryEndpoint(t *testing.T) {
	resolver, dirs, installDir := newTestResolver(t)
	installFakeBinary(t, installDir, binaries.CpuMiner, minerScript)

	// Nothing listens on the summary port; the miner is alive but its
	// stats endpoint is down.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	m := NewCPUMiner(context.Background(), resolver, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = m.Start(ctx, CPUConfig{
		Dirs:          dirs,
		MoneroAddress: "4Axyz",
		ProxyPort:     18081,
		Mode:          ModeEco,
		SummaryPort:   port,
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := m.Status(ctx, 3000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsMining {
		t.Error("alive miner not reported as mining")
	}
	if st.HashRate != 0 {
		t.Errorf("hash rate without summary = %v, want 0", st.HashRate)
	}
}
