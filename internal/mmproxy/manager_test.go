package mmproxy

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

func installFakeProxy(t *testing.T, installDir string) {
	t.Helper()
	dir := filepath.Join(installDir, binaries.MergeMiningProxy.String(), "1.0.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\necho \"Listening on 127.0.0.1\"\nwhile :; do sleep 0.1; done\n"
	if err := os.WriteFile(filepath.Join(dir, binaries.MergeMiningProxy.ExeName()), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T) (*Manager, config.Dirs) {
	t.Helper()
	base := t.TempDir()
	dirs := config.Default(base).Dirs

	installDir := filepath.Join(base, "install")
	installFakeProxy(t, installDir)

	resolver, err := binaries.NewResolver(
		binaries.NewIndexClient("http://127.0.0.1:1"),
		installDir, filepath.Join(base, "cache"))
	if err != nil {
		t.Fatal(err)
	}

	return NewManager(context.Background(), resolver, zerolog.Nop()), dirs
}

// listenPort opens a loopback listener standing in for the proxy's
// Monero port so WaitReady's dial probe succeeds.
func listenPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func TestManagerStartAndWaitReady(t *testing.T) {
	mgr, dirs := newTestManager(t)
	moneroPort := listenPort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := StartConfig{
		Network:     "esmeralda",
		Dirs:        dirs,
		TariAddress: "f2abc",
		MoneroPort:  moneroPort,
	}
	cfg.UseBaseNode(18142)

	if err := mgr.Start(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := mgr.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}

	port, err := mgr.MoneroPort()
	if err != nil {
		t.Fatal(err)
	}
	if port != moneroPort {
		t.Errorf("monero port = %d, want %d", port, moneroPort)
	}

	got := mgr.Config()
	if got == nil {
		t.Fatal("Config() = nil after start")
	}
	if got.P2poolEnabled {
		t.Error("config reports p2pool before any toggle")
	}

	if _, err := mgr.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestChangeConfigRestartsOnce(t *testing.T) {
	mgr, dirs := newTestManager(t)
	moneroPort := listenPort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := StartConfig{
		Network:     "esmeralda",
		Dirs:        dirs,
		TariAddress: "f2abc",
		MoneroPort:  moneroPort,
	}
	cfg.UseBaseNode(18142)

	if err := mgr.Start(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	firstPID := mgr.Status().PID

	next := cfg
	next.UseP2pool(18145)
	if err := mgr.ChangeConfig(ctx, next); err != nil {
		t.Fatal(err)
	}

	st := mgr.Status()
	if st.State != process.StateRunning {
		t.Fatalf("state after change = %v, want %v", st.State, process.StateRunning)
	}
	if st.PID == firstPID {
		t.Error("config change did not restart the process")
	}

	// The observable config is the whole new value, never a mix.
	got := mgr.Config()
	if got == nil {
		t.Fatal("Config() = nil after change")
	}
	if !got.P2poolEnabled || got.P2poolGrpcPort != 18145 {
		t.Errorf("config after change = %+v", got)
	}
	if got.upstreamPort() != 18145 {
		t.Errorf("upstream port = %d, want 18145", got.upstreamPort())
	}

	if _, err := mgr.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMoneroPortBeforeStart(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.MoneroPort(); !errors.Is(err, process.ErrNotStarted) {
		t.Fatalf("MoneroPort before start = %v, want ErrNotStarted", err)
	}
	if cfg := mgr.Config(); cfg != nil {
		t.Errorf("Config before start = %+v, want nil", cfg)
	}
}
