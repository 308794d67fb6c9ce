package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

// fakeNodeRPC answers the node's RPC surface on a loopback port.
func fakeNodeRPC(t *testing.T, sync SyncStatus, info NetworkInfo) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		switch req.Method {
		case "sync_status":
			return sync, nil
		case "network_state":
			return info, nil
		case "list_connected_peers":
			return map[string][]string{"peers": {"peer-a", "peer-b"}}, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
			jsonrpc2.NewConn(context.Background(), stream, handler)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// installFakeNode places a long-running script where the resolver
// expects the node executable.
func installFakeNode(t *testing.T, installDir string) {
	t.Helper()
	dir := filepath.Join(installDir, binaries.Node.String(), "1.0.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile :; do sleep 0.1; done\n"
	if err := os.WriteFile(filepath.Join(dir, binaries.Node.ExeName()), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T) (*Manager, config.Dirs) {
	t.Helper()
	base := t.TempDir()
	dirs := config.Default(base).Dirs

	installDir := filepath.Join(base, "install")
	installFakeNode(t, installDir)

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
	port := fakeNodeRPC(t,
		SyncStatus{Synced: true, LocalHeight: 500, TipHeight: 500},
		NetworkInfo{ShaHashRate: 9000, BlockReward: 12345, BlockHeight: 500, Synced: true})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := StartConfig{Network: "esmeralda", Dirs: dirs, GrpcPort: port}
	if err := mgr.EnsureStarted(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	// Second EnsureStarted while running is a no-op.
	if err := mgr.EnsureStarted(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.GrpcPort()
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Errorf("grpc port = %d, want %d", got, port)
	}

	if err := mgr.WaitSynced(ctx, nil); err != nil {
		t.Fatal(err)
	}

	info, err := mgr.NetworkInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.BlockReward != 12345 {
		t.Errorf("block reward = %d, want 12345", info.BlockReward)
	}

	peers, err := mgr.ListConnectedPeers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Errorf("peers = %v, want 2 entries", peers)
	}

	code, err := mgr.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if st := mgr.Status().State; st != process.StateStopped {
		t.Errorf("state = %v, want %v", st, process.StateStopped)
	}
}

func TestQueriesBeforeStart(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.GrpcPort(); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("GrpcPort = %v, want ErrNotStarted", err)
	}
	if _, err := mgr.NetworkInfo(ctx); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("NetworkInfo = %v, want ErrNotStarted", err)
	}
	if _, err := mgr.ListConnectedPeers(ctx); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("ListConnectedPeers = %v, want ErrNotStarted", err)
	}
	if err := mgr.CleanDataFolder(); !errors.Is(err, process.ErrNotStarted) {
		t.Errorf("CleanDataFolder = %v, want ErrNotStarted", err)
	}
}

func TestCleanDataFolder(t *testing.T) {
	mgr, dirs := newTestManager(t)
	port := fakeNodeRPC(t, SyncStatus{Synced: true}, NetworkInfo{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := StartConfig{Network: "esmeralda", Dirs: dirs, GrpcPort: port}
	if err := mgr.EnsureStarted(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	// Refused while the node is alive.
	if err := mgr.CleanDataFolder(); err == nil {
		t.Fatal("data folder of a running node was deleted")
	}

	if _, err := mgr.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "db"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := mgr.CleanDataFolder(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Errorf("data dir still present: %v", err)
	}
}
