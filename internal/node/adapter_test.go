package node

import (
	"path/filepath"
	"testing"

	"github.com/axondata/go-minestack/internal/config"
)

func TestFatalLineClassification(t *testing.T) {
	cases := []struct {
		line    string
		wantTag string
		wantHit bool
	}{
		{"ERROR Database is corrupt, aborting", "database-corrupt", true},
		{"Chain storage error: inconsistent state", "database-corrupt", true},
		{"bind failed: Address already in use", "port-conflict", true},
		{"INFO new tip at height 1234", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		tag, hit := fatalLine(tc.line)
		if hit != tc.wantHit || tag != tc.wantTag {
			t.Errorf("fatalLine(%q) = (%q, %v), want (%q, %v)",
				tc.line, tag, hit, tc.wantTag, tc.wantHit)
		}
	}
}

func TestStartConfigDataDir(t *testing.T) {
	cfg := StartConfig{
		Network: "esmeralda",
		Dirs:    config.Dirs{Data: "/var/lib/stack"},
	}
	want := filepath.Join("/var/lib/stack", "node")
	if got := cfg.DataDir(); got != want {
		t.Errorf("DataDir() = %s, want %s", got, want)
	}
}
