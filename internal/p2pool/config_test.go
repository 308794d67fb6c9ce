package p2pool

import (
	"testing"

	"github.com/axondata/go-minestack/internal/config"
)

func TestConfigBuilder(t *testing.T) {
	dirs := config.Dirs{Data: "/data", Log: "/log"}

	cfg, err := NewConfigBuilder("esmeralda", dirs, 18145, 19000).
		WithBaseNode(18142).
		WithSquad("default_3").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Network != "esmeralda" {
		t.Errorf("network = %s, want esmeralda", cfg.Network)
	}
	if cfg.GrpcPort != 18145 || cfg.StatsPort != 19000 {
		t.Errorf("ports = (%d, %d), want (18145, 19000)", cfg.GrpcPort, cfg.StatsPort)
	}
	if cfg.BaseNodeGrpcPort != 18142 {
		t.Errorf("base node port = %d, want 18142", cfg.BaseNodeGrpcPort)
	}
	if cfg.SquadOverride != "default_3" {
		t.Errorf("squad = %s, want default_3", cfg.SquadOverride)
	}
}

func TestConfigBuilderRequiresBaseNode(t *testing.T) {
	_, err := NewConfigBuilder("esmeralda", config.Dirs{}, 18145, 19000).Build()
	if err == nil {
		t.Fatal("Build without a base node port succeeded")
	}
}
