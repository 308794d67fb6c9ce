// Package p2pool manages the peer-to-peer pool client and its stats
// endpoint.
package p2pool

import (
	"fmt"

	"github.com/axondata/go-minestack/internal/config"
)

// StartConfig is the per-start launch configuration for the pool
// client. Build one with NewConfigBuilder.
type StartConfig struct {
	// Network is the network identifier
	Network string
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// GrpcPort is the pool's local gRPC listen port
	GrpcPort int
	// StatsPort is the local HTTP stats endpoint port
	StatsPort int
	// BaseNodeGrpcPort is the upstream node gRPC port
	BaseNodeGrpcPort int
	// SquadOverride pins the mining squad, empty for automatic
	SquadOverride string
}

// ConfigBuilder assembles a StartConfig.
type ConfigBuilder struct {
	cfg StartConfig
}

// NewConfigBuilder creates a builder with the given network, directory
// layout and local ports.
func NewConfigBuilder(network string, dirs config.Dirs, grpcPort, statsPort int) *ConfigBuilder {
	return &ConfigBuilder{cfg: StartConfig{
		Network:   network,
		Dirs:      dirs,
		GrpcPort:  grpcPort,
		StatsPort: statsPort,
	}}
}

// WithBaseNode sets the upstream node gRPC port.
func (b *ConfigBuilder) WithBaseNode(grpcPort int) *ConfigBuilder {
	b.cfg.BaseNodeGrpcPort = grpcPort
	return b
}

// WithSquad pins the mining squad.
func (b *ConfigBuilder) WithSquad(squad string) *ConfigBuilder {
	b.cfg.SquadOverride = squad
	return b
}

// Build validates and returns the StartConfig.
func (b *ConfigBuilder) Build() (StartConfig, error) {
	if b.cfg.BaseNodeGrpcPort <= 0 {
		return StartConfig{}, fmt.Errorf("p2pool: base node grpc port required")
	}
	return b.cfg, nil
}
