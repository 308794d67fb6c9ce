// Package miner manages the CPU and GPU miner processes and derives
// their mining status from live hash rates and externally supplied
// network parameters.
package miner

// blocksPerDay assumes the chain's two-minute block target.
const blocksPerDay = 720

// EstimateEarnings returns the estimated earnings per day in micro
// units for a miner contributing hashRate against the given network
// hash rate and block reward. Pure computation, no I/O.
func EstimateEarnings(hashRate float64, networkHashRate, blockReward uint64) uint64 {
	if hashRate <= 0 || networkHashRate == 0 {
		return 0
	}
	share := hashRate / float64(networkHashRate)
	if share > 1 {
		share = 1
	}
	return uint64(share * float64(blockReward) * blocksPerDay)
}

// NodeSource selects the upstream a miner submits work to. The choice
// depends on live configuration and is supplied by the caller, never
// owned by the miner manager.
type NodeSource struct {
	// P2pool is true when the upstream is the pool client
	P2pool bool
	// GrpcPort is the upstream's local gRPC port
	GrpcPort int
}
