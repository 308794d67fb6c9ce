package miner

import "testing"

func TestEstimateEarnings(t *testing.T) {
	cases := []struct {
		name            string
		hashRate        float64
		networkHashRate uint64
		blockReward     uint64
		want            uint64
	}{
		{
			name:            "zero hash rate earns nothing",
			hashRate:        0,
			networkHashRate: 1000,
			blockReward:     100,
			want:            0,
		},
		{
			name:            "zero network hash rate earns nothing",
			hashRate:        500,
			networkHashRate: 0,
			blockReward:     100,
			want:            0,
		},
		{
			name:            "half the network earns half the daily reward",
			hashRate:        500,
			networkHashRate: 1000,
			blockReward:     100,
			want:            100 * blocksPerDay / 2,
		},
		{
			name:            "whole network earns the full daily reward",
			hashRate:        1000,
			networkHashRate: 1000,
			blockReward:     100,
			want:            100 * blocksPerDay,
		},
		{
			name:            "share above one is clamped",
			hashRate:        5000,
			networkHashRate: 1000,
			blockReward:     100,
			want:            100 * blocksPerDay,
		},
		{
			name:            "negative hash rate earns nothing",
			hashRate:        -10,
			networkHashRate: 1000,
			blockReward:     100,
			want:            0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateEarnings(tc.hashRate, tc.networkHashRate, tc.blockReward)
			if got != tc.want {
				t.Errorf("EstimateEarnings(%v, %d, %d) = %d, want %d",
					tc.hashRate, tc.networkHashRate, tc.blockReward, got, tc.want)
			}
		})
	}
}

func TestThreadCount(t *testing.T) {
	eco := threadCount(ModeEco)
	ludicrous := threadCount(ModeLudicrous)

	if eco < 1 {
		t.Errorf("eco thread count = %d, want at least 1", eco)
	}
	if ludicrous < 1 {
		t.Errorf("ludicrous thread count = %d, want at least 1", ludicrous)
	}
	if eco > ludicrous {
		t.Errorf("eco uses %d threads, more than ludicrous %d", eco, ludicrous)
	}
}
