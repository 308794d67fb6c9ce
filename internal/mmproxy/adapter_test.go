package mmproxy

import "testing"

func TestStartConfigUpstreamSelection(t *testing.T) {
	var cfg StartConfig

	cfg.UseBaseNode(18142)
	if cfg.P2poolEnabled {
		t.Error("UseBaseNode left p2pool enabled")
	}
	if got := cfg.upstreamPort(); got != 18142 {
		t.Errorf("upstream port = %d, want 18142", got)
	}

	cfg.UseP2pool(18145)
	if !cfg.P2poolEnabled {
		t.Error("UseP2pool did not enable p2pool")
	}
	if got := cfg.upstreamPort(); got != 18145 {
		t.Errorf("upstream port = %d, want 18145", got)
	}

	// Flipping back selects the previously recorded node port.
	cfg.UseBaseNode(18142)
	if got := cfg.upstreamPort(); got != 18142 {
		t.Errorf("upstream port after flip back = %d, want 18142", got)
	}
}
