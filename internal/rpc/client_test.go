package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/axondata/go-minestack/internal/process"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		notReady bool
	}{
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped refusal", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"plain error", errors.New("bad request"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("sync_status", tc.err)
			if errors.Is(got, process.ErrNotReady) != tc.notReady {
				t.Errorf("classify(%v) not-ready = %v, want %v",
					tc.err, !tc.notReady, tc.notReady)
			}
		})
	}
}

func TestCallAgainstClosedPortIsNotReady(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	c := NewClient(port)
	c.DialTimeout = 500 * time.Millisecond
	c.CallTimeout = time.Second

	var result map[string]any
	callErr := c.Call(context.Background(), "sync_status", nil, &result)
	if !errors.Is(callErr, process.ErrNotReady) {
		t.Fatalf("call against closed port = %v, want ErrNotReady", callErr)
	}
}
