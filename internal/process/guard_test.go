package process

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGuardFailFast(t *testing.T) {
	var g Guard

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- g.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := g.Do(func() error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent call = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Flag is cleared once the first call returns.
	if err := g.Do(func() error { return nil }); err != nil {
		t.Fatalf("call after release = %v, want nil", err)
	}
}

func TestGuardClearsOnError(t *testing.T) {
	var g Guard

	boom := errors.New("boom")
	if err := g.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if err := g.Do(func() error { return nil }); err != nil {
		t.Fatalf("guard stuck busy after error: %v", err)
	}
}

func TestGuardNeverStuckUnderContention(t *testing.T) {
	var g Guard
	var ran atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := g.Do(func() error {
					ran.Add(1)
					return nil
				})
				if err != nil && !errors.Is(err, ErrBusy) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if ran.Load() == 0 {
		t.Fatal("no call ever ran")
	}
	// All flags released; a final call must succeed.
	if err := g.Do(func() error { return nil }); err != nil {
		t.Fatalf("guard stuck busy: %v", err)
	}
}
