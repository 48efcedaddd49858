package correlation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-bus-runtime/correlation"
)

func TestFuture_CompleteOnce(t *testing.T) {
	f := correlation.NewFuture()

	if !f.Complete("first", nil) {
		t.Fatalf("first complete must win")
	}

	if f.Complete("second", errors.New("late")) {
		t.Fatalf("second complete must be discarded")
	}

	v, err := f.Wait(t.Context())
	if err != nil || v != "first" {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestFuture_ConcurrentCompleters(t *testing.T) {
	f := correlation.NewFuture()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if f.Complete(i, nil) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins=%d, want 1", wins)
	}

	select {
	case <-f.Done():
	default:
		t.Fatalf("done must be closed")
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := correlation.NewFuture()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}
