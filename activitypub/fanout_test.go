package activitypub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFanOutLimitsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	err := fanOut(context.Background(), 3, items, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("fanOut failed: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("Expected at most 3 calls in flight, got %d", peak.Load())
	}
}

func TestFanOutStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := fanOut(context.Background(), 1, []int{1, 2, 3}, func(ctx context.Context, i int) error {
		if i == 2 {
			return boom
		}
		return ctx.Err()
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestFanOutAllKeepsEveryError(t *testing.T) {
	boom := errors.New("boom")
	errs := fanOutAll(context.Background(), 2, []int{0, 1, 2, 3}, func(ctx context.Context, i int) error {
		if i%2 == 1 {
			return boom
		}
		return nil
	})
	for i, err := range errs {
		if (i%2 == 1) != (err != nil) {
			t.Errorf("Unexpected error at %d: %v", i, err)
		}
	}
}
