package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunOrdersResultsByIndex(t *testing.T) {
	results := Run(context.Background(), 3, 10, func(ctx context.Context, i int) (int, error) {
		return i * i, nil
	})
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
		if r.Value != i*i {
			t.Errorf("expected %d squared for index %d, got %d", i, i, r.Value)
		}
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	Run(context.Background(), 2, 6, func(ctx context.Context, i int) (struct{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})

	if maxObserved > 2 {
		t.Errorf("expected at most 2 concurrent workers, observed %d", maxObserved)
	}
}

func TestRunCapturesPerItemErrors(t *testing.T) {
	boom := errors.New("boom")
	results := Run(context.Background(), 2, 3, func(ctx context.Context, i int) (int, error) {
		if i == 1 {
			return 0, boom
		}
		return i, nil
	})
	if results[1].Err != boom {
		t.Errorf("expected item 1 to carry its error, got %v", results[1].Err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Error("expected items 0 and 2 to succeed")
	}
}

func TestRunStopsDispatchingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started int32

	done := make(chan struct{})
	go func() {
		Run(ctx, 1, 100, func(ctx context.Context, i int) (int, error) {
			atomic.AddInt32(&started, 1)
			if i == 0 {
				cancel()
			}
			return i, nil
		})
		close(done)
	}()
	<-done

	if atomic.LoadInt32(&started) >= 100 {
		t.Error("expected cancellation to stop dispatching before all items ran")
	}
}
