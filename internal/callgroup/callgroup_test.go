package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoDeduplicates(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	create := func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Go(func() { errs[0] = g.Do(context.Background(), "events-a", create) })
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() { errs[i] = g.Do(context.Background(), "events-a", create) })
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestDoCallerCancellation(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})
	var sawCancel atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- g.Do(ctx, "k", func(fctx context.Context) error {
			<-release
			sawCancel.Store(fctx.Err() != nil)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// A second caller joins the still-running call and gets its result.
	joined := g.DoChan("k", func() error {
		t.Error("second fn should not execute")
		return nil
	})
	close(release)
	if err := <-joined; err != nil {
		t.Errorf("joined caller: %v", err)
	}
	if sawCancel.Load() {
		t.Error("shared call must not observe one caller's cancellation")
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Go(func() {
			_ = g.Do(context.Background(), key, func(context.Context) error {
				calls.Add(1)
				return nil
			})
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	ch1 := g.DoChan(1, func() error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return sentinel
	})
	<-started

	ch2 := g.DoChan(1, func() error {
		t.Error("should not execute")
		return nil
	})

	if err := <-ch1; !errors.Is(err, sentinel) {
		t.Errorf("caller 1: got %v, want %v", err, sentinel)
	}
	if err := <-ch2; !errors.Is(err, sentinel) {
		t.Errorf("caller 2: got %v, want %v", err, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32
	fn := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	if err := g.Do(context.Background(), 1, fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := g.Do(context.Background(), 1, fn); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
}
