package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatalf("two holders of the same key ran at once")
	}
	if k.size() != 0 {
		t.Fatalf("expected all lock entries to be released, got %d", k.size())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	policy := api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	transient := errors.New("connection reset")

	calls := 0
	err := withRetry(ctx, policy, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on the third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = withRetry(ctx, policy, func() error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) || calls != 3 {
		t.Fatalf("expected the last transient error after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = withRetry(ctx, policy, func() error {
		calls++
		return api.ErrConflict
	})
	if !errors.Is(err, api.ErrConflict) || calls != 1 {
		t.Fatalf("logical errors must not be retried, got err=%v calls=%d", err, calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := withRetry(cancelled, policy, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
