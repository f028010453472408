package expiry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	calls  atomic.Int32
	limits chan int
	err    error
}

func (f *fakeStore) ExpireBatch(_ context.Context, limit int) (int, error) {
	f.calls.Add(1)
	select {
	case f.limits <- limit:
	default:
	}
	return 2, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeperDefaultsBatchSize(t *testing.T) {
	store := &fakeStore{limits: make(chan int, 1)}
	s := NewSweeper(store, discardLogger(), 0)
	s.sweepOnce(context.Background())
	if got := <-store.limits; got != 100 {
		t.Fatalf("expected default batch 100, got %d", got)
	}
}

func TestSweeperSweepsImmediatelyAndOnTick(t *testing.T) {
	store := &fakeStore{limits: make(chan int, 16)}
	s := NewSweeper(store, discardLogger(), 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 sweeps, got %d", store.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestSweeperSurvivesStoreErrors(t *testing.T) {
	store := &fakeStore{limits: make(chan int, 1), err: errors.New("pool closed")}
	s := NewSweeper(store, discardLogger(), 10)
	s.sweepOnce(context.Background())
	if store.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", store.calls.Load())
	}
}
