package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWorker runs until its context is cancelled, or fails on demand.
type fakeWorker struct {
	name    string
	fail    error
	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Run(ctx context.Context) error {
	f.started.Store(true)
	if f.fail != nil {
		return f.fail
	}
	<-ctx.Done()
	f.stopped.Store(true)
	return nil
}

func TestRunner_StopsAllOnCancel(t *testing.T) {
	t.Parallel()
	a := &fakeWorker{name: "a"}
	b := &fakeWorker{name: "b"}
	r := NewRunner(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return a.started.Load() && b.started.Load() })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !a.stopped.Load() || !b.stopped.Load() {
		t.Error("workers did not observe cancellation")
	}
}

func TestRunner_FirstErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	bad := &fakeWorker{name: "bad", fail: boom}
	good := &fakeWorker{name: "good"}
	r := NewRunner(good, bad)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after worker failure")
	}
	if !good.stopped.Load() {
		t.Error("healthy worker not cancelled by sibling failure")
	}
}

func TestRunner_NoWorkers(t *testing.T) {
	t.Parallel()
	if err := NewRunner().Run(context.Background()); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
