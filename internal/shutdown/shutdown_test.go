package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

type recordingHandler struct {
	calls int
	got   error
	ret   error
}

func (h *recordingHandler) HandleOnceShutdown(completionErr error) error {
	h.calls++
	h.got = completionErr
	return h.ret
}

func TestShutdownBasic(t *testing.T) {
	handler := &recordingHandler{}
	h := New(telemetry.Discard(), handler)

	sentinel := errors.New("boom")
	err := h.Shutdown(sentinel)
	if err != sentinel {
		t.Fatalf("Shutdown returned %v, want %v", err, sentinel)
	}
	if handler.calls != 1 {
		t.Fatalf("handler called %d times, want 1", handler.calls)
	}
	if handler.got != sentinel {
		t.Fatalf("handler saw %v, want %v", handler.got, sentinel)
	}

	// Second call must not re-invoke the handler, and must return the
	// same status regardless of the completionErr it's given.
	if err := h.Shutdown(errors.New("ignored")); err != sentinel {
		t.Fatalf("second Shutdown returned %v, want %v", err, sentinel)
	}
	if handler.calls != 1 {
		t.Fatalf("handler called %d times after second Shutdown, want 1", handler.calls)
	}
}

func TestShutdownConcurrentCallersRunHandlerOnce(t *testing.T) {
	handler := &recordingHandler{}
	h := New(telemetry.Discard(), handler)

	var wg sync.WaitGroup
	results := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Shutdown(errors.New("racer"))
		}(i)
	}
	wg.Wait()

	if handler.calls != 1 {
		t.Fatalf("handler called %d times across racing callers, want 1", handler.calls)
	}
	for i, err := range results {
		if err != results[0] {
			t.Fatalf("caller %d saw %v, want %v shared by all callers", i, err, results[0])
		}
	}
}

func TestStartShutdownClosesStartedChanBeforeHandlerReturns(t *testing.T) {
	release := make(chan struct{})
	blocking := onceHandlerFunc(func(completionErr error) error {
		<-release
		return completionErr
	})
	h := New(telemetry.Discard(), blocking)

	h.StartShutdown(nil)
	select {
	case <-h.StartedChan():
	case <-time.After(time.Second):
		t.Fatal("StartedChan did not close promptly after StartShutdown")
	}

	select {
	case <-h.DoneChan():
		t.Fatal("shutdown reported done before the handler returned")
	default:
	}
	close(release)
}

type onceHandlerFunc func(completionErr error) error

func (f onceHandlerFunc) HandleOnceShutdown(completionErr error) error { return f(completionErr) }

func TestShutdownOnContext(t *testing.T) {
	handler := &recordingHandler{}
	h := New(telemetry.Discard(), handler)
	ctx, cancel := context.WithCancel(context.Background())
	h.ShutdownOnContext(ctx)
	cancel()

	err := h.Shutdown(errors.New("should be ignored, shutdown already started"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown returned %v, want context.Canceled", err)
	}
}

func TestShutdownOnContextNoopIfAlreadyStarted(t *testing.T) {
	handler := &recordingHandler{}
	h := New(telemetry.Discard(), handler)
	sentinel := errors.New("boom")
	h.StartShutdown(sentinel)

	ctx, cancel := context.WithCancel(context.Background())
	h.ShutdownOnContext(ctx)
	cancel()

	if err := h.Shutdown(nil); err != sentinel {
		t.Fatalf("Shutdown returned %v, want %v (the original reason)", err, sentinel)
	}
}
