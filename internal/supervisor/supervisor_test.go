package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
)

func TestSuperviseRetriesTransientErrors(t *testing.T) {
	opts := Options{MinInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := Supervise(ctx, telemetry.Discard(), opts, func(ctx context.Context) error {
		calls++
		if calls >= 3 {
			cancel()
		}
		return tunnelerr.New(tunnelerr.KindIO, "dial", errors.New("boom"))
	})
	if err != nil {
		t.Fatalf("Supervise err = %v, want nil (ctx cancellation)", err)
	}
	if calls < 3 {
		t.Fatalf("calls = %d, want >= 3", calls)
	}
}

func TestSuperviseStopsOnAuthFailed(t *testing.T) {
	opts := DefaultOptions()
	calls := 0
	err := Supervise(context.Background(), telemetry.Discard(), opts, func(ctx context.Context) error {
		calls++
		return tunnelerr.ErrAuthFailed
	})
	if !errors.Is(err, tunnelerr.ErrAuthFailed) {
		t.Fatalf("Supervise err = %v, want ErrAuthFailed", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestSuperviseStopsOnConfigurationError(t *testing.T) {
	calls := 0
	err := Supervise(context.Background(), telemetry.Discard(), DefaultOptions(), func(ctx context.Context) error {
		calls++
		return tunnelerr.New(tunnelerr.KindConfiguration, "listen", errors.New("bad address"))
	})
	if tunnelerr.KindOf(err) != tunnelerr.KindConfiguration {
		t.Fatalf("Supervise err kind = %v, want configuration", tunnelerr.KindOf(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSuperviseRespectsMaxAttempts(t *testing.T) {
	opts := Options{MinInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 2}
	calls := 0
	err := Supervise(context.Background(), telemetry.Discard(), opts, func(ctx context.Context) error {
		calls++
		return tunnelerr.New(tunnelerr.KindIO, "dial", errors.New("boom"))
	})
	if err == nil {
		t.Fatalf("Supervise err = nil, want the last error after exhausting attempts")
	}
	if calls != 3 { // first attempt + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}
