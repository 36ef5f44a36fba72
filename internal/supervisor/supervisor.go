// Package supervisor runs a role's Run loop across reconnects, applying
// exponential backoff to transient failures, the way the teacher's
// connectionLoop kept a proxy-client attached to its gateway across drops.
// Graceful shutdown itself (GoAway, half-close, bounded drain) is the
// role's own responsibility, since only the role holds the frame.Conn.
package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
)

// Options tunes the reconnect backoff.
type Options struct {
	// MinInterval is the first retry delay.
	MinInterval time.Duration
	// MaxInterval caps the retry delay.
	MaxInterval time.Duration
	// MaxAttempts stops retrying once exceeded. Zero means unlimited.
	MaxAttempts int
}

// DefaultOptions matches the reconnect cadence described for the tunnel:
// 3s initial backoff doubling to a 30s ceiling, each delay jittered ±20%
// by Supervise.
func DefaultOptions() Options {
	return Options{
		MinInterval: 3 * time.Second,
		MaxInterval: 30 * time.Second,
		MaxAttempts: 0,
	}
}

// RunFunc is a role's single-attempt session loop, e.g. (*role.ProxyClient).Run
// or (*role.ProxyServer).Run. It returns once the session ends, with an
// error classified via tunnelerr so Supervise can decide whether to retry.
type RunFunc func(ctx context.Context) error

// Supervise calls run repeatedly until ctx is cancelled or run returns a
// terminal error (KindConfiguration or KindAuthFailed), applying
// exponential backoff between attempts. It returns the last error, or nil
// if ctx cancellation caused the exit.
func Supervise(ctx context.Context, log *telemetry.Logger, opts Options, run RunFunc) error {
	b := &backoff.Backoff{
		Min:    opts.MinInterval,
		Max:    opts.MaxInterval,
		Factor: 2,
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := run(ctx)
		if err == nil {
			b.Reset()
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		kind := tunnelerr.KindOf(err)
		switch kind {
		case tunnelerr.KindConfiguration, tunnelerr.KindAuthFailed:
			log.Errorf("giving up: %v", err)
			return err
		}

		attempt++
		if opts.MaxAttempts > 0 && attempt > opts.MaxAttempts {
			log.Errorf("giving up after %d attempts: %v", attempt-1, err)
			return err
		}

		d := b.Duration()
		d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
		log.Warnf("session ended (%v), reconnecting in %s (attempt %d)", err, d, attempt)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
