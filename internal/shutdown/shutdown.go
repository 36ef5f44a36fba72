// Package shutdown provides a once-only asynchronous teardown primitive:
// however many goroutines observe a failure and call for shutdown, the
// embedding type's real teardown work runs exactly once, and any number
// of callers can block on its outcome.
package shutdown

import (
	"context"
	"sync"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

// OnceHandler performs the embedding type's real teardown. It runs at
// most once, in its own goroutine. completionErr is the reason shutdown
// was requested; a non-nil error it returns becomes the final status
// Shutdown reports to every caller, and a nil return leaves completionErr
// as that status.
type OnceHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// Helper embeds into a type that needs its teardown triggered from
// several places (an I/O error on one goroutine, an explicit Close call,
// a cancelled context) while running HandleOnceShutdown a single time.
type Helper struct {
	Log *telemetry.Logger

	handler OnceHandler
	once    sync.Once

	startedChan chan struct{}
	doneChan    chan struct{}
	err         error
}

// Init prepares a zero-value Helper for use. Call it once, from the
// embedding type's constructor.
func (h *Helper) Init(log *telemetry.Logger, handler OnceHandler) {
	h.Log = log
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// New allocates and initializes a Helper on the heap.
func New(log *telemetry.Logger, handler OnceHandler) *Helper {
	h := &Helper{}
	h.Init(log, handler)
	return h
}

// StartShutdown requests shutdown and returns without waiting for
// HandleOnceShutdown to finish. Only the completionErr from whichever
// call wins the race is kept. Safe to call concurrently and repeatedly.
func (h *Helper) StartShutdown(completionErr error) {
	h.once.Do(func() {
		h.err = completionErr
		close(h.startedChan)
		go func() {
			if err := h.handler.HandleOnceShutdown(completionErr); err != nil {
				h.err = err
			}
			close(h.doneChan)
		}()
	})
}

// StartedChan reports when shutdown has been requested, before
// HandleOnceShutdown returns. A goroutine blocked on I/O selects on this
// alongside its read/write to unblock promptly once teardown begins.
func (h *Helper) StartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownOnContext starts shutdown with ctx.Err() as the completion
// reason as soon as ctx is cancelled, unless shutdown has already begun
// for some other reason.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// Shutdown requests shutdown (if not already requested) and blocks until
// HandleOnceShutdown has returned, giving back its final status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.Wait()
}

// DoneChan reports when shutdown has completed, without itself
// requesting it. A goroutine that only needs to observe completion (a
// test, a health check) selects on this instead of blocking in Wait.
func (h *Helper) DoneChan() <-chan struct{} {
	return h.doneChan
}

// Wait blocks until shutdown has completed and returns its final status.
// It does not itself request shutdown.
func (h *Helper) Wait() error {
	<-h.doneChan
	return h.err
}
