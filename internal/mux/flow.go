package mux

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/flipadmin/TcpTunnel/internal/wire"
)

type flowState int32

const (
	stateOpening flowState = iota
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

// Flow is one proxied TCP connection multiplexed over a tunnel. Its
// socket-reader and socket-writer pumps are started together by start()
// so that either one's fatal error can promptly cancel the other.
type Flow struct {
	id    uint64
	local Socket
	mux   *Mux

	sendWindow   atomic.Int32
	windowSignal chan struct{}

	mu          sync.Mutex
	state       flowState
	localDone   bool // our read direction has finished (CloseConnection sent)
	remoteDone  bool // the peer's read direction has finished (CloseConnection received)
	creditable  int32

	inbox    chan []byte
	openedCh chan struct{}
	closedCh chan struct{}

	openedOnce sync.Once
	closedOnce sync.Once

	wg sync.WaitGroup
}

func newFlow(id uint64, local Socket, m *Mux, initial flowState) *Flow {
	f := &Flow{
		id:           id,
		local:        local,
		mux:          m,
		state:        initial,
		windowSignal: make(chan struct{}, 1),
		inbox:        make(chan []byte, m.cfg.inboxCapacity()),
		openedCh:     make(chan struct{}),
		closedCh:     make(chan struct{}),
	}
	f.sendWindow.Store(m.cfg.InitialWindow)
	return f
}

// ID returns the flow's connection_id.
func (f *Flow) ID() uint64 { return f.id }

func (f *Flow) markOpened() {
	f.openedOnce.Do(func() { close(f.openedCh) })
}

// start launches the socket-reader and socket-writer pumps and arranges
// for the flow to be dropped from the mux's table once both exit.
func (f *Flow) start(ctx context.Context) {
	f.mu.Lock()
	f.state = stateOpen
	f.mu.Unlock()

	f.wg.Add(2)
	go f.readPump(ctx)
	go f.writePump(ctx)
	go func() {
		f.wg.Wait()
		f.local.Close()
		f.mux.removeFlow(f.id)
	}()
}

func (f *Flow) addSendWindow(n int32) {
	f.sendWindow.Add(n)
	select {
	case f.windowSignal <- struct{}{}:
	default:
	}
}

// readPump moves bytes from the local socket to the peer, honoring the
// send window and MaxChunk, and suspends when the window is exhausted.
func (f *Flow) readPump(ctx context.Context) {
	defer f.wg.Done()
	buf := make([]byte, f.mux.cfg.MaxChunk)
	for {
		avail := f.sendWindow.Load()
		if avail <= 0 {
			select {
			case <-f.windowSignal:
				continue
			case <-ctx.Done():
				return
			case <-f.closedCh:
				return
			}
		}
		n := f.mux.cfg.MaxChunk
		if int(avail) < n {
			n = int(avail)
		}
		read, err := f.local.Read(buf[:n])
		if read > 0 {
			f.sendWindow.Add(-int32(read))
			chunk := append([]byte(nil), buf[:read]...)
			if sendErr := f.mux.emit(f.id, chunk); sendErr != nil {
				f.abort()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.finishLocalRead(wire.ReasonOK)
			} else {
				f.finishLocalRead(wire.ReasonAbort)
			}
			return
		}
	}
}

// finishLocalRead is called exactly once, when the local socket's read
// side reaches EOF or errors. It sends CloseConnection carrying our
// direction of the half-close and, if the peer's direction is already
// done too, fully closes the flow.
func (f *Flow) finishLocalRead(reason wire.CloseReason) {
	f.mu.Lock()
	if f.localDone {
		f.mu.Unlock()
		return
	}
	f.localDone = true
	remoteDone := f.remoteDone
	if f.state == stateOpen {
		f.state = stateHalfClosedLocal
	}
	f.mu.Unlock()

	f.local.CloseRead()
	if err := f.mux.send(wire.CloseConnection{ID: f.id, Reason: reason}); err != nil {
		f.mux.log.Debugf("flow %d: send CloseConnection: %v", f.id, err)
	}
	f.mux.metrics.FlowsClosed.WithLabelValues(f.mux.session, reasonLabel(reason)).Inc()

	if remoteDone || reason == wire.ReasonAbort {
		f.abort()
	}
}

// writePump moves Data payloads delivered from the peer into the local
// socket, crediting the peer's send window once enough has been
// consumed.
func (f *Flow) writePump(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case payload, ok := <-f.inbox:
			if !ok {
				return
			}
			if _, err := f.local.Write(payload); err != nil {
				f.abort()
				return
			}
			f.creditConsumed(len(payload))
		case <-ctx.Done():
			return
		case <-f.closedCh:
			return
		}
	}
}

func (f *Flow) creditConsumed(n int) {
	f.mu.Lock()
	f.creditable += int32(n)
	var credit int32
	if f.creditable >= f.mux.cfg.CoalesceThreshold {
		credit = f.creditable
		f.creditable = 0
	}
	f.mu.Unlock()

	if credit > 0 {
		if err := f.mux.send(wire.WindowUpdate{ID: f.id, Credit: uint32(credit)}); err != nil {
			f.mux.log.Debugf("flow %d: send WindowUpdate: %v", f.id, err)
		}
	}
}

// deliver queues inbound Data for the writePump. It never blocks on
// local socket I/O.
func (f *Flow) deliver(payload []byte) {
	select {
	case f.inbox <- payload:
		f.mux.metrics.BytesTotal.WithLabelValues(f.mux.session, "down").Add(float64(len(payload)))
	case <-f.closedCh:
	}
}

// remoteClosed processes a CloseConnection received from the peer: their
// read direction is done, so no further Data will arrive for this flow.
// We shut our local socket's write side, since nothing more will be
// written to it.
func (f *Flow) remoteClosed(reason wire.CloseReason) {
	f.mu.Lock()
	if f.remoteDone {
		f.mu.Unlock()
		return
	}
	f.remoteDone = true
	localDone := f.localDone
	if f.state == stateOpen {
		f.state = stateHalfClosedRemote
	}
	f.mu.Unlock()

	f.local.CloseWrite()

	if localDone || reason == wire.ReasonAbort {
		f.abort()
	}
}

// abort fully closes the flow: both halves done, or an unrecoverable
// local error occurred. Idempotent.
func (f *Flow) abort() {
	f.closedOnce.Do(func() {
		f.mu.Lock()
		f.state = stateClosed
		f.mu.Unlock()
		close(f.closedCh)
		// Closing the socket unblocks a readPump parked in Read.
		f.local.Close()
	})
}
