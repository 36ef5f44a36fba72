// Package role implements the three role state machines that sit on top
// of a Framed Connection and the Session Multiplexer: the Gateway, the
// Proxy-Server, and the Proxy-Client.
package role

import (
	"context"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/frame"
	"github.com/flipadmin/TcpTunnel/internal/tunnelerr"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

// AuthTimeout bounds how long the gateway waits for a peer's Authenticate
// message after accepting it.
const AuthTimeout = 5 * time.Second

// send encodes and transmits one message over fc.
func send(fc *frame.Conn, msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return fc.Send(payload)
}

// recv receives and decodes the next message from fc.
func recv(fc *frame.Conn) (wire.Message, error) {
	payload, err := fc.Receive()
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload)
}

// shutdownGracefullyOnContext arranges for fc to leave a session cleanly
// as soon as ctx is cancelled: a GoAway(shutdown) notice followed by a
// half-close drain, instead of the abortive close a role's Run otherwise
// defers unconditionally. It is a no-op once fc has already started
// shutting down on its own (a genuine I/O failure), so it never races an
// error exit.
func shutdownGracefullyOnContext(ctx context.Context, fc *frame.Conn) {
	go func() {
		select {
		case <-ctx.Done():
		case <-fc.StartedChan():
			return
		}
		send(fc, wire.GoAway{Code: wire.GoAwayShutdown})
		fc.Close(frame.CloseGraceful)
	}()
}

// recvTimeout is recv bounded by timeout; on expiry it aborts fc (so the
// blocked reader goroutine unblocks) and returns tunnelerr.ErrAuthTimeout.
func recvTimeout(fc *frame.Conn, timeout time.Duration) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := recv(fc)
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(timeout):
		fc.Close(frame.CloseAbortive)
		return nil, tunnelerr.ErrAuthTimeout
	}
}
