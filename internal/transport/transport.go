// Package transport supplies the pluggable outer transports a gateway or
// proxy peer speaks over: raw TCP, TLS, and WebSocket. Every constructor
// here produces a frame.Stream, so the Framed Connection above it never
// branches on which one is in use.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/flipadmin/TcpTunnel/internal/frame"
)

// Kind names which outer transport a peer is configured to use.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindTLS Kind = "tls"
	KindWS  Kind = "ws"
)

// Dialer opens an outbound connection to a gateway and returns it as a
// frame.Stream.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (frame.Stream, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (frame.Stream, error)

func (f DialerFunc) DialContext(ctx context.Context, addr string) (frame.Stream, error) {
	return f(ctx, addr)
}

// Listener accepts inbound connections and hands each back as a
// frame.Stream.
type Listener interface {
	Accept() (frame.Stream, error)
	Close() error
	Addr() net.Addr
}

// TCPConfig holds the raw-TCP transport's dial/listen parameters.
type TCPConfig struct {
	DialTimeout time.Duration
}

// TCPDialer dials plain TCP. *net.TCPConn already satisfies frame.Stream
// (it has a native CloseWrite), so no adapter type is needed.
func TCPDialer(cfg TCPConfig) Dialer {
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return DialerFunc(func(ctx context.Context, addr string) (frame.Stream, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
		}
		return conn.(*net.TCPConn), nil
	})
}

// tcpListener adapts net.Listener to Listener, type-asserting each
// accepted connection down to frame.Stream (true for *net.TCPConn and
// *tls.Conn alike, since both implement CloseWrite natively).
type tcpListener struct {
	ln net.Listener
}

// ListenTCP binds addr for plain TCP.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (frame.Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	stream, ok := conn.(frame.Stream)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("transport: accepted connection of type %T does not satisfy frame.Stream", conn)
	}
	return stream, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// TLSDialer dials TCP and performs a TLS handshake. *tls.Conn implements
// CloseWrite natively (it sends a close_notify alert; the underlying TCP
// socket is not half-closed), so it too satisfies frame.Stream with no
// adapter.
func TLSDialer(cfg TCPConfig, tlsConfig *tls.Config) Dialer {
	tcp := TCPDialer(cfg)
	return DialerFunc(func(ctx context.Context, addr string) (frame.Stream, error) {
		raw, err := tcp.DialContext(ctx, addr)
		if err != nil {
			return nil, err
		}
		conn := tls.Client(raw.(net.Conn), tlsConfig)
		if err := conn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", addr, err)
		}
		return conn, nil
	})
}

// ListenTLS binds addr and wraps every accepted connection in a TLS
// server handshake.
func ListenTLS(addr string, tlsConfig *tls.Config) (Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tls %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}
