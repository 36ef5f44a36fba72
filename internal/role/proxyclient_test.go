package role

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/flipadmin/TcpTunnel/internal/config"
	"github.com/flipadmin/TcpTunnel/internal/mux"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

func TestProxyClientDialTargetForbidden(t *testing.T) {
	allow := []config.HostPort{{Host: "allowed.example", Port: 80}}
	p := NewProxyClient(telemetry.Discard(), nil, nil, "", 1, "pw", allow)

	_, err := p.dialTarget(context.Background(), "forbidden.example", 80)
	if !errors.Is(err, mux.ErrForbidden) {
		t.Fatalf("dialTarget(forbidden) err = %v, want mux.ErrForbidden", err)
	}
}

func TestProxyClientDialTargetAllowedReachesDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	allow := []config.HostPort{{Host: "127.0.0.1", Port: uint16(addr.Port)}}
	p := NewProxyClient(telemetry.Discard(), nil, nil, "", 1, "pw", allow)

	socket, err := p.dialTarget(context.Background(), "127.0.0.1", uint16(addr.Port))
	if err != nil {
		t.Fatalf("dialTarget(allowed): %v", err)
	}
	socket.Close()
}

func TestProxyClientDialTargetNilAllowlistPermitsAnything(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p := NewProxyClient(telemetry.Discard(), nil, nil, "", 1, "pw", nil)

	socket, err := p.dialTarget(context.Background(), "127.0.0.1", uint16(addr.Port))
	if err != nil {
		t.Fatalf("dialTarget(nil allowlist): %v", err)
	}
	socket.Close()
}
