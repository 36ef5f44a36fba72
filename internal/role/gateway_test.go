package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flipadmin/TcpTunnel/internal/frame"
	"github.com/flipadmin/TcpTunnel/internal/store"
	"github.com/flipadmin/TcpTunnel/internal/telemetry"
	"github.com/flipadmin/TcpTunnel/internal/transport"
	"github.com/flipadmin/TcpTunnel/internal/wire"
)

func newTestTable(t *testing.T, records []store.Record) *store.Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tbl, err := store.LoadTable(path, telemetry.Discard())
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func startTestGateway(t *testing.T, tbl *store.Table) (addr string, gw *Gateway) {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	gw = NewGateway(telemetry.Discard(), metrics, tbl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Serve(ctx, ln)

	return ln.Addr().String(), gw
}

// dialAndAuth connects to addr and authenticates as (sessionID, role,
// password), returning the resulting frame.Conn and the auth reply.
func dialAndAuth(t *testing.T, addr string, sessionID int32, role wire.Role, password string) (*frame.Conn, wire.Message) {
	t.Helper()
	dialer := transport.TCPDialer(transport.TCPConfig{DialTimeout: time.Second})
	stream, err := dialer.DialContext(context.Background(), addr)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	fc := frame.New(stream, telemetry.Discard(), frame.DefaultOptions())
	if err := send(fc, wire.Authenticate{SessionID: sessionID, Role: role, Password: []byte(password)}); err != nil {
		t.Fatalf("send Authenticate: %v", err)
	}
	msg, err := recv(fc)
	if err != nil {
		t.Fatalf("recv auth reply: %v", err)
	}
	return fc, msg
}

func TestGatewayAuthFailure(t *testing.T) {
	tbl := newTestTable(t, []store.Record{{ID: 1, ClientPassword: "c", ServerPassword: "s"}})
	addr, _ := startTestGateway(t, tbl)

	fc, msg := dialAndAuth(t, addr, 1, wire.RoleClient, "wrong")
	defer fc.Close(frame.CloseAbortive)
	if _, ok := msg.(wire.AuthFailed); !ok {
		t.Fatalf("auth reply = %T, want AuthFailed", msg)
	}
}

func TestGatewayEviction(t *testing.T) {
	tbl := newTestTable(t, []store.Record{{ID: 1, ClientPassword: "c", ServerPassword: "s"}})
	addr, _ := startTestGateway(t, tbl)

	incumbent, msg := dialAndAuth(t, addr, 1, wire.RoleClient, "c")
	defer incumbent.Close(frame.CloseAbortive)
	if _, ok := msg.(wire.AuthOk); !ok {
		t.Fatalf("incumbent auth reply = %T, want AuthOk", msg)
	}

	challenger, msg := dialAndAuth(t, addr, 1, wire.RoleClient, "c")
	defer challenger.Close(frame.CloseAbortive)
	if _, ok := msg.(wire.AuthOk); !ok {
		t.Fatalf("challenger auth reply = %T, want AuthOk", msg)
	}

	// The incumbent should observe GoAway(evicted) then EOF.
	evictMsg, err := recv(incumbent)
	if err != nil {
		t.Fatalf("incumbent recv GoAway: %v", err)
	}
	ga, ok := evictMsg.(wire.GoAway)
	if !ok || ga.Code != wire.GoAwayEvicted {
		t.Fatalf("incumbent recv = %+v, want GoAway(evicted)", evictMsg)
	}
	if _, err := incumbent.Receive(); !errors.Is(err, io.EOF) {
		t.Fatalf("incumbent final recv = %v, want io.EOF", err)
	}
}

func TestGatewayForwardingAndPartnerNotifications(t *testing.T) {
	tbl := newTestTable(t, []store.Record{{ID: 1, ClientPassword: "c", ServerPassword: "s"}})
	addr, _ := startTestGateway(t, tbl)

	client, msg := dialAndAuth(t, addr, 1, wire.RoleClient, "c")
	defer client.Close(frame.CloseAbortive)
	if _, ok := msg.(wire.AuthOk); !ok {
		t.Fatalf("client auth reply = %T, want AuthOk", msg)
	}

	server, msg := dialAndAuth(t, addr, 1, wire.RoleServer, "s")
	defer server.Close(frame.CloseAbortive)
	if _, ok := msg.(wire.AuthOk); !ok {
		t.Fatalf("server auth reply = %T, want AuthOk", msg)
	}

	// Both sides should now be told they have a partner.
	if err := expectPartnerJoined(client); err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := expectPartnerJoined(server); err != nil {
		t.Fatalf("server: %v", err)
	}

	// The gateway forwards raw frame payloads verbatim, so any encodable
	// message works as a probe.
	if err := send(client, wire.OpenConnection{ID: 7, Host: "example.invalid", Port: 1}); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got, err := recv(server)
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	oc, ok := got.(wire.OpenConnection)
	if !ok || oc.ID != 7 || oc.Host != "example.invalid" || oc.Port != 1 {
		t.Fatalf("server recv = %+v, want forwarded OpenConnection", got)
	}

	server.Close(frame.CloseAbortive)

	partnerLeft, err := recv(client)
	if err != nil {
		t.Fatalf("client recv PartnerLeft: %v", err)
	}
	if _, ok := partnerLeft.(wire.PartnerLeft); !ok {
		t.Fatalf("client recv = %T, want PartnerLeft", partnerLeft)
	}
}

func expectPartnerJoined(fc *frame.Conn) error {
	msg, err := recv(fc)
	if err != nil {
		return err
	}
	if _, ok := msg.(wire.PartnerJoined); !ok {
		return errFormat(msg)
	}
	return nil
}

func errFormat(msg wire.Message) error {
	return fmt.Errorf("unexpected message: %T", msg)
}
