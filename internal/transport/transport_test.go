package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTCPRoundTrip(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			serverCh <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			serverCh <- err
			return
		}
		if !bytes.Equal(buf, []byte("hello")) {
			serverCh <- io.ErrUnexpectedEOF
			return
		}
		serverCh <- nil
	}()

	dialer := TCPDialer(TCPConfig{DialTimeout: time.Second})
	c, err := dialer.DialContext(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := <-serverCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestTCPHalfClose(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		s   interface{ io.Reader }
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		s, err := ln.Accept()
		acceptCh <- acceptResult{s: s, err: err}
	}()

	dialer := TCPDialer(TCPConfig{DialTimeout: time.Second})
	c, err := dialer.DialContext(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer c.Close()

	if err := c.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	got, err := io.ReadAll(res.s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("read %d bytes after half-close, want 0", len(got))
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := NewUpgrader()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !upgrader.IsUpgradeRequest(r) {
			http.Error(w, "not a tunnel upgrade", http.StatusBadRequest)
			return
		}
		s, err := upgrader.Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		defer s.Close()
		buf := make([]byte, 11)
		if _, err := io.ReadFull(s, buf); err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if _, err := s.Write(buf); err != nil {
			t.Errorf("server write: %v", err)
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	dialer := WebSocketDialer(nil)
	c, err := dialer.DialContext(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 11)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("echo = %q, want %q", got, "hello world")
	}
}

func TestWebSocketRejectsWrongSubprotocol(t *testing.T) {
	upgrader := NewUpgrader()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Protocol", "some-other-protocol")

	if upgrader.IsUpgradeRequest(req) {
		t.Fatal("IsUpgradeRequest accepted a request with the wrong subprotocol")
	}
}

func TestListenTCPAddr(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("Addr() = %T, want *net.TCPAddr", ln.Addr())
	}
}
