package config

import (
	"os"
	"testing"
)

func setenv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadProxyClientRequiredFields(t *testing.T) {
	setenv(t, map[string]string{
		"TUNNELGW_GATEWAY_HOST": "127.0.0.1",
		"TUNNELGW_SESSION_ID":   "1",
		"TUNNELGW_PASSWORD":     "c",
	})
	c, err := LoadProxyClient()
	if err != nil {
		t.Fatalf("LoadProxyClient: %v", err)
	}
	if c.GatewayPort != 8000 {
		t.Fatalf("GatewayPort = %d, want default 8000", c.GatewayPort)
	}
	if c.SessionID != 1 {
		t.Fatalf("SessionID = %d, want 1", c.SessionID)
	}
}

func TestLoadProxyClientMissingRequired(t *testing.T) {
	os.Unsetenv("TUNNELGW_GATEWAY_HOST")
	os.Unsetenv("TUNNELGW_SESSION_ID")
	os.Unsetenv("TUNNELGW_PASSWORD")
	if _, err := LoadProxyClient(); err == nil {
		t.Fatal("LoadProxyClient with no env set: want error, got nil")
	}
}

func TestAllowlistPairs(t *testing.T) {
	c := ProxyClient{Allowlist: " 127.0.0.1:7 , example.com:22 "}
	pairs, err := c.AllowlistPairs()
	if err != nil {
		t.Fatalf("AllowlistPairs: %v", err)
	}
	want := []HostPort{{Host: "127.0.0.1", Port: 7}, {Host: "example.com", Port: 22}}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d", len(pairs), len(want))
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d = %+v, want %+v", i, pairs[i], want[i])
		}
	}
}

func TestAllowlistEmpty(t *testing.T) {
	c := ProxyClient{Allowlist: ""}
	pairs, err := c.AllowlistPairs()
	if err != nil {
		t.Fatalf("AllowlistPairs: %v", err)
	}
	if pairs != nil {
		t.Fatalf("empty allowlist parsed to %v, want nil", pairs)
	}
}

func TestParseBindings(t *testing.T) {
	c := ProxyServer{Bindings: "127.0.0.1:9000>127.0.0.1:7, :9001>127.0.0.1:22"}
	bindings, err := c.ParseBindings()
	if err != nil {
		t.Fatalf("ParseBindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("got %d bindings, want 2", len(bindings))
	}
	if bindings[0].ListenAddr != "127.0.0.1:9000" || bindings[0].Target != (HostPort{"127.0.0.1", 7}) {
		t.Fatalf("binding 0 = %+v", bindings[0])
	}
	if bindings[1].ListenAddr != ":9001" || bindings[1].Target != (HostPort{"127.0.0.1", 22}) {
		t.Fatalf("binding 1 = %+v", bindings[1])
	}
}

func TestParseBindingsMalformed(t *testing.T) {
	c := ProxyServer{Bindings: "not-a-binding"}
	if _, err := c.ParseBindings(); err == nil {
		t.Fatal("ParseBindings with malformed entry: want error, got nil")
	}
}

func TestLoadGatewayRequiresSessionFile(t *testing.T) {
	os.Unsetenv("TUNNELGW_SESSION_FILE")
	if _, err := LoadGateway(); err == nil {
		t.Fatal("LoadGateway with no TUNNELGW_SESSION_FILE: want error, got nil")
	}
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadDotEnv("/nonexistent/path/.env"); err != nil {
		t.Fatalf("LoadDotEnv on missing file: %v", err)
	}
}
