// Package config loads the typed configuration record for each role
// binary from process environment variables via caarlos0/env, with an
// optional .env file pre-loaded by joho/godotenv for local development.
// Struct tags on each record are the single source of truth for variable
// names; there is no separate flag parser.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Gateway is the configuration record for cmd/gatewayd.
type Gateway struct {
	// ListenAddr is the raw-TCP/TLS listen address, e.g. ":8000".
	ListenAddr string `env:"TUNNELGW_LISTEN_ADDR" envDefault:":8000"`
	// UseTLS wraps ListenAddr's socket in a TLS server handshake using
	// TLSCertFile/TLSKeyFile.
	UseTLS      bool   `env:"TUNNELGW_TLS" envDefault:"false"`
	TLSCertFile string `env:"TUNNELGW_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TUNNELGW_TLS_KEY_FILE"`
	// UseWS serves the tunnel subprotocol over WebSocket instead of raw
	// TCP/TLS framing, for deployments that must traverse an HTTP-only
	// reverse proxy. When set it takes precedence over UseTLS: the
	// WebSocket listener serves plain ws:// and UseTLS is not applied.
	UseWS bool `env:"TUNNELGW_WS" envDefault:"false"`
	// SessionFile is a JSON file of session records, hot-reloaded by
	// fsnotify. It is the gateway's authoritative session table.
	SessionFile string `env:"TUNNELGW_SESSION_FILE,required"`
	// RedisURL, if set, mirrors session slot occupancy to Redis as a
	// read-only observability side effect; the gateway's own in-memory
	// session table remains authoritative for protocol decisions.
	RedisURL string `env:"TUNNELGW_REDIS_URL"`
	// StatusAddr, if set, serves /healthz and /metrics.
	StatusAddr string `env:"TUNNELGW_STATUS_ADDR" envDefault:":8001"`
	LogLevel   string `env:"TUNNELGW_LOG_LEVEL" envDefault:"info"`
}

// TLSConfig builds a server-side *tls.Config from the record's cert/key
// files, or nil if UseTLS is false.
func (g Gateway) TLSConfig() (*tls.Config, error) {
	if !g.UseTLS {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(g.TLSCertFile, g.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ProxyClient is the configuration record for cmd/proxy-client, the peer
// that dials outbound targets on behalf of the tunnel.
type ProxyClient struct {
	GatewayHost string `env:"TUNNELGW_GATEWAY_HOST,required"`
	GatewayPort int    `env:"TUNNELGW_GATEWAY_PORT" envDefault:"8000"`
	UseTLS      bool   `env:"TUNNELGW_USE_TLS" envDefault:"false"`
	UseWS       bool   `env:"TUNNELGW_USE_WS" envDefault:"false"`
	// InsecureSkipVerify disables server certificate verification; for
	// development against self-signed gateways only.
	InsecureSkipVerify bool `env:"TUNNELGW_TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`

	SessionID int32  `env:"TUNNELGW_SESSION_ID,required"`
	Password  string `env:"TUNNELGW_PASSWORD,required"`

	// Allowlist restricts which (host, port) pairs an OpenConnection may
	// target. Format: "host:port,host:port,...". Empty allows any target.
	Allowlist string `env:"TUNNELGW_ALLOWLIST"`

	LogLevel string `env:"TUNNELGW_LOG_LEVEL" envDefault:"info"`
}

// AllowlistPairs parses Allowlist into (host, port) pairs, or nil if the
// allowlist is empty (any target permitted).
func (c ProxyClient) AllowlistPairs() ([]HostPort, error) {
	return parseHostPortList(c.Allowlist)
}

// ProxyServer is the configuration record for cmd/proxy-server, the peer
// that binds local listeners and forwards accepted connections through
// the tunnel to the proxy-client's targets.
type ProxyServer struct {
	GatewayHost        string `env:"TUNNELGW_GATEWAY_HOST,required"`
	GatewayPort        int    `env:"TUNNELGW_GATEWAY_PORT" envDefault:"8000"`
	UseTLS             bool   `env:"TUNNELGW_USE_TLS" envDefault:"false"`
	UseWS              bool   `env:"TUNNELGW_USE_WS" envDefault:"false"`
	InsecureSkipVerify bool   `env:"TUNNELGW_TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`

	SessionID int32  `env:"TUNNELGW_SESSION_ID,required"`
	Password  string `env:"TUNNELGW_PASSWORD,required"`

	// Bindings, format "listen_addr>target_host:target_port,...", e.g.
	// "127.0.0.1:9000>127.0.0.1:7,:9001>127.0.0.1:22".
	Bindings string `env:"TUNNELGW_BINDINGS,required"`

	LogLevel string `env:"TUNNELGW_LOG_LEVEL" envDefault:"info"`
}

// HostPort is a parsed (host, port) pair.
type HostPort struct {
	Host string
	Port uint16
}

// Binding is one listener-to-target mapping for a proxy-server.
type Binding struct {
	ListenAddr string
	Target     HostPort
}

// ParseBindings parses the Bindings field into a slice of Binding.
func (c ProxyServer) ParseBindings() ([]Binding, error) {
	fields := strings.Split(c.Bindings, ",")
	out := make([]Binding, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		parts := strings.SplitN(f, ">", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: binding %q: want LISTEN_ADDR>TARGET_HOST:TARGET_PORT", f)
		}
		targets, err := parseHostPortList(parts[1])
		if err != nil {
			return nil, fmt.Errorf("config: binding %q: %w", f, err)
		}
		if len(targets) != 1 {
			return nil, fmt.Errorf("config: binding %q: exactly one target required", f)
		}
		out = append(out, Binding{ListenAddr: parts[0], Target: targets[0]})
	}
	return out, nil
}

func parseHostPortList(s string) ([]HostPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]HostPort, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		idx := strings.LastIndex(f, ":")
		if idx < 0 {
			return nil, fmt.Errorf("config: %q: want host:port", f)
		}
		host, portStr := f[:idx], f[idx+1:]
		var port uint16
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("config: %q: invalid port: %w", f, err)
		}
		out = append(out, HostPort{Host: host, Port: port})
	}
	return out, nil
}

// LoadDotEnv pre-loads a .env file if present. Absence of the file is not
// an error: production deployments set real environment variables and
// carry no .env at all.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadGateway parses a Gateway record from the environment.
func LoadGateway() (Gateway, error) {
	var c Gateway
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// LoadProxyClient parses a ProxyClient record from the environment.
func LoadProxyClient() (ProxyClient, error) {
	var c ProxyClient
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// LoadProxyServer parses a ProxyServer record from the environment.
func LoadProxyServer() (ProxyServer, error) {
	var c ProxyServer
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
