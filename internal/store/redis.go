package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes per-session slot occupancy to Redis as a
// read-only observability side effect. It is never consulted to make a
// protocol decision; the in-memory Table above remains authoritative.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects to the server named by url and verifies reachability with a
// bounded ping before returning.
func NewRedisMirror(url string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisMirror{client: client, ttl: 24 * time.Hour}, nil
}

// SetOccupied records that session/role's slot is occupied (or not) by
// updating role's field in the session's single occupancy hash,
// tunnelgw:session:<id>:state = {client_connected, server_connected,
// updated_at}, and refreshing the hash's TTL. Errors are non-fatal to the
// caller: mirroring is best-effort.
func (m *RedisMirror) SetOccupied(ctx context.Context, sessionID int32, role string, occupied bool) error {
	key := fmt.Sprintf("tunnelgw:session:%d:state", sessionID)
	field := role + "_connected"
	if err := m.client.HSet(ctx, key, field, occupied, "updated_at", time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return err
	}
	return m.client.Expire(ctx, key, m.ttl).Err()
}

// Close releases the underlying Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
