// Package store holds the ambient Session Record store backing the
// gateway's role state machine: a JSON file loaded at startup and watched
// with fsnotify for hot updates, plus an optional read-only Redis mirror
// of slot occupancy.
package store

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flipadmin/TcpTunnel/internal/telemetry"
)

// Record is one session's configured passwords for each role.
type Record struct {
	ID             int32  `json:"id"`
	ClientPassword string `json:"client_password"`
	ServerPassword string `json:"server_password"`
}

// Table is the gateway's in-memory, hot-reloadable session table. It is
// the authoritative source consulted by the Authenticate handler; the
// Redis mirror (if configured) never feeds back into it.
type Table struct {
	log *telemetry.Logger

	mu       sync.RWMutex
	sessions map[int32]Record
	path     string

	watcher *fsnotify.Watcher
}

// LoadTable reads path as a JSON array of Record and returns a Table that
// starts watching path for changes. Call Close when the table is no
// longer needed to stop the watcher goroutine.
func LoadTable(path string, log *telemetry.Logger) (*Table, error) {
	t := &Table{log: log, path: path, sessions: make(map[int32]Record)}
	if err := t.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("store: watch %s: %w", filepath.Dir(path), err)
	}
	t.watcher = watcher
	go t.watchLoop()
	return t, nil
}

func (t *Table) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", t.path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("store: parse %s: %w", t.path, err)
	}
	next := make(map[int32]Record, len(records))
	for _, r := range records {
		next[r.ID] = r
	}
	t.mu.Lock()
	t.sessions = next
	t.mu.Unlock()
	return nil
}

func (t *Table) watchLoop() {
	base := filepath.Base(t.path)
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.reload(); err != nil {
				t.log.Warnf("session table reload failed: %v", err)
				continue
			}
			t.log.Infof("session table reloaded from %s", t.path)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warnf("session table watcher error: %v", err)
		}
	}
}

// Close stops the watcher goroutine.
func (t *Table) Close() error {
	if t.watcher == nil {
		return nil
	}
	return t.watcher.Close()
}

// Lookup returns the record for id, if configured.
func (t *Table) Lookup(id int32) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.sessions[id]
	return r, ok
}

// CheckPassword compares password against the configured password for
// (id, isServer) in constant time, so a timing side channel cannot leak
// how many leading bytes matched.
func (t *Table) CheckPassword(id int32, isServer bool, password string) bool {
	r, ok := t.Lookup(id)
	if !ok {
		return false
	}
	want := r.ClientPassword
	if isServer {
		want = r.ServerPassword
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}
