// Package rtdb wraps a path-scoped realtime tree database.
// It shares the docdb package's Postgres/SQLite backing (a "tree_nodes"
// table keyed by path) but exposes the tree-specific contract: put/patch
// event demultiplexing and listener attach with path fallback, per
// the tree-specific contract: put/patch event demultiplexing and listener attach with path fallback.
package rtdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// EventType distinguishes a full subtree write from a single-child patch.
type EventType string

const (
	EventPut   EventType = "put"
	EventPatch EventType = "patch"
)

// Event is what a tree listener callback receives.
type Event struct {
	Type EventType
	Path string // "/" for the initial snapshot, "/{child}" for a single addition
	Data map[string]any
}

// Handle detaches a listener on Close.
type Handle interface{ Close() }

// DB is the typed RTDB client.
type DB struct {
	db     *sql.DB
	driver string

	mu        sync.Mutex
	listeners map[int]*watcher
	nextID    int

	pqListener *pq.Listener
	closed     chan struct{}
}

type watcher struct {
	path     string
	callback func(Event)
}

// Open connects and, for postgres, starts the LISTEN/NOTIFY pump.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "rtdb: open")
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "rtdb: ping")
	}
	ddl := `CREATE TABLE IF NOT EXISTS tree_nodes (path TEXT PRIMARY KEY, data TEXT NOT NULL DEFAULT '{}', updated_at TIMESTAMP)`
	if driver == "postgres" {
		ddl = `CREATE TABLE IF NOT EXISTS tree_nodes (path TEXT PRIMARY KEY, data JSONB NOT NULL DEFAULT '{}', updated_at TIMESTAMPTZ NOT NULL DEFAULT now())`
	}
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "rtdb: migrate")
	}

	d := &DB{db: conn, driver: driver, listeners: map[int]*watcher{}, closed: make(chan struct{})}

	if driver == "postgres" {
		listener := pq.NewListener(dsn, 2*time.Second, 30*time.Second, nil)
		if err := listener.Listen("tree_events"); err != nil {
			return nil, errors.Wrap(err, "rtdb: listen")
		}
		d.pqListener = listener
		go d.pump()
	}
	return d, nil
}

func (d *DB) Close() error {
	close(d.closed)
	if d.pqListener != nil {
		_ = d.pqListener.Close()
	}
	return d.db.Close()
}

func (d *DB) pump() {
	for {
		select {
		case <-d.closed:
			return
		case n, ok := <-d.pqListener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			// payload is "put|path" or "patch|parent|child"
			parts := strings.SplitN(n.Extra, "|", 3)
			if len(parts) < 2 {
				continue
			}
			d.dispatchRaw(parts)
		case <-time.After(90 * time.Second):
			_ = d.pqListener.Ping()
		}
	}
}

func (d *DB) dispatchRaw(parts []string) {
	kind, path := parts[0], parts[1]
	childPath := "/"
	if kind == "patch" && len(parts) == 3 {
		childPath = "/" + parts[2]
	}

	doc, err := d.get(context.Background(), path)
	if err != nil || doc == nil {
		return
	}

	var payload map[string]any
	if kind == "patch" && childPath != "/" {
		if child, ok := doc[parts[2]].(map[string]any); ok {
			payload = child
		} else {
			payload = map[string]any{"value": doc[parts[2]]}
		}
	} else {
		payload = doc
	}

	evt := Event{Type: EventType(kind), Path: childPath, Data: payload}

	d.mu.Lock()
	matched := make([]*watcher, 0, len(d.listeners))
	for _, w := range d.listeners {
		if w.path == path {
			matched = append(matched, w)
		}
	}
	d.mu.Unlock()

	for _, w := range matched {
		w.callback(evt)
	}
}

func (d *DB) get(ctx context.Context, path string) (map[string]any, error) {
	ph := "$1"
	if d.driver != "postgres" {
		ph = "?"
	}
	row := d.db.QueryRowContext(ctx, "SELECT data FROM tree_nodes WHERE path = "+ph, path)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Put overwrites the full subtree at path and notifies listeners with a
// put event whose Path is "/" (the initial-snapshot convention): the caller
// must ignore path=="/" on first attach to avoid replaying history, per
// the tree listener contract.
func (d *DB) Put(ctx context.Context, path string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "rtdb: encode")
	}
	upsert := `INSERT INTO tree_nodes (path, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`
	if d.driver == "postgres" {
		upsert = `INSERT INTO tree_nodes (path, data, updated_at) VALUES ($1, $2::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	}
	if _, err := d.db.ExecContext(ctx, upsert, path, string(raw)); err != nil {
		return errors.Wrapf(err, "rtdb: put %s", path)
	}
	return d.notifyPut(ctx, path)
}

// Patch appends or updates a single child under path (e.g. one new chat
// message) and notifies listeners with a patch event whose Path is
// "/{child}".
func (d *DB) Patch(ctx context.Context, path, child string, value any) error {
	existing, err := d.get(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "rtdb: patch load %s", path)
	}
	if existing == nil {
		existing = map[string]any{}
	}
	existing[child] = value
	raw, err := json.Marshal(existing)
	if err != nil {
		return errors.Wrap(err, "rtdb: encode")
	}
	upsert := `INSERT INTO tree_nodes (path, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`
	if d.driver == "postgres" {
		upsert = `INSERT INTO tree_nodes (path, data, updated_at) VALUES ($1, $2::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	}
	if _, err := d.db.ExecContext(ctx, upsert, path, string(raw)); err != nil {
		return errors.Wrapf(err, "rtdb: patch %s/%s", path, child)
	}
	return d.notifyPatch(ctx, path, child)
}

func (d *DB) notifyPut(ctx context.Context, path string) error {
	if d.driver != "postgres" {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `SELECT pg_notify('tree_events', $1)`, "put|"+path)
	return err
}

func (d *DB) notifyPatch(ctx context.Context, path, child string) error {
	if d.driver != "postgres" {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `SELECT pg_notify('tree_events', $1)`, fmt.Sprintf("patch|%s|%s", path, child))
	return err
}

// AttachWithFallback tries each candidate path in order (as the chat
// listener does for active_chats/chats/job_chats) and attaches to the
// first one that already has data, or the first candidate if none do.
// The chosen path is returned so the caller can remember it for the rest
// of the thread's lifetime, per the §9 design note on path fallback.
func (d *DB) AttachWithFallback(ctx context.Context, candidates []string, callback func(Event)) (string, Handle, error) {
	chosen := candidates[0]
	for _, c := range candidates {
		doc, err := d.get(ctx, c)
		if err == nil && doc != nil {
			chosen = c
			break
		}
	}
	return chosen, d.Attach(chosen, callback), nil
}

// Attach registers a listener on exactly one path. For non-Postgres
// drivers (no NOTIFY), it falls back to polling every two seconds.
func (d *DB) Attach(path string, callback func(Event)) Handle {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = &watcher{path: path, callback: callback}
	d.mu.Unlock()

	var stopPoll chan struct{}
	if d.driver != "postgres" {
		stopPoll = make(chan struct{})
		go d.poll(path, callback, stopPoll)
	}

	return &handle{close: func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
		if stopPoll != nil {
			close(stopPoll)
		}
	}}
}

func (d *DB) poll(path string, callback func(Event), stop chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var seenKeys map[string]bool
	for {
		select {
		case <-stop:
			return
		case <-d.closed:
			return
		case <-ticker.C:
			doc, err := d.get(context.Background(), path)
			if err != nil || doc == nil {
				continue
			}
			if seenKeys == nil {
				seenKeys = make(map[string]bool, len(doc))
				for k := range doc {
					seenKeys[k] = true
				}
				continue // swallow the initial snapshot, matching the "/" ignore rule
			}
			for k, v := range doc {
				if !seenKeys[k] {
					seenKeys[k] = true
					callback(Event{Type: EventPatch, Path: "/" + k, Data: map[string]any{k: v}})
				}
			}
		}
	}
}

type handle struct{ close func() }

func (h *handle) Close() { h.close() }
