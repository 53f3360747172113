// Package docdb wraps a hierarchical document store with collections,
// subcollections, merge writes, and change subscriptions.
// It is backed by Postgres JSONB documents plus LISTEN/NOTIFY for push, or
// by SQLite with a polling fallback in dev/test mode — see the DOMAIN STACK
// table in SPEC_FULL.md for the grounding of this choice.
package docdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Document is a single stored document: its full path and decoded payload.
type Document struct {
	Path string
	Data map[string]any
}

// Filter is an equality/comparison predicate used by Query.
type Filter struct {
	Field string
	Op    string // "==", "!=", "<", "<=", ">", ">="
	Value any
}

// EventType distinguishes the kinds of DocDB change notification a
// subscriber can receive.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event carries one document change to an on_snapshot callback.
type Event struct {
	Type EventType
	Doc  Document
}

// Handle is returned by OnSnapshot; Close detaches the watcher.
type Handle interface {
	Close()
}

// DB is the typed DocDB client. All methods are safe for concurrent use.
type DB struct {
	db     *sql.DB
	driver string // "postgres" or "sqlite"

	mu        sync.Mutex
	listeners map[int]*watcher
	nextID    int

	pqListener *pq.Listener
	closed     chan struct{}
}

type watcher struct {
	collectionOrDoc string
	callback        func(Event)
}

// Open connects to the backing store and, for postgres, starts the
// LISTEN/NOTIFY pump feeding OnSnapshot subscribers.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	sqlDriver := driver
	if driver == "postgres" {
		sqlDriver = "postgres"
	}
	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "docdb: open")
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "docdb: ping")
	}

	d := &DB{
		db:        conn,
		driver:    driver,
		listeners: map[int]*watcher{},
		closed:    make(chan struct{}),
	}

	if _, err := conn.ExecContext(ctx, ddl(driver)); err != nil {
		return nil, errors.Wrap(err, "docdb: migrate")
	}

	if driver == "postgres" {
		listener := pq.NewListener(dsn, 2*time.Second, 30*time.Second, nil)
		if err := listener.Listen("doc_events"); err != nil {
			return nil, errors.Wrap(err, "docdb: listen")
		}
		d.pqListener = listener
		go d.pump()
	}

	return d, nil
}

func ddl(driver string) string {
	if driver == "postgres" {
		return `CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			data JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	}
	return `CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		data TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP
	)`
}

// Close stops the notification pump and closes the connection.
func (d *DB) Close() error {
	close(d.closed)
	if d.pqListener != nil {
		_ = d.pqListener.Close()
	}
	return d.db.Close()
}

// pump drains Postgres notifications and fans them out to matching watchers.
// Callbacks only enqueue formatted events; they
// never perform nested writes, so dispatch can safely run inline here.
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
				continue // reconnect ping
			}
			d.dispatch(n.Extra)
		case <-time.After(90 * time.Second):
			_ = d.pqListener.Ping()
		}
	}
}

func (d *DB) dispatch(path string) {
	doc, err := d.Get(context.Background(), path)
	evtType := EventChanged
	if err != nil {
		evtType = EventRemoved
		doc = &Document{Path: path, Data: nil}
	}

	d.mu.Lock()
	watchers := make([]*watcher, 0, len(d.listeners))
	for _, w := range d.listeners {
		if w.collectionOrDoc == path || strings.HasPrefix(path, w.collectionOrDoc+"/") || w.collectionOrDoc == collectionOf(path) {
			watchers = append(watchers, w)
		}
	}
	d.mu.Unlock()

	for _, w := range watchers {
		w.callback(Event{Type: evtType, Doc: *doc})
	}
}

func collectionOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func notify(ctx context.Context, tx execer, driver, path string) error {
	if driver != "postgres" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_notify('doc_events', $1)`, path)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get loads a single document, returning (nil, nil) if it doesn't exist.
func (d *DB) Get(ctx context.Context, path string) (*Document, error) {
	row := d.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = `+ph(d.driver, 1), path)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "docdb: get %s", path)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.Wrapf(err, "docdb: decode %s", path)
	}
	return &Document{Path: path, Data: data}, nil
}

// Set writes a document. When merge is true, existing fields not present in
// data are preserved (shallow merge, using a jsonb-merge style update
// for config documents).
func (d *DB) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	if merge {
		existing, err := d.Get(ctx, path)
		if err != nil {
			return err
		}
		if existing != nil {
			merged := make(map[string]any, len(existing.Data)+len(data))
			for k, v := range existing.Data {
				merged[k] = v
			}
			for k, v := range data {
				merged[k] = v
			}
			data = merged
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "docdb: encode")
	}

	upsert := upsertStmt(d.driver)
	if _, err := d.db.ExecContext(ctx, upsert, path, string(raw)); err != nil {
		return errors.Wrapf(err, "docdb: set %s", path)
	}
	return notify(ctx, d.db, d.driver, path)
}

func upsertStmt(driver string) string {
	if driver == "postgres" {
		return `INSERT INTO documents (path, data, updated_at) VALUES ($1, $2::jsonb, now())
			ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	}
	return `INSERT INTO documents (path, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`
}

// Add creates a new document under collectionPath with a generated id and
// returns that id.
func (d *DB) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	id := newDocID()
	path := collectionPath + "/" + id
	if err := d.Set(ctx, path, data, false); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes a single document.
func (d *DB) Delete(ctx context.Context, path string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM documents WHERE path = `+ph(d.driver, 1), path); err != nil {
		return errors.Wrapf(err, "docdb: delete %s", path)
	}
	return notify(ctx, d.db, d.driver, path)
}

// DeleteRecursive removes a document and, for each name in subcollections,
// every document whose path starts with "{path}/{name}/". Steps are
// best-effort: failures are collected into the returned report and only the
// final root-document delete is treated as critical.
type DeleteReport struct {
	DeletedPaths []string
	Errors       []error
}

func (d *DB) DeleteRecursive(ctx context.Context, path string, subcollections []string) (*DeleteReport, error) {
	report := &DeleteReport{}
	for _, sub := range subcollections {
		prefix := path + "/" + sub + "/"
		rows, err := d.db.QueryContext(ctx, `SELECT path FROM documents WHERE path LIKE `+ph(d.driver, 1), prefix+"%")
		if err != nil {
			report.Errors = append(report.Errors, errors.Wrapf(err, "docdb: list for recursive delete under %s", prefix))
			continue
		}
		var paths []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				report.Errors = append(report.Errors, err)
				continue
			}
			paths = append(paths, p)
		}
		rows.Close()
		for _, p := range paths {
			if err := d.Delete(ctx, p); err != nil {
				report.Errors = append(report.Errors, err)
				continue
			}
			report.DeletedPaths = append(report.DeletedPaths, p)
		}
	}

	if err := d.Delete(ctx, path); err != nil {
		return report, errors.Wrapf(err, "docdb: critical delete of root %s failed", path)
	}
	report.DeletedPaths = append(report.DeletedPaths, path)
	return report, nil
}

// Query lists documents directly under collectionPath matching filters.
// Filtering and ordering are performed in Go over the decoded JSON; this
// keeps the wrapper portable across the Postgres/SQLite drivers without a
// JSON-path dialect split, at the cost of scanning the whole collection —
// acceptable at the per-user collection sizes this fabric deals with
// (notifications, tasks), not for bulk analytics.
func (d *DB) Query(ctx context.Context, collectionPath string, filters []Filter, orderBy string, limit int) ([]Document, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT path, data FROM documents WHERE path LIKE `+ph(d.driver, 1), collectionPath+"/%")
	if err != nil {
		return nil, errors.Wrapf(err, "docdb: query %s", collectionPath)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, errors.Wrap(err, "docdb: scan")
		}
		if strings.Contains(strings.TrimPrefix(path, collectionPath+"/"), "/") {
			continue // skip documents nested under sub-collections
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, errors.Wrapf(err, "docdb: decode %s", path)
		}
		if matchesAll(data, filters) {
			out = append(out, Document{Path: path, Data: data})
		}
	}

	if orderBy != "" {
		sortByField(out, orderBy)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesAll(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(data[f.Field], f.Op, f.Value) {
			return false
		}
	}
	return true
}

func matches(actual any, op string, want any) bool {
	switch op {
	case "==", "":
		return fmt.Sprint(actual) == fmt.Sprint(want)
	case "!=":
		return fmt.Sprint(actual) != fmt.Sprint(want)
	default:
		af, aok := toFloat(actual)
		wf, wok := toFloat(want)
		if !aok || !wok {
			return false
		}
		switch op {
		case "<":
			return af < wf
		case "<=":
			return af <= wf
		case ">":
			return af > wf
		case ">=":
			return af >= wf
		}
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sortByField(docs []Document, field string) {
	desc := strings.HasPrefix(field, "-")
	field = strings.TrimPrefix(field, "-")
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0; j-- {
			a, _ := toFloat(docs[j-1].Data[field])
			b, _ := toFloat(docs[j].Data[field])
			as, aIsStr := docs[j-1].Data[field].(string)
			bs, bIsStr := docs[j].Data[field].(string)
			var swap bool
			if aIsStr && bIsStr {
				swap = (!desc && as > bs) || (desc && as < bs)
			} else {
				swap = (!desc && a > b) || (desc && a < b)
			}
			if swap {
				docs[j-1], docs[j] = docs[j], docs[j-1]
			} else {
				break
			}
		}
	}
}

// OnSnapshot registers a callback invoked whenever a document under
// collectionOrDoc changes. For Postgres this rides the LISTEN/NOTIFY pump;
// for SQLite (dev driver, no NOTIFY support) it falls back to polling every
// two seconds. The returned Handle's Close detaches the watcher.
func (d *DB) OnSnapshot(ctx context.Context, collectionOrDoc string, callback func(Event)) Handle {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = &watcher{collectionOrDoc: collectionOrDoc, callback: callback}
	d.mu.Unlock()

	var stopPoll chan struct{}
	if d.driver != "postgres" {
		stopPoll = make(chan struct{})
		go d.poll(ctx, collectionOrDoc, callback, stopPoll)
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

func (d *DB) poll(ctx context.Context, collectionOrDoc string, callback func(Event), stop chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	seen := map[string]string{}
	for {
		select {
		case <-stop:
			return
		case <-d.closed:
			return
		case <-ticker.C:
			docs, err := d.Query(ctx, collectionOrDoc, nil, "", 0)
			if err != nil {
				continue
			}
			for _, doc := range docs {
				raw, _ := json.Marshal(doc.Data)
				if seen[doc.Path] != string(raw) {
					seen[doc.Path] = string(raw)
					callback(Event{Type: EventChanged, Doc: doc})
				}
			}
		}
	}
}

type handle struct{ close func() }

func (h *handle) Close() { h.close() }

func ph(driver string, n int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func newDocID() string {
	return uuid.NewString()
}
