package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/delmic/odemis-sub009/internal/audit"
	"github.com/delmic/odemis-sub009/internal/component"
)

// Entry is the binding of a container name to its transport endpoint.
type Entry struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Journal records the binding history.
type Journal interface {
	Create(ctx context.Context, e *audit.Event) error
}

// LivenessFunc reports whether the process holding an entry still runs.
type LivenessFunc func(e Entry) bool

// Directory is the namespace of containers shared by every process using
// the same database file.
//
// A name bound by a process that died without unbinding it is stale: it is
// dropped on Resolve and can be bound again.
type Directory struct {
	db      *sql.DB
	host    string
	alive   LivenessFunc
	journal Journal
}

// New creates a directory on db, whose schema must be migrated.
func New(db *sql.DB) *Directory {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	d := &Directory{db: db, host: host}
	d.alive = d.processAlive
	return d
}

// SetLiveness replaces the check used to detect stale entries.
func (d *Directory) SetLiveness(fn LivenessFunc) {
	d.alive = fn
}

// SetJournal records every bind, unbind and reclaim of a stale name in j.
func (d *Directory) SetJournal(j Journal) {
	d.journal = j
}

// record adds an event to the journal, if any.
func (d *Directory) record(ctx context.Context, action string, e Entry) {
	if d.journal == nil {
		return
	}
	ev := &audit.Event{Action: action, Container: e.Name, URL: e.URL, PID: e.PID, Host: e.Host}
	if action == audit.ActionBind {
		ev.Details = map[string]any{"started_at": e.StartedAt.UTC().Format(time.RFC3339Nano)}
	}
	d.journal.Create(ctx, ev) //nolint:errcheck // Best-effort: the history must not block the namespace
}

// Host returns the host name recorded in the entries of this process.
func (d *Directory) Host() string {
	return d.host
}

// processAlive checks processes of this host with signal 0. Entries of other
// hosts are assumed alive.
func (d *Directory) processAlive(e Entry) bool {
	if e.Host != d.host {
		return true
	}
	p, err := os.FindProcess(e.PID)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Bind records e, filling Host and StartedAt when empty. It fails with
// component.ErrNameInUse if the name is held by a live process.
func (d *Directory) Bind(ctx context.Context, e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: empty container name", component.ErrLookup)
	}
	if e.Host == "" {
		e.Host = d.host
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bind of %s: %w", e.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	existing, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE name = ?`, e.Name))
	stale := err == nil
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading container %s: %w", e.Name, err)
	case d.alive(existing):
		return fmt.Errorf("%w: %s (pid %d on %s)", component.ErrNameInUse, e.Name, existing.PID, existing.Host)
	}

	const query = `INSERT OR REPLACE INTO containers (name, url, pid, host, started_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		e.Name, e.URL, e.PID, e.Host, e.StartedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("binding container %s: %w", e.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bind of %s: %w", e.Name, err)
	}

	if stale {
		d.record(ctx, audit.ActionReclaim, existing)
	}
	d.record(ctx, audit.ActionBind, e)
	return nil
}

// Resolve returns the entry of the named container. It fails with
// component.ErrLookup if the name is not bound or only by a dead process.
func (d *Directory) Resolve(ctx context.Context, name string) (Entry, error) {
	e, err := scanEntry(d.db.QueryRowContext(ctx, selectEntry+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: container %s", component.ErrLookup, name)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("resolving container %s: %w", name, err)
	}
	if !d.alive(e) {
		if err := d.unbind(ctx, e, audit.ActionReclaim); err != nil {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("%w: container %s (stale entry of pid %d)", component.ErrLookup, name, e.PID)
	}
	return e, nil
}

// Unbind removes the binding of e.Name, only if it is still held by e.PID
// on e.Host.
func (d *Directory) Unbind(ctx context.Context, e Entry) error {
	return d.unbind(ctx, e, audit.ActionUnbind)
}

func (d *Directory) unbind(ctx context.Context, e Entry, action string) error {
	if e.Host == "" {
		e.Host = d.host
	}
	const query = `DELETE FROM containers WHERE name = ? AND pid = ? AND host = ?`
	res, err := d.db.ExecContext(ctx, query, e.Name, e.PID, e.Host)
	if err != nil {
		return fmt.Errorf("unbinding container %s: %w", e.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		d.record(ctx, action, e)
	}
	return nil
}

// List returns every entry, stale ones included, sorted by name.
func (d *Directory) List(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx, selectEntry+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Alive reports whether the process holding e runs.
func (d *Directory) Alive(e Entry) bool {
	return d.alive(e)
}

const selectEntry = `SELECT name, url, pid, host, started_at FROM containers`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var started string
	if err := s.Scan(&e.Name, &e.URL, &e.PID, &e.Host, &started); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing started_at of %s: %w", e.Name, err)
	}
	e.StartedAt = t
	return e, nil
}
