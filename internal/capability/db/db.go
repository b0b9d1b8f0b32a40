// Package db is the relational-database capability module: the
// require("db") surface granted to scripts holding the "db" permission
// (spec §4.D protected modules). Each app's configured logical database
// (spec §3 "database-connection list... each: logical name, dialect,
// connection params") gets its own SQLite file under its box/data
// directory; there is no cross-app or cross-database sharing. Dialect
// translation is noted but not implemented (spec §1: "database driver
// adapters (SQL dialect translation is noted but adapter internals are
// not)" is an explicit out-of-scope collaborator) — every logical
// database is backed by the same modernc.org/sqlite driver regardless
// of its configured Dialect.
//
// Grounded on the teacher's internal/persistence/sqlite_control_store.go,
// which opens a single modernc.org/sqlite handle per store and guards
// it behind a mutex rather than a connection pool per call site; here
// generalised from one store to a pool keyed by (appName, logical name)
// so an app's §3 database-connection list can register more than one.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"boxhost/internal/boxerr"
)

// Pool holds one *sql.DB per (appName, logical database name) pair,
// opened lazily on first use. The Lifecycle Manager (spec §4.H, §5)
// owns registration and teardown: Register on install/reload for every
// configured database, Close on delete or before re-registering on
// reload.
type Pool struct {
	mu   sync.Mutex
	dirs map[string]map[string]string // appName -> logical name -> data directory
	dbs  map[string]map[string]*sql.DB
}

func NewPool() *Pool {
	return &Pool{dirs: map[string]map[string]string{}, dbs: map[string]map[string]*sql.DB{}}
}

// Register records where an app's named SQLite file should live. Called
// once per configured database when the app is installed or reloaded
// (spec §4.G, §4.H).
func (p *Pool) Register(appName, name, dataDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirs[appName] == nil {
		p.dirs[appName] = map[string]string{}
	}
	p.dirs[appName][name] = dataDir
}

// Close closes and forgets every handle opened for appName — "shut down
// all DB adapters for the app" (spec §4.H Delete; §5 "delete/reload must
// close those pools before destroying the app").
func (p *Pool) Close(appName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, handle := range p.dbs[appName] {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.dbs[appName], name)
	}
	delete(p.dbs, appName)
	delete(p.dirs, appName)
	return firstErr
}

// Open returns the *sql.DB registered as name for appName, opening it
// if necessary.
func (p *Pool) Open(appName, name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.dbs[appName]; ok {
		if handle, ok := m[name]; ok {
			return handle, nil
		}
	}
	dataDir, ok := p.dirs[appName][name]
	if !ok {
		return nil, boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "db: app %q has no database named %q registered", appName, name)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "db: creating data dir for %s/%s", appName, name)
	}
	path := filepath.Join(dataDir, name+".db")
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "db: opening %s", path)
	}
	handle.SetMaxOpenConns(1)
	if p.dbs[appName] == nil {
		p.dbs[appName] = map[string]*sql.DB{}
	}
	p.dbs[appName][name] = handle
	return handle, nil
}

// Capability is the per-script handle granted to a script that holds
// the "db" permission, bound to one of the app's configured logical
// database names.
type Capability struct {
	appName string
	name    string
	pool    *Pool
}

func New(appName, name string, pool *Pool) *Capability {
	return &Capability{appName: appName, name: name, pool: pool}
}

func (c *Capability) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	handle, err := c.pool.Open(c.appName, c.name)
	if err != nil {
		return nil, err
	}
	res, err := handle.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "db: exec failed")
	}
	return res, nil
}

func (c *Capability) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	handle, err := c.pool.Open(c.appName, c.name)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "db: query failed")
	}
	return rows, nil
}

func (c *Capability) QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	handle, err := c.pool.Open(c.appName, c.name)
	if err != nil {
		return nil, err
	}
	return handle.QueryRowContext(ctx, query, args...), nil
}
