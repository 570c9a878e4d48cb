package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/firetree/firetree/internal/errors"
	_ "modernc.org/sqlite"
)

// SQLiteTree persists the tree with one row per top-level key, so a write
// only rewrites the subtree it touches.
type SQLiteTree struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteTree opens (or creates) a tree database with WAL mode enabled.
func NewSQLiteTree(dbPath string) (*SQLiteTree, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteTree{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS tree_nodes (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadKey(ctx context.Context, q querier, key string) (any, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT value FROM tree_nodes WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load node", Err: err}
	}
	var v any
	if err := decodeJSON([]byte(raw), &v); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "decode node", Err: err}
	}
	return v, nil
}

// Get loads the subtree at path, or nil.
func (t *SQLiteTree) Get(ctx context.Context, path string) (any, error) {
	segs := SplitPath(path)
	if len(segs) > 0 {
		v, err := loadKey(ctx, t.db, segs[0])
		if err != nil {
			return nil, err
		}
		return normalize(getIn(v, segs[1:])), nil
	}

	rows, err := t.db.QueryContext(ctx, "SELECT key, value FROM tree_nodes")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load tree", Err: err}
	}
	defer rows.Close()

	root := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan node", Err: err}
		}
		var v any
		if err := decodeJSON([]byte(raw), &v); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "decode node", Err: err}
		}
		root[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load tree", Err: err}
	}
	return normalize(root), nil
}

// Set replaces the subtree at path.
func (t *SQLiteTree) Set(ctx context.Context, path string, v any) error {
	return t.apply(ctx, write{segs: SplitPath(path), v: normalize(v)})
}

// Update writes each field under path in one transaction.
func (t *SQLiteTree) Update(ctx context.Context, path string, fields map[string]any) error {
	writes := updateWrites(path, fields)
	for i := range writes {
		writes[i].v = normalize(writes[i].v)
	}
	return t.apply(ctx, writes...)
}

// Push stores v under a new key below path and returns the key.
func (t *SQLiteTree) Push(ctx context.Context, path string, v any) (string, error) {
	key := NewPushKey()
	segs := append(SplitPath(path), key)
	if err := t.apply(ctx, write{segs: segs, v: normalize(v)}); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes the subtree at path.
func (t *SQLiteTree) Delete(ctx context.Context, path string) error {
	return t.apply(ctx, write{segs: SplitPath(path)})
}

// apply runs writes in one transaction, touching only the top-level keys they name.
func (t *SQLiteTree) apply(ctx context.Context, writes ...write) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	root := map[string]any{}
	loaded := map[string]bool{}
	dirty := map[string]bool{}
	replaced := false

	for _, w := range writes {
		if len(w.segs) == 0 {
			switch v := w.v.(type) {
			case nil:
				root = map[string]any{}
			case map[string]any:
				root = v
			default:
				return ErrInvalidRoot
			}
			replaced = true
			continue
		}

		key := w.segs[0]
		if !replaced && !loaded[key] {
			v, err := loadKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if v != nil {
				root[key] = v
			}
			loaded[key] = true
		}
		dirty[key] = true
		if next, ok := setIn(root, w.segs, w.v).(map[string]any); ok {
			root = next
		} else {
			root = map[string]any{}
		}
	}

	if replaced {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tree_nodes"); err != nil {
			return &errors.ErrDatabaseQuery{Operation: "clear tree", Err: err}
		}
		for key := range root {
			dirty[key] = true
		}
	}

	for key := range dirty {
		v, ok := root[key]
		if !ok || v == nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tree_nodes WHERE key = ?", key); err != nil {
				return &errors.ErrDatabaseQuery{Operation: "delete node", Err: err}
			}
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return &errors.ErrDatabaseQuery{Operation: "encode node", Err: err}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tree_nodes (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(data))
		if err != nil {
			return &errors.ErrDatabaseQuery{Operation: "save node", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit", Err: err}
	}
	return nil
}

// Close closes the database.
func (t *SQLiteTree) Close() error {
	return t.db.Close()
}
