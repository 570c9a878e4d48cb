package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/firetree/firetree/internal/errors"
	_ "modernc.org/sqlite"
)

const auditQueueSize = 256

// SQLiteAuditStore persists audit events in SQLite. Writes made through
// Record/SaveEventAsync are queued and flushed by a single writer goroutine.
type SQLiteAuditStore struct {
	db     *sql.DB
	logger *Logger

	eventChan chan *AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	cleanupTicker *time.Ticker
	retentionDays int
}

// AuditQueryFilters narrows QueryEvents and CountEvents. Zero values are ignored.
type AuditQueryFilters struct {
	EventType     string
	Action        string
	Status        string
	Resource      string
	CorrelationID string
	Since         time.Time
	Limit         int
	OrderDesc     bool
}

// NewSQLiteAuditStore opens the audit database with a 90 day retention.
func NewSQLiteAuditStore(dbPath string) (*SQLiteAuditStore, error) {
	return NewSQLiteAuditStoreWithRetention(dbPath, 90)
}

// NewSQLiteAuditStoreWithRetention opens the audit database. retentionDays <= 0 disables cleanup.
func NewSQLiteAuditStoreWithRetention(dbPath string, retentionDays int) (*SQLiteAuditStore, error) {
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

	if err := migrateAudit(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteAuditStore{
		db:            db,
		logger:        NewLogger(),
		eventChan:     make(chan *AuditEvent, auditQueueSize),
		done:          make(chan struct{}),
		retentionDays: retentionDays,
	}

	s.wg.Add(1)
	go s.writer()

	if retentionDays > 0 {
		s.cleanupTicker = time.NewTicker(time.Hour)
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	return s, nil
}

func migrateAudit(db *sql.DB) error {
	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id TEXT PRIMARY KEY,
					timestamp DATETIME NOT NULL,
					event_type TEXT NOT NULL,
					severity TEXT NOT NULL DEFAULT 'info',
					principal TEXT NOT NULL DEFAULT '',
					correlation_id TEXT NOT NULL DEFAULT '',
					action TEXT NOT NULL,
					resource TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					duration_ms INTEGER NOT NULL DEFAULT 0,
					details TEXT,
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
				CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
				CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
			`,
		},
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create audit migrations table", Err: err}
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM audit_migrations").Scan(&current); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get audit migration version", Err: err}
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
		if _, err := tx.Exec("INSERT INTO audit_migrations (version) VALUES (?)", m.version); err != nil {
			return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit audit migrations", Err: err}
	}
	return nil
}

// SaveEvent writes an event synchronously.
func (s *SQLiteAuditStore) SaveEvent(event *AuditEvent) error {
	var details sql.NullString
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return &errors.ErrDatabaseQuery{Operation: "marshal audit details", Err: err}
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (id, timestamp, event_type, severity, principal, correlation_id, action, resource, status, duration_ms, details, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp.UTC(), string(event.EventType), string(event.Severity), event.Principal,
		event.CorrelationID, event.Action, event.Resource, string(event.Status), event.DurationMs, details, event.ErrorMessage)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "insert audit event", Err: err}
	}
	return nil
}

// SaveEventAsync queues an event. When the queue is full the event is dropped and logged.
func (s *SQLiteAuditStore) SaveEventAsync(event *AuditEvent) {
	if event == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Warn("audit queue full, dropping event", "event_id", event.ID, "event_type", string(event.EventType))
	}
}

// Record implements AuditSink.
func (s *SQLiteAuditStore) Record(event *AuditEvent) {
	s.SaveEventAsync(event)
}

func (s *SQLiteAuditStore) writer() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.eventChan:
			s.persist(event)
		case <-s.done:
			for {
				select {
				case event := <-s.eventChan:
					s.persist(event)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteAuditStore) persist(event *AuditEvent) {
	if err := s.SaveEvent(event); err != nil {
		s.logger.Error("failed to persist audit event", "event_id", event.ID, "error", err)
	}
}

func (s *SQLiteAuditStore) cleanupLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupOldData()
		case <-s.done:
			return
		}
	}
}

func (s *SQLiteAuditStore) cleanupOldData() {
	if s.retentionDays <= 0 {
		return
	}
	age := time.Duration(s.retentionDays) * 24 * time.Hour
	if _, err := s.CleanupOldEvents(context.Background(), age); err != nil {
		s.logger.Error("audit cleanup failed", "error", err)
	}
}

// CleanupOldEvents deletes events older than olderThan and returns how many were removed.
func (s *SQLiteAuditStore) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "cleanup audit events", Err: err}
	}
	return res.RowsAffected()
}

func buildAuditWhere(f AuditQueryFilters) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Resource != "" {
		add("resource = ?", f.Resource)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountEvents counts events matching the filters.
func (s *SQLiteAuditStore) CountEvents(ctx context.Context, f AuditQueryFilters) (int, error) {
	where, args := buildAuditWhere(f)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "count audit events", Err: err}
	}
	return count, nil
}

// QueryEvents returns events matching the filters ordered by timestamp.
func (s *SQLiteAuditStore) QueryEvents(ctx context.Context, f AuditQueryFilters) ([]*AuditEvent, error) {
	where, args := buildAuditWhere(f)
	query := `SELECT id, timestamp, event_type, severity, principal, correlation_id, action, resource, status, duration_ms, details, error_message FROM audit_events` + where
	if f.OrderDesc {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "query audit events", Err: err}
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate audit events", Err: err}
	}
	return events, nil
}

// GetEventByID returns the event or nil when it does not exist.
func (s *SQLiteAuditStore) GetEventByID(ctx context.Context, id string) (*AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, timestamp, event_type, severity, principal, correlation_id, action, resource, status, duration_ms, details, error_message FROM audit_events WHERE id = ?`, id)
	event, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEvent(row rowScanner) (*AuditEvent, error) {
	var (
		event     AuditEvent
		eventType string
		severity  string
		status    string
		details   sql.NullString
	)
	err := row.Scan(&event.ID, &event.Timestamp, &eventType, &severity, &event.Principal, &event.CorrelationID,
		&event.Action, &event.Resource, &status, &event.DurationMs, &details, &event.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "scan audit event", Err: err}
	}
	event.EventType = AuditEventType(eventType)
	event.Severity = AuditSeverity(severity)
	event.Status = AuditStatus(status)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "unmarshal audit details", Err: err}
		}
	}
	return &event, nil
}

// Close flushes queued events and closes the database.
func (s *SQLiteAuditStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
		}
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

var _ AuditSink = (*SQLiteAuditStore)(nil)
