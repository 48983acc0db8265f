// Package storage provides a SQLite-backed journal of delivered and failed
// alerts. The default database lives in memory and dies with the process.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/macrowatch/internal/models"
)

const MemoryPath = ":memory:"

// Storage wraps a SQLite database for the alert journal.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the journal at dbPath. An empty dbPath or ":memory:"
// keeps the journal in memory.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = MemoryPath
	}
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	if dbPath != MemoryPath {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			summary     TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			delivered   INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_source ON alerts(source, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordAlert inserts a journal row, assigning an ID and timestamp when the
// caller left them empty, then trims the journal to maxAlerts rows.
func (s *Storage) RecordAlert(rec *models.AlertRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, source, kind, fingerprint, summary, text, delivered, error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Source), string(rec.Kind), rec.Fingerprint, rec.Summary, rec.Text,
		boolToInt(rec.Delivered), rec.Error, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return s.rotate()
}

// RecentAlerts returns up to limit rows, newest first. An empty source
// matches every source.
func (s *Storage) RecentAlerts(source models.Source, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + alertCols + ` FROM alerts`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Counts returns delivered and failed totals per source.
func (s *Storage) Counts() (map[models.Source][2]int, error) {
	rows, err := s.db.Query(`SELECT source, delivered, COUNT(*) FROM alerts GROUP BY source, delivered`)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Source][2]int)
	for rows.Next() {
		var src string
		var delivered, n int
		if err := rows.Scan(&src, &delivered, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		c := out[models.Source(src)]
		if delivered != 0 {
			c[0] = n
		} else {
			c[1] = n
		}
		out[models.Source(src)] = c
	}
	return out, rows.Err()
}

// rotate keeps at most maxAlerts newest rows.
func (s *Storage) rotate() error {
	if s.maxAlerts <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM alerts WHERE rowid NOT IN (
			SELECT rowid FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, s.maxAlerts)
	if err != nil {
		return fmt.Errorf("failed to rotate alerts: %w", err)
	}
	return nil
}

const alertCols = `id, source, kind, fingerprint, summary, text, delivered, error, created_at`

func scanAlert(scan func(...any) error) (models.AlertRecord, error) {
	var a models.AlertRecord
	var source, kind string
	var delivered int
	var createdAtNano int64
	err := scan(&a.ID, &source, &kind, &a.Fingerprint, &a.Summary, &a.Text, &delivered, &a.Error, &createdAtNano)
	if err != nil {
		return a, err
	}
	a.Source = models.Source(source)
	a.Kind = models.AlertKind(kind)
	a.Delivered = delivered != 0
	a.CreatedAt = time.Unix(0, createdAtNano).UTC()
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
