// Package storage persists the coordinator's dispatch history in a local
// SQLite database: every accepted device report and every task handed out.
// The journal is an audit trail, not a source of truth; the registry and
// queue stay in memory and the coordinator treats journal errors as
// best-effort losses.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	screenagent "github.com/screenfleet/ScreenAgent"
	"github.com/screenfleet/ScreenAgent/internal/env"
)

// EnvFleetDBPath locates the journal database. Empty disables journaling.
const EnvFleetDBPath = "FLEET_DB_PATH"

const (
	deviceReportsTable  = "device_reports"
	taskDispatchesTable = "task_dispatches"
)

// Journal 将调度历史落到本地 SQLite，供排障时回放设备状态与任务去向。
type Journal struct {
	db             *sql.DB
	insertReport   *sql.Stmt
	insertDispatch *sql.Stmt
	path           string
}

// NewJournalFromEnv opens the journal named by FLEET_DB_PATH. A nil journal
// with nil error means journaling is disabled.
func NewJournalFromEnv() (*Journal, error) {
	path := env.String(EnvFleetDBPath, "")
	if path == "" {
		log.Info().Msg("no fleet db path configured, dispatch journaling disabled")
		return nil, nil
	}
	return OpenJournal(path)
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create journal dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal database %s", path)
	}
	if err := configureJournalSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	insertReport, err := db.Prepare(fmt.Sprintf(
		`INSERT INTO %s (device_id, busy, memory_mb, reported_at) VALUES (?, ?, ?, ?);`,
		quoteIdent(deviceReportsTable)))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "prepare report insert")
	}
	insertDispatch, err := db.Prepare(fmt.Sprintf(
		`INSERT INTO %s (task_id, device_id, content, image_ref, dispatched_at) VALUES (?, ?, ?, ?, ?);`,
		quoteIdent(taskDispatchesTable)))
	if err != nil {
		insertReport.Close()
		db.Close()
		return nil, errors.Wrap(err, "prepare dispatch insert")
	}

	log.Info().Str("path", path).Msg("dispatch journal opened")
	return &Journal{
		db:             db,
		insertReport:   insertReport,
		insertDispatch: insertDispatch,
		path:           path,
	}, nil
}

func configureJournalSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func ensureJournalSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			busy INTEGER NOT NULL,
			memory_mb INTEGER NOT NULL,
			reported_at TEXT NOT NULL
		);`, quoteIdent(deviceReportsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(device_id);`,
			quoteIdent("idx_"+deviceReportsTable+"_device"), quoteIdent(deviceReportsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			content TEXT,
			image_ref TEXT,
			dispatched_at TEXT NOT NULL
		);`, quoteIdent(taskDispatchesTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(device_id);`,
			quoteIdent("idx_"+taskDispatchesTable+"_device"), quoteIdent(taskDispatchesTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create journal schema")
		}
	}
	return nil
}

// RecordReport appends one accepted device report.
func (j *Journal) RecordReport(ctx context.Context, rec screenagent.DeviceRecord) error {
	busy := 0
	if rec.Busy {
		busy = 1
	}
	reportedAt := rec.LastReportedAt.UTC().Format(time.RFC3339Nano)
	log.Debug().Msg(FormatSQLForLog(
		`INSERT INTO device_reports (device_id, busy, memory_mb, reported_at) VALUES (?, ?, ?, ?);`,
		rec.DeviceID, busy, rec.MemoryMB, reportedAt))
	_, err := j.insertReport.ExecContext(ctx, rec.DeviceID, busy, rec.MemoryMB, reportedAt)
	return errors.Wrap(err, "insert device report")
}

// RecordDispatch appends one task assignment.
func (j *Journal) RecordDispatch(ctx context.Context, deviceID string, task screenagent.Task, at time.Time) error {
	dispatchedAt := at.UTC().Format(time.RFC3339Nano)
	log.Debug().Msg(FormatSQLForLog(
		`INSERT INTO task_dispatches (task_id, device_id, content, image_ref, dispatched_at) VALUES (?, ?, ?, ?, ?);`,
		task.ID, deviceID, task.Content, task.ImageRef, dispatchedAt))
	_, err := j.insertDispatch.ExecContext(ctx, task.ID, deviceID, task.Content, task.ImageRef, dispatchedAt)
	return errors.Wrap(err, "insert task dispatch")
}

// DispatchEntry is one row of dispatch history.
type DispatchEntry struct {
	TaskID       string
	DeviceID     string
	Content      string
	ImageRef     string
	DispatchedAt time.Time
}

// RecentDispatches returns the newest dispatches, most recent first.
func (j *Journal) RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(
		`SELECT task_id, device_id, content, image_ref, dispatched_at FROM %s ORDER BY id DESC LIMIT ?;`,
		quoteIdent(taskDispatchesTable))
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent dispatches")
	}
	defer rows.Close()

	var entries []DispatchEntry
	for rows.Next() {
		var (
			entry        DispatchEntry
			content      sql.NullString
			imageRef     sql.NullString
			dispatchedAt string
		)
		if err := rows.Scan(&entry.TaskID, &entry.DeviceID, &content, &imageRef, &dispatchedAt); err != nil {
			return nil, errors.Wrap(err, "scan dispatch row")
		}
		entry.Content = content.String
		entry.ImageRef = imageRef.String
		if ts, perr := time.Parse(time.RFC3339Nano, dispatchedAt); perr == nil {
			entry.DispatchedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "iterate dispatch rows")
}

// Close releases the prepared statements and the database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if j.insertReport != nil {
		j.insertReport.Close()
	}
	if j.insertDispatch != nil {
		j.insertDispatch.Close()
	}
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	escaped := strings.ReplaceAll(trimmed, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
