// Package logstore implements the per-calendar-day embedded log store: one
// sqlite file per day, WAL journaling, a cache of open handles, corruption
// quarantine, and a read-only TTL cache for handles on old dates.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// oldDateThreshold marks reads against dates this far in the past as
// "old": their handles are opened read-only and auto-closed after
// oldDateHandleTTL of inactivity.
const oldDateThreshold = 7 * 24 * time.Hour

// oldDateHandleTTL is how long an old-date handle stays open before the
// janitor goroutine it schedules closes it automatically.
const oldDateHandleTTL = 1 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	userId TEXT NOT NULL,
	username TEXT,
	timestampMs INTEGER NOT NULL,
	logType TEXT NOT NULL,
	data BLOB,
	createdAtMs INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000),
	UNIQUE(userId, timestampMs, logType)
);
CREATE INDEX IF NOT EXISTS idx_log_user_ts ON log(userId, timestampMs);
CREATE INDEX IF NOT EXISTS idx_log_type ON log(logType);
`

// Stats is the summary returned by Store.Stats.
type Stats struct {
	Exists    bool
	SizeBytes int64
	RowCount  int
	UserCount int
}

type handle struct {
	db       *sql.DB
	readOnly bool
	closer   *time.Timer
}

// Store manages one sqlite file per calendar day under baseDir, named
// logs-YYYY-MM-DD.db in loc's calendar.
type Store struct {
	baseDir string
	loc     *time.Location
	logger  *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New constructs a Store rooted at baseDir, creating the directory if
// necessary. loc is the calendar used to key files by day, Europe/Berlin
// in production.
func New(baseDir string, loc *time.Location, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "logstore: create base dir")
	}
	return &Store{baseDir: baseDir, loc: loc, logger: logger, handles: make(map[string]*handle)}, nil
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func (s *Store) path(date string) string {
	return filepath.Join(s.baseDir, fileName(date))
}

// isOldDate reports whether date is further than oldDateThreshold in the
// past relative to now, in the store's calendar.
func (s *Store) isOldDate(date string) bool {
	parsed, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return false
	}
	return time.Since(parsed) > oldDateThreshold
}

// handleFor returns the open handle for date, opening it (and applying the
// fixed schema and pragmas) on first use. Reads against dates older than
// oldDateThreshold open the existing file read-only and auto-close after
// oldDateHandleTTL of inactivity; every access to an already-open old-date
// handle resets that timer. A write against a date whose handle was opened
// read-only (the reconciler back-filling a historical day) reopens it
// writable.
func (s *Store) handleFor(date string, write bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[date]; ok {
		if !h.readOnly || !write {
			if h.closer != nil {
				h.closer.Reset(oldDateHandleTTL)
			}
			return h.db, nil
		}
		// Read-only handle, but the caller needs to write: reopen.
		if h.closer != nil {
			h.closer.Stop()
		}
		h.db.Close()
		delete(s.handles, date)
	}

	readOnly := !write && s.isOldDate(date)
	if readOnly {
		if _, err := os.Stat(s.path(date)); err != nil {
			// Nothing on disk yet; fall through to a writable open so the
			// schema exists and the read returns empty rather than failing.
			readOnly = false
		}
	}

	dsn := s.path(date) + "?_journal_mode=WAL&_synchronous=NORMAL"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "logstore: open %s", date)
	}
	if !readOnly {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "logstore: init schema %s", date)
		}
	}

	h := &handle{db: db, readOnly: readOnly}
	if s.isOldDate(date) {
		h.closer = time.AfterFunc(oldDateHandleTTL, func() { s.evict(date) })
	}
	s.handles[date] = h
	return db, nil
}

func (s *Store) evict(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[date]; ok {
		h.db.Close()
		delete(s.handles, date)
		s.logger.Debug("logstore: closed idle old-date handle", zap.String("date", date))
	}
}

// isCorruption reports whether err indicates a malformed/corrupted sqlite
// file, as opposed to an ordinary query error.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || strings.Contains(msg, "file is encrypted or is not a database")
}

// quarantine closes and deletes the file for date after a corruption
// signal, logging that it requires re-download from the backup sink.
func (s *Store) quarantine(date string) {
	s.mu.Lock()
	if h, ok := s.handles[date]; ok {
		h.db.Close()
		delete(s.handles, date)
	}
	s.mu.Unlock()

	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(s.path(date) + suffix)
	}
	s.logger.Error("logstore: quarantined corrupted file, requires re-download", zap.String("date", date))
}

// Insert inserts entry for date, returning false if it was already present
// (idempotent on the (userId, timestampMs, logType) unique key).
func (s *Store) Insert(ctx context.Context, date time.Time, entry models.LogEntry) (bool, error) {
	key := dateKey(date, s.loc)
	db, err := s.handleFor(key, true)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO log (userId, username, timestampMs, logType, data) VALUES (?,?,?,?,?)`,
		entry.UserID, entry.Username, entry.TimestampMs, string(entry.LogType), []byte(entry.Data),
	)
	if err != nil {
		if isCorruption(err) {
			s.quarantine(key)
		}
		return false, eris.Wrapf(err, "logstore: insert %s", key)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertBatch inserts entries for date in a single transaction, returning
// the count actually inserted (duplicates are silently skipped).
func (s *Store) InsertBatch(ctx context.Context, date time.Time, entries []models.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	key := dateKey(date, s.loc)
	db, err := s.handleFor(key, true)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "logstore: begin tx %s", key)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO log (userId, username, timestampMs, logType, data) VALUES (?,?,?,?,?)`)
	if err != nil {
		return 0, eris.Wrapf(err, "logstore: prepare insert %s", key)
	}
	defer stmt.Close()

	count := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.UserID, e.Username, e.TimestampMs, string(e.LogType), []byte(e.Data))
		if err != nil {
			if isCorruption(err) {
				s.quarantine(key)
			}
			return count, eris.Wrapf(err, "logstore: batch insert %s", key)
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "logstore: commit %s", key)
	}
	return count, nil
}

// GetByUser returns every entry for userId on date, ordered by timestampMs.
func (s *Store) GetByUser(ctx context.Context, date time.Time, userID string) ([]models.LogEntry, error) {
	key := dateKey(date, s.loc)
	db, err := s.handleFor(key, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT userId, username, timestampMs, logType, data FROM log
		WHERE userId = ? ORDER BY timestampMs ASC`, userID)
	if err != nil {
		if isCorruption(err) {
			s.quarantine(key)
		}
		return nil, eris.Wrapf(err, "logstore: get by user %s", key)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var data []byte
		if err := rows.Scan(&e.UserID, &e.Username, &e.TimestampMs, &e.LogType, &data); err != nil {
			return nil, eris.Wrap(err, "logstore: scan row")
		}
		e.Data = json.RawMessage(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetUserIds returns the distinct user ids with at least one entry on date.
func (s *Store) GetUserIds(ctx context.Context, date time.Time) ([]string, error) {
	key := dateKey(date, s.loc)
	db, err := s.handleFor(key, false)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT userId FROM log ORDER BY userId`)
	if err != nil {
		return nil, eris.Wrapf(err, "logstore: get user ids %s", key)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "logstore: scan user id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Checkpoint forces a WAL truncation checkpoint, used before backup/export.
func (s *Store) Checkpoint(ctx context.Context, date time.Time) error {
	key := dateKey(date, s.loc)
	db, err := s.handleFor(key, true)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return eris.Wrapf(err, "logstore: checkpoint %s", key)
}

// CheckpointAll runs a WAL truncation checkpoint on every open handle, used
// during graceful shutdown before handles are closed.
func (s *Store) CheckpointAll(ctx context.Context) {
	s.mu.Lock()
	open := make(map[string]*sql.DB, len(s.handles))
	for date, h := range s.handles {
		open[date] = h.db
	}
	s.mu.Unlock()

	for date, db := range open {
		if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			s.logger.Warn("logstore: shutdown checkpoint failed", zap.String("date", date), zap.Error(err))
		}
	}
}

// Stats reports whether date's file exists and its size/row/user counts.
func (s *Store) Stats(ctx context.Context, date time.Time) (Stats, error) {
	key := dateKey(date, s.loc)
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return Stats{Exists: false}, nil
	}
	if err != nil {
		return Stats{}, eris.Wrapf(err, "logstore: stat %s", key)
	}

	db, err := s.handleFor(key, false)
	if err != nil {
		return Stats{}, err
	}

	var rowCount, userCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log`).Scan(&rowCount); err != nil {
		return Stats{}, eris.Wrapf(err, "logstore: count rows %s", key)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT userId) FROM log`).Scan(&userCount); err != nil {
		return Stats{}, eris.Wrapf(err, "logstore: count users %s", key)
	}

	return Stats{Exists: true, SizeBytes: info.Size(), RowCount: rowCount, UserCount: userCount}, nil
}

// CleanupOlderThan deletes every day's file (and its WAL/SHM siblings) whose
// date is older than days, closing any open handle first.
func (s *Store) CleanupOlderThan(days int) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, eris.Wrap(err, "logstore: list base dir")
	}

	cutoff := time.Now().In(s.loc).AddDate(0, 0, -days)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "logs-") || !strings.HasSuffix(name, ".db") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "logs-"), ".db")
		parsed, err := time.ParseInLocation("2006-01-02", dateStr, s.loc)
		if err != nil {
			continue
		}
		if parsed.After(cutoff) {
			continue
		}

		s.mu.Lock()
		if h, ok := s.handles[dateStr]; ok {
			h.db.Close()
			delete(s.handles, dateStr)
		}
		s.mu.Unlock()

		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(s.path(dateStr) + suffix)
		}
		removed++
	}
	return removed, nil
}

// OpenHandleCount reports the number of currently open per-day handles, for
// metrics.
func (s *Store) OpenHandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// BaseDir returns the directory this store is rooted at, for callers that
// need to probe the underlying volume mount directly (e.g. a health check).
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Close closes every open handle, for graceful shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	dates := make([]string, 0, len(s.handles))
	for date := range s.handles {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		h := s.handles[date]
		if h.closer != nil {
			h.closer.Stop()
		}
		h.db.Close()
	}
	s.handles = make(map[string]*handle)
}

// fileName builds the on-disk name for one day's store file.
func fileName(date string) string { return fmt.Sprintf("logs-%s.db", date) }
