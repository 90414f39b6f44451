package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Session is the persisted record of one bounded recording period.
type Session struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int64     `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	IsActive        bool      `json:"is_active"`
	Summary         string    `json:"summary"`
	Participants    int       `json:"participants"`
	AIAssists       int       `json:"ai_assists"`
}

// Caption is one committed (or, transiently, interim) transcript line owned by
// a session. Only final captions are persisted by the aggregator.
type Caption struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"session_id"`
	Time      time.Time              `json:"time"`
	Source    protocol.Source        `json:"source"`
	Status    protocol.CaptionStatus `json:"status"`
	Text      string                 `json:"text"`
	CreatedAt time.Time              `json:"created_at"`
}

// AiLog is one assist exchange, append-only once written.
type AiLog struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionDetail bundles everything a review surface needs for one session.
type SessionDetail struct {
	Session  Session  `json:"session"`
	Captions []Caption `json:"captions"`
	AiLogs   []AiLog   `json:"ai_logs"`
}

// Store wraps the SQLite database holding sessions, captions, assist logs and
// user settings. SQLite serializes writers on a single connection; readers run
// concurrently under WAL.
type Store struct {
	db       *sql.DB
	cfg      config.StoreConfig
	defaults config.DefaultsConfig
	log      *slog.Logger
	clock    func() time.Time
}

// Open initializes the store according to config, creating the schema and
// seeding default settings on first run.
func Open(ctx context.Context, cfg config.StoreConfig, defaults config.DefaultsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, defaults: defaults, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedSettings(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	// A crash can leave a stale active flag behind; no session survives a
	// process restart as active.
	if _, err := db.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE is_active = 1`); err != nil {
		log.Warn("failed to clear stale active sessions", slog.String("error", err.Error()))
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    participants INTEGER NOT NULL DEFAULT 0,
    ai_assists INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    time TEXT NOT NULL,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS ai_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    time TEXT NOT NULL,
    type TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captions_session ON captions(session_id);
CREATE INDEX IF NOT EXISTS idx_ai_logs_session ON ai_logs(session_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// timeLayout is fixed width with zero-padded nanoseconds so the stored text
// sorts lexically in timestamp order. RFC3339Nano trims trailing zeros, which
// would misorder sub-second times under ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateSession inserts a new session row. The caller is responsible for the
// at-most-one-active invariant; the row is written as given.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, title, duration_seconds, created_at, updated_at, is_active, summary, participants, ai_assists)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.DurationSeconds,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		boolToInt(sess.IsActive), sess.Summary, sess.Participants, sess.AIAssists)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row; captions and assist logs cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration_seconds, created_at, updated_at, is_active, summary, participants, ai_assists
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions newest first. Date grouping for display is
// computed by the consumer.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, duration_seconds, created_at, updated_at, is_active, summary, participants, ai_assists
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var created, updated string
	var active int
	err := row.Scan(&sess.ID, &sess.Title, &sess.DurationSeconds, &created, &updated,
		&active, &sess.Summary, &sess.Participants, &sess.AIAssists)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	sess.IsActive = active != 0
	return sess, nil
}

// FinalizeSession records the stop-time metadata and clears the active flag.
func (s *Store) FinalizeSession(ctx context.Context, id, title, summary string, durationSeconds int64, participants int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, summary = ?, duration_seconds = ?, participants = ?, is_active = 0, updated_at = ?
		 WHERE id = ?`,
		title, summary, durationSeconds, participants, formatTime(s.clock()), id)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetSessionActive flips the active flag without touching other metadata.
func (s *Store) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(s.clock()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendCaption persists one committed caption line.
func (s *Store) AppendCaption(ctx context.Context, c Caption) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captions(session_id, time, source, status, text, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		c.SessionID, formatTime(c.Time), string(c.Source), string(c.Status), c.Text, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert caption: %w", err)
	}
	return nil
}

// CaptionsBySession returns a session's captions ordered by timestamp, with
// arrival order breaking ties.
func (s *Store) CaptionsBySession(ctx context.Context, sessionID string) ([]Caption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, time, source, status, text, created_at
		 FROM captions WHERE session_id = ? ORDER BY time ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCaptions(rows)
}

// RecentFinalCaptions returns up to limit of the newest final captions,
// oldest first, for assist context building.
func (s *Store) RecentFinalCaptions(ctx context.Context, sessionID string, limit int) ([]Caption, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, time, source, status, text, created_at FROM (
		    SELECT * FROM captions WHERE session_id = ? AND status = 'final'
		    ORDER BY time DESC, id DESC LIMIT ?
		 ) ORDER BY time ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCaptions(rows)
}

func scanCaptions(rows *sql.Rows) ([]Caption, error) {
	var captions []Caption
	for rows.Next() {
		var c Caption
		var ts, created, source, status string
		if err := rows.Scan(&c.ID, &c.SessionID, &ts, &source, &status, &c.Text, &created); err != nil {
			return nil, err
		}
		c.Time = parseTime(ts)
		c.CreatedAt = parseTime(created)
		c.Source = protocol.Source(source)
		c.Status = protocol.CaptionStatus(status)
		captions = append(captions, c)
	}
	return captions, rows.Err()
}

// RecordAssist appends the assist log entry and bumps the session counter in
// one transaction.
func (s *Store) RecordAssist(ctx context.Context, entry AiLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ai_logs(session_id, time, type, prompt, response, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		entry.SessionID, formatTime(entry.Time), entry.Type, entry.Prompt, entry.Response, formatTime(entry.CreatedAt)); err != nil {
		return fmt.Errorf("insert ai log: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET ai_assists = ai_assists + 1, updated_at = ? WHERE id = ?`,
		formatTime(s.clock()), entry.SessionID)
	if err != nil {
		return fmt.Errorf("bump assist counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

func (s *Store) AiLogsBySession(ctx context.Context, sessionID string) ([]AiLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, time, type, prompt, response, created_at
		 FROM ai_logs WHERE session_id = ? ORDER BY time ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AiLog
	for rows.Next() {
		var entry AiLog
		var ts, created string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &ts, &entry.Type, &entry.Prompt, &entry.Response, &created); err != nil {
			return nil, err
		}
		entry.Time = parseTime(ts)
		entry.CreatedAt = parseTime(created)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Detail loads a session with its captions and assist logs.
func (s *Store) Detail(ctx context.Context, id string) (SessionDetail, error) {
	sess, err := s.SessionByID(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	captions, err := s.CaptionsBySession(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	logs, err := s.AiLogsBySession(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{Session: sess, Captions: captions, AiLogs: logs}, nil
}

// Export serializes a session bundle without mutating state. The output
// round-trips: unmarshalling it yields the same detail Detail returns.
func (s *Store) Export(ctx context.Context, id string) ([]byte, error) {
	detail, err := s.Detail(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(detail, "", "  ")
}

// Prune applies the auto_delete retention setting to inactive sessions.
func (s *Store) Prune(ctx context.Context) error {
	settings, err := s.Settings(ctx)
	if err != nil {
		return err
	}
	days := retentionDays(settings.AutoDelete)
	if days <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE is_active = 0 AND created_at < ?`, formatTime(cutoff))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned expired sessions", slog.Int64("count", n), slog.Int("retention_days", days))
	}
	return nil
}

// retentionDays parses values like "30days"; "never" or anything unparsable
// disables pruning.
func retentionDays(autoDelete string) int {
	trimmed := strings.TrimSuffix(strings.TrimSpace(autoDelete), "days")
	n, err := strconv.Atoi(strings.TrimSpace(trimmed))
	if err != nil {
		return 0
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
