// Package sqlite implements oasis.EventLog backed by a local SQLite file,
// using the same pure-Go driver and FTS5 indexing pattern as store/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	oasis "github.com/lumenai/gateway"

	_ "modernc.org/sqlite"
)

// Log implements oasis.EventLog over a local SQLite file.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ oasis.EventLog = (*Log)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Option configures a Log.
type Option func(*Log)

// WithLogger sets a structured logger for the event log.
func WithLogger(l *slog.Logger) Option {
	return func(s *Log) { s.logger = l }
}

// New opens (or creates) a SQLite-backed event log at dbPath.
func New(dbPath string, opts ...Option) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("eventlog sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	l := &Log{db: db, logger: nopLogger}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Init creates the events table and its FTS5 index.
func (l *Log) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tool TEXT,
		args TEXT,
		result TEXT,
		error TEXT,
		duration_ms INTEGER,
		agent_id TEXT,
		session_id TEXT,
		channel TEXT,
		success INTEGER NOT NULL,
		tags TEXT
	)`)
	if err != nil {
		return fmt.Errorf("eventlog sqlite: create table: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`); err != nil {
		return fmt.Errorf("eventlog sqlite: create index: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`); err != nil {
		return fmt.Errorf("eventlog sqlite: create index: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`); err != nil {
		return fmt.Errorf("eventlog sqlite: create index: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`); err != nil {
		return fmt.Errorf("eventlog sqlite: create index: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS events_fts
		USING fts5(event_id UNINDEXED, tool, error, tags)`)
	if err != nil {
		return fmt.Errorf("eventlog sqlite: create fts table: %w", err)
	}
	return nil
}

// Insert assigns an id if absent and appends entry.
func (l *Log) Insert(ctx context.Context, entry oasis.EventLogEntry) (oasis.EventLogEntry, error) {
	if entry.ID == "" {
		entry.ID = oasis.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return oasis.EventLogEntry{}, fmt.Errorf("eventlog sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tags := strings.Join(entry.Tags, ",")
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, type, timestamp, tool, args, result, error, duration_ms, agent_id, session_id, channel, success, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Type), entry.Timestamp.Unix(), entry.Tool, entry.Args, entry.Result,
		entry.Error, entry.DurationMs, entry.AgentID, entry.SessionID, entry.Channel, boolToInt(entry.Success), tags,
	)
	if err != nil {
		return oasis.EventLogEntry{}, fmt.Errorf("eventlog sqlite: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events_fts (event_id, tool, error, tags) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Tool, entry.Error, tags,
	); err != nil {
		return oasis.EventLogEntry{}, fmt.Errorf("eventlog sqlite: insert fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return oasis.EventLogEntry{}, fmt.Errorf("eventlog sqlite: commit: %w", err)
	}
	return entry, nil
}

func filterClause(filter oasis.EventLogFilter, col string) (string, []any) {
	var clauses []string
	var args []any

	if filter.Type != "" {
		clauses = append(clauses, col+"type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Tool != "" {
		clauses = append(clauses, col+"tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, col+"agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, col+"session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Success != nil {
		clauses = append(clauses, col+"success = ?")
		args = append(args, boolToInt(*filter.Success))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, col+"timestamp >= ?")
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, col+"timestamp <= ?")
		args = append(args, filter.Until.Unix())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// GetEntries returns entries matching filter, newest first.
func (l *Log) GetEntries(ctx context.Context, filter oasis.EventLogFilter) ([]oasis.EventLogEntry, error) {
	extra, args := filterClause(filter, "")
	query := `SELECT id, type, timestamp, tool, args, result, error, duration_ms, agent_id, session_id, channel, success, tags
		FROM events WHERE 1=1` + extra + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog sqlite: get entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search performs a full-text search over tool/error/tags, falling back to
// a substring LIKE scan (with the same filter applied) if the FTS5 query
// fails to parse or execute.
func (l *Log) Search(ctx context.Context, freeText string, filter oasis.EventLogFilter) ([]oasis.EventLogEntry, error) {
	extra, args := filterClause(filter, "e.")

	query := `SELECT e.id, e.type, e.timestamp, e.tool, e.args, e.result, e.error, e.duration_ms,
		e.agent_id, e.session_id, e.channel, e.success, e.tags
		FROM events_fts f JOIN events e ON e.id = f.event_id
		WHERE events_fts MATCH ?` + extra + ` ORDER BY e.timestamp DESC`

	ftsArgs := append([]any{freeText}, args...)
	rows, err := l.db.QueryContext(ctx, query, ftsArgs...)
	if err == nil {
		defer rows.Close()
		entries, scanErr := scanEntries(rows)
		if scanErr == nil {
			return entries, nil
		}
	}

	l.logger.Warn("eventlog sqlite: fts search failed, falling back to substring scan", "error", err)
	likeExtra, likeBaseArgs := filterClause(filter, "")
	likeQuery := `SELECT id, type, timestamp, tool, args, result, error, duration_ms, agent_id, session_id, channel, success, tags
		FROM events WHERE (tool LIKE ? OR error LIKE ? OR tags LIKE ?)` + likeExtra + ` ORDER BY timestamp DESC`
	pattern := "%" + freeText + "%"
	likeArgs := append([]any{pattern, pattern, pattern}, likeBaseArgs...)
	rows, err = l.db.QueryContext(ctx, likeQuery, likeArgs...)
	if err != nil {
		return nil, fmt.Errorf("eventlog sqlite: search fallback: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]oasis.EventLogEntry, error) {
	var entries []oasis.EventLogEntry
	for rows.Next() {
		var e oasis.EventLogEntry
		var typ, tool, args, result, errText, agentID, sessionID, channel, tags sql.NullString
		var ts int64
		var success int
		if err := rows.Scan(&e.ID, &typ, &ts, &tool, &args, &result, &errText, &e.DurationMs,
			&agentID, &sessionID, &channel, &success, &tags); err != nil {
			return nil, fmt.Errorf("eventlog sqlite: scan: %w", err)
		}
		e.Type = oasis.EventLogEntryType(typ.String)
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Tool = tool.String
		e.Args = args.String
		e.Result = result.String
		e.Error = errText.String
		e.AgentID = agentID.String
		e.SessionID = sessionID.String
		e.Channel = channel.String
		e.Success = success != 0
		if tags.String != "" {
			e.Tags = strings.Split(tags.String, ",")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats computes totals, success rate, top tools/errors, and a 30-day
// per-day breakdown.
func (l *Log) Stats(ctx context.Context) (oasis.EventLogStats, error) {
	var stats oasis.EventLogStats

	var total, successes int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(success), 0) FROM events`).Scan(&total, &successes); err != nil {
		return stats, fmt.Errorf("eventlog sqlite: stats totals: %w", err)
	}
	stats.Total = total
	if total > 0 {
		stats.SuccessRate = float64(successes) / float64(total)
	}

	toolRows, err := l.db.QueryContext(ctx,
		`SELECT tool, COUNT(*) c FROM events WHERE tool != '' GROUP BY tool ORDER BY c DESC LIMIT 10`)
	if err != nil {
		return stats, fmt.Errorf("eventlog sqlite: stats top tools: %w", err)
	}
	for toolRows.Next() {
		var tc oasis.ToolCount
		if err := toolRows.Scan(&tc.Tool, &tc.Count); err != nil {
			toolRows.Close()
			return stats, fmt.Errorf("eventlog sqlite: scan top tool: %w", err)
		}
		stats.TopTools = append(stats.TopTools, tc)
	}
	toolRows.Close()

	errRows, err := l.db.QueryContext(ctx,
		`SELECT error, COUNT(*) c FROM events WHERE error != '' GROUP BY error ORDER BY c DESC LIMIT 10`)
	if err != nil {
		return stats, fmt.Errorf("eventlog sqlite: stats top errors: %w", err)
	}
	for errRows.Next() {
		var ec oasis.ErrorCount
		if err := errRows.Scan(&ec.Error, &ec.Count); err != nil {
			errRows.Close()
			return stats, fmt.Errorf("eventlog sqlite: scan top error: %w", err)
		}
		stats.TopErrors = append(stats.TopErrors, ec)
	}
	errRows.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -30).Unix()
	dayRows, err := l.db.QueryContext(ctx,
		`SELECT date(timestamp, 'unixepoch') d, COUNT(*) c FROM events WHERE timestamp >= ? GROUP BY d ORDER BY d`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("eventlog sqlite: stats per day: %w", err)
	}
	for dayRows.Next() {
		var dc oasis.DayCount
		if err := dayRows.Scan(&dc.Date, &dc.Count); err != nil {
			dayRows.Close()
			return stats, fmt.Errorf("eventlog sqlite: scan per day: %w", err)
		}
		stats.PerDay = append(stats.PerDay, dc)
	}
	dayRows.Close()

	return stats, nil
}

// PurgeOlderThan deletes entries with a timestamp before the given unix
// time and returns the number of rows removed.
func (l *Log) PurgeOlderThan(ctx context.Context, before int64) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("eventlog sqlite: purge: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events_fts WHERE event_id NOT IN (SELECT id FROM events)`); err != nil {
		return 0, fmt.Errorf("eventlog sqlite: purge fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog sqlite: commit: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
