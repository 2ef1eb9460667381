// Package logstore persists trace rows in SQLite and answers the viewer's queries.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tracelog/internal/db"
	"tracelog/pkg/tracelog"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("log entry not found")

// timeLayout keeps lexical and chronological order identical.
const timeLayout = "2006-01-02 15:04:05.000000"

const rowColumns = `id, request_id, level, message, context, properties, controller, method,
	phase, operation_name, call_depth, ip_address, user_agent, url, http_method,
	status_code, duration, memory_usage, created_at`

// Store reads and writes the log_entries table.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a store over an open, migrated database.
func New(database *db.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: database.DB, logger: logger}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Write inserts row and sets its ID. It implements tracelog.Sink.
func (s *Store) Write(ctx context.Context, row *tracelog.LogRow) error {
	contextJSON, err := encodeJSON(row.Context)
	if err != nil {
		return fmt.Errorf("logstore write: encode context: %w", err)
	}
	propertiesJSON, err := encodeJSON(row.Properties)
	if err != nil {
		return fmt.Errorf("logstore write: encode properties: %w", err)
	}
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO log_entries (
		request_id, level, message, context, properties, controller, method,
		phase, operation_name, call_depth, ip_address, user_agent, url, http_method,
		status_code, duration, memory_usage, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RequestID, string(row.Level), row.Message, contextJSON, propertiesJSON,
		nullString(row.Controller), nullString(row.Method),
		nullString(string(row.Phase)), nullString(row.OperationName), max(1, row.CallDepth),
		nullString(row.IPAddress), nullString(row.UserAgent), nullString(row.URL), nullString(row.HTTPMethod),
		row.StatusCode, row.Duration, row.MemoryUsage, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("logstore write: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("logstore write: last insert id: %w", err)
	}
	row.ID = id
	return nil
}

// Get returns the row with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*tracelog.LogRow, error) {
	rows, err := s.query(ctx, `SELECT `+rowColumns+` FROM log_entries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("logstore get: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// RowsForRequest returns every row of requestID in chronological order.
func (s *Store) RowsForRequest(ctx context.Context, requestID string) ([]tracelog.LogRow, error) {
	rows, err := s.query(ctx, `SELECT `+rowColumns+` FROM log_entries
		WHERE request_id = ? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("logstore rows for request: %w", err)
	}
	return rows, nil
}

// RowsForRequests returns the rows of every listed request id, grouped by id
// and in chronological order.
func (s *Store) RowsForRequests(ctx context.Context, requestIDs []string) (map[string][]tracelog.LogRow, error) {
	out := make(map[string][]tracelog.LogRow, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requestIDs)), ",")
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	rows, err := s.query(ctx, `SELECT `+rowColumns+` FROM log_entries
		WHERE request_id IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore rows for requests: %w", err)
	}
	for _, row := range rows {
		out[row.RequestID] = append(out[row.RequestID], row)
	}
	return out, nil
}

// DeleteOlderThan removes rows created before cutoff and returns how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("logstore delete older than: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("logstore delete older than: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]tracelog.LogRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tracelog.LogRow
	for rows.Next() {
		row, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) scanRow(rows *sql.Rows) (tracelog.LogRow, error) {
	var (
		row                                   tracelog.LogRow
		level, createdAt                      string
		contextJSON, propertiesJSON           sql.NullString
		controller, method, phase, operation  sql.NullString
		ipAddress, userAgent, url, httpMethod sql.NullString
		statusCode, duration, memoryUsage     sql.NullInt64
	)
	if err := rows.Scan(
		&row.ID, &row.RequestID, &level, &row.Message, &contextJSON, &propertiesJSON,
		&controller, &method, &phase, &operation, &row.CallDepth,
		&ipAddress, &userAgent, &url, &httpMethod,
		&statusCode, &duration, &memoryUsage, &createdAt,
	); err != nil {
		return row, fmt.Errorf("scan: %w", err)
	}

	row.Level = tracelog.Level(level)
	row.Controller = controller.String
	row.Method = method.String
	row.Phase = tracelog.Phase(phase.String)
	row.OperationName = operation.String
	row.IPAddress = ipAddress.String
	row.UserAgent = userAgent.String
	row.URL = url.String
	row.HTTPMethod = httpMethod.String
	if statusCode.Valid {
		v := int(statusCode.Int64)
		row.StatusCode = &v
	}
	if duration.Valid {
		v := int(duration.Int64)
		row.Duration = &v
	}
	if memoryUsage.Valid {
		v := memoryUsage.Int64
		row.MemoryUsage = &v
	}

	row.Context = s.decodeJSON(row.ID, "context", contextJSON)
	row.Properties = s.decodeJSON(row.ID, "properties", propertiesJSON)

	t, err := parseTime(createdAt)
	if err != nil {
		s.logger.Warn("unparseable created_at", zap.Int64("id", row.ID), zap.String("value", createdAt))
	}
	row.CreatedAt = t
	return row, nil
}

// decodeJSON tolerates malformed payloads; the row is kept without them.
func (s *Store) decodeJSON(id int64, column string, v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		s.logger.Warn("malformed json column", zap.Int64("id", id), zap.String("column", column), zap.Error(err))
		return nil
	}
	return out
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
