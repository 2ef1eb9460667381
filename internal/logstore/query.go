package logstore

import (
	"context"
	"fmt"
	"time"

	"tracelog/pkg/tracelog"
)

// recentRowWindow bounds the rows scanned for property discovery.
const recentRowWindow = 1000

// TraceRef identifies one trace in a listing.
type TraceRef struct {
	RequestID string
	LatestAt  time.Time
}

// TracePage is one page of traces ordered by latest activity.
type TracePage struct {
	Traces []TraceRef
	Total  int
}

// ListTraces groups matching rows by request id and returns the page of
// request ids ordered by their most recent row.
func (s *Store) ListTraces(ctx context.Context, f Filter, p Page) (TracePage, error) {
	where, args, err := f.where()
	if err != nil {
		return TracePage{}, err
	}

	var page TracePage
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT request_id) FROM log_entries`+where, args...).Scan(&page.Total); err != nil {
		return TracePage{}, fmt.Errorf("logstore list traces: count: %w", err)
	}

	query := `SELECT request_id, MAX(created_at) AS latest FROM log_entries` + where +
		` GROUP BY request_id ORDER BY latest DESC, request_id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, p.limit(), p.Offset())...)
	if err != nil {
		return TracePage{}, fmt.Errorf("logstore list traces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref    TraceRef
			latest string
		)
		if err := rows.Scan(&ref.RequestID, &latest); err != nil {
			return TracePage{}, fmt.Errorf("logstore list traces: scan: %w", err)
		}
		ref.LatestAt, _ = parseTime(latest)
		page.Traces = append(page.Traces, ref)
	}
	if err := rows.Err(); err != nil {
		return TracePage{}, fmt.Errorf("logstore list traces: %w", err)
	}
	return page, nil
}

// ListRows returns one page of matching rows, newest first, and the total match count.
func (s *Store) ListRows(ctx context.Context, f Filter, p Page) ([]tracelog.LogRow, int, error) {
	total, err := s.CountRows(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	where, args, err := f.where()
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.query(ctx, `SELECT `+rowColumns+` FROM log_entries`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, p.limit(), p.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("logstore list rows: %w", err)
	}
	return rows, total, nil
}

// CountRows returns the number of matching rows.
func (s *Store) CountRows(ctx context.Context, f Filter) (int, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("logstore count rows: %w", err)
	}
	return n, nil
}

// ByProperty returns up to limit rows whose properties hold value under key, newest first.
func (s *Store) ByProperty(ctx context.Context, key, value string, limit int) ([]tracelog.LogRow, error) {
	rows, _, err := s.ListRows(ctx, Filter{PropertyKey: key, PropertyValue: value}, Page{Page: 1, PerPage: limit})
	return rows, err
}

// ExportFilter selects rows for export.
type ExportFilter struct {
	Filter
	Limit int
}

// Export returns up to Limit matching rows, newest first.
func (s *Store) Export(ctx context.Context, f ExportFilter) ([]tracelog.LogRow, error) {
	rows, _, err := s.ListRows(ctx, f.Filter, Page{Page: 1, PerPage: f.Limit})
	if err != nil {
		return nil, fmt.Errorf("logstore export: %w", err)
	}
	return rows, nil
}

// PropertyKeys returns the distinct top-level property keys of recent rows.
func (s *Store) PropertyKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT je.key
		FROM (SELECT properties FROM log_entries
			WHERE json_valid(properties) AND json_type(properties) = 'object'
			ORDER BY id DESC LIMIT ?) AS recent, json_each(recent.properties) AS je
		ORDER BY je.key`, recentRowWindow)
	if err != nil {
		return nil, fmt.Errorf("logstore property keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("logstore property keys: scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PropertyValues returns up to 100 distinct values stored under key in recent rows.
func (s *Store) PropertyValues(ctx context.Context, key string) ([]any, error) {
	path, err := jsonPath(key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT json_extract(recent.properties, ?) AS v
		FROM (SELECT properties FROM log_entries
			WHERE json_valid(properties) ORDER BY id DESC LIMIT ?) AS recent
		WHERE v IS NOT NULL AND v != ''
		ORDER BY v LIMIT 100`, path, recentRowWindow)
	if err != nil {
		return nil, fmt.Errorf("logstore property values: %w", err)
	}
	defer rows.Close()

	values := []any{}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("logstore property values: scan: %w", err)
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Types returns the distinct context.type values.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT json_extract(context, '$.type') AS t
		FROM log_entries
		WHERE json_valid(context) AND t IS NOT NULL
		ORDER BY t`)
	if err != nil {
		return nil, fmt.Errorf("logstore types: %w", err)
	}
	defer rows.Close()

	types := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("logstore types: scan: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}
