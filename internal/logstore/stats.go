package logstore

import (
	"context"
	"fmt"
	"time"
)

// Statistics summarizes the traces of a trailing window. Every count is a
// number of distinct request ids.
type Statistics struct {
	WindowDays   int            `json:"window_days"`
	Since        time.Time      `json:"since"`
	TotalTraces  int            `json:"total_traces"`
	ByLevel      map[string]int `json:"by_level"`
	ByHour       map[int]int    `json:"by_hour"`
	ByController map[string]int `json:"by_controller"`
	ByType       map[string]int `json:"by_type"`
}

// Statistics aggregates the traces active in the last days days. by_level
// counts each trace once, under the level of its last row.
func (s *Store) Statistics(ctx context.Context, days int, now time.Time) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	since := now.AddDate(0, 0, -days)
	cutoff := formatTime(since)

	stats := &Statistics{
		WindowDays:   days,
		Since:        since.UTC(),
		ByLevel:      map[string]int{},
		ByHour:       map[int]int{},
		ByController: map[string]int{},
		ByType:       map[string]int{},
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT request_id) FROM log_entries
		WHERE created_at >= ?`, cutoff).Scan(&stats.TotalTraces); err != nil {
		return nil, fmt.Errorf("logstore statistics: total: %w", err)
	}

	if err := s.groupCounts(ctx, stats.ByLevel, `SELECT level, COUNT(*) FROM log_entries
		WHERE id IN (SELECT MAX(id) FROM log_entries WHERE created_at >= ? GROUP BY request_id)
		GROUP BY level`, cutoff); err != nil {
		return nil, fmt.Errorf("logstore statistics: by level: %w", err)
	}

	byHour := map[string]int{}
	if err := s.groupCounts(ctx, byHour, `SELECT strftime('%H', created_at) AS hour, COUNT(DISTINCT request_id)
		FROM log_entries WHERE created_at >= ?
		GROUP BY hour`, cutoff); err != nil {
		return nil, fmt.Errorf("logstore statistics: by hour: %w", err)
	}
	for h, n := range byHour {
		var hour int
		if _, err := fmt.Sscanf(h, "%d", &hour); err == nil {
			stats.ByHour[hour] = n
		}
	}

	if err := s.groupCounts(ctx, stats.ByController, `SELECT controller, COUNT(DISTINCT request_id)
		FROM log_entries WHERE created_at >= ? AND controller IS NOT NULL AND controller != ''
		GROUP BY controller`, cutoff); err != nil {
		return nil, fmt.Errorf("logstore statistics: by controller: %w", err)
	}

	if err := s.groupCounts(ctx, stats.ByType, `SELECT json_extract(context, '$.type') AS t, COUNT(DISTINCT request_id)
		FROM log_entries WHERE created_at >= ? AND json_valid(context) AND t IS NOT NULL
		GROUP BY t`, cutoff); err != nil {
		return nil, fmt.Errorf("logstore statistics: by type: %w", err)
	}

	return stats, nil
}

func (s *Store) groupCounts(ctx context.Context, into map[string]int, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}
