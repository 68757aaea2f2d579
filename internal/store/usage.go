package store

import (
	"context"
	"fmt"
)

// IncrementUsage bumps the caller's preview counter and returns the new count.
func (s *Store) IncrementUsage(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, count) VALUES ($1, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET count = usage_counters.count + 1, updated_at = NOW()
		RETURNING count`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}
