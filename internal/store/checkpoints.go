package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Terminal checkpoint phases; ListIncomplete skips them.
const (
	PhaseComplete = "complete"
	PhaseFailed   = "failed"
)

// SaveCheckpoint replaces the stored workflow state of a conversation.
func (s *Store) SaveCheckpoint(ctx context.Context, conversationID, phase string, state []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_checkpoints (conversation_id, phase, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id)
		DO UPDATE SET phase = EXCLUDED.phase, state = EXCLUDED.state, updated_at = NOW()`,
		conversationID, phase, state,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the last committed workflow state.
func (s *Store) LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRow(ctx,
		`SELECT state FROM workflow_checkpoints WHERE conversation_id = $1`, conversationID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return state, nil
}

// ListIncomplete returns conversations whose workflow has not finished.
func (s *Store) ListIncomplete(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id FROM workflow_checkpoints
		WHERE phase NOT IN ($1, $2)
		ORDER BY updated_at ASC`, PhaseComplete, PhaseFailed)
	if err != nil {
		return nil, fmt.Errorf("list incomplete: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
