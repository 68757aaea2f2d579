package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/consensus/internal/consensus"
)

// CreateConversation inserts a running conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, userID, prompt string, maxRounds, threshold int) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, prompt, max_rounds, consensus_threshold, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, prompt, maxRounds, threshold, StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// SaveRound upserts a round so a resumed run can write it again safely.
func (s *Store) SaveRound(ctx context.Context, conversationID string, r consensus.RoundResult) error {
	responsesJSON, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	evalJSON, err := json.Marshal(r.Evaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	var searchJSON []byte
	if r.SearchData != nil {
		if searchJSON, err = json.Marshal(r.SearchData); err != nil {
			return fmt.Errorf("marshal search data: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO conversation_rounds (conversation_id, round, responses, evaluation, search_data, has_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, round)
		DO UPDATE SET responses = EXCLUDED.responses,
		              evaluation = EXCLUDED.evaluation,
		              search_data = EXCLUDED.search_data,
		              has_error = EXCLUDED.has_error`,
		conversationID, r.Round, responsesJSON, evalJSON, searchJSON, r.HasError,
	)
	if err != nil {
		return fmt.Errorf("save round %d: %w", r.Round, err)
	}
	return nil
}

// UpdateResult records the final outcome. Repeating it is harmless.
func (s *Store) UpdateResult(ctx context.Context, conversationID, synthesis string, score, roundsCompleted int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET synthesis = $2, final_score = $3, rounds_completed = $4, status = $5, updated_at = NOW()
		WHERE id = $1`,
		conversationID, synthesis, score, roundsCompleted, StatusComplete,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailConversation marks a run as terminated by a fatal error.
func (s *Store) FailConversation(ctx context.Context, conversationID, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`,
		conversationID, StatusFailed, message,
	)
	if err != nil {
		return fmt.Errorf("fail conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation with its rounds in order.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, prompt, max_rounds, consensus_threshold, status,
		       COALESCE(synthesis, ''), final_score, rounds_completed, COALESCE(error_message, ''),
		       created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Prompt, &c.MaxRounds, &c.ConsensusThreshold, &c.Status,
		&c.Synthesis, &c.FinalScore, &c.RoundsCompleted, &c.ErrorMessage,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT round, responses, evaluation, search_data, has_error
		FROM conversation_rounds
		WHERE conversation_id = $1
		ORDER BY round ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get rounds: %w", err)
	}
	defer rows.Close()

	c.Rounds = []consensus.RoundResult{}
	for rows.Next() {
		var r consensus.RoundResult
		var responsesJSON, evalJSON, searchJSON []byte
		if err := rows.Scan(&r.Round, &responsesJSON, &evalJSON, &searchJSON, &r.HasError); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		_ = json.Unmarshal(responsesJSON, &r.Responses)
		_ = json.Unmarshal(evalJSON, &r.Evaluation)
		if len(searchJSON) > 0 {
			r.SearchData = &consensus.SearchData{}
			_ = json.Unmarshal(searchJSON, r.SearchData)
		}
		c.Rounds = append(c.Rounds, r)
	}
	return &c, rows.Err()
}
