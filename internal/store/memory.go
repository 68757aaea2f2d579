package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/consensus/internal/consensus"
)

type checkpoint struct {
	phase   string
	state   []byte
	updated time.Time
}

// Memory is an in-process store used when no database is configured and in tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	rounds        map[string]map[int]consensus.RoundResult
	checkpoints   map[string]checkpoint
	keys          map[string]map[consensus.Provider]string
	usage         map[string]int

	// Counters for tests asserting idempotent writes.
	SaveRoundCalls    int
	UpdateResultCalls int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		rounds:        make(map[string]map[int]consensus.RoundResult),
		checkpoints:   make(map[string]checkpoint),
		keys:          make(map[string]map[consensus.Provider]string),
		usage:         make(map[string]int),
	}
}

func (m *Memory) CreateConversation(_ context.Context, userID, prompt string, maxRounds, threshold int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	id := uuid.New().String()
	m.conversations[id] = &Conversation{
		ID:                 id,
		UserID:             userID,
		Prompt:             prompt,
		MaxRounds:          maxRounds,
		ConsensusThreshold: threshold,
		Status:             StatusRunning,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.rounds[id] = make(map[int]consensus.RoundResult)
	return id, nil
}

func (m *Memory) SaveRound(_ context.Context, conversationID string, r consensus.RoundResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveRoundCalls++
	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	m.rounds[conversationID][r.Round] = r
	return nil
}

func (m *Memory) UpdateResult(_ context.Context, conversationID, synthesis string, score, roundsCompleted int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateResultCalls++
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Synthesis = synthesis
	c.FinalScore = &score
	c.RoundsCompleted = roundsCompleted
	c.Status = StatusComplete
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) FailConversation(_ context.Context, conversationID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusFailed
	c.ErrorMessage = message
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	out.Rounds = make([]consensus.RoundResult, 0, len(m.rounds[id]))
	for _, r := range m.rounds[id] {
		out.Rounds = append(out.Rounds, r)
	}
	sort.Slice(out.Rounds, func(i, j int) bool { return out.Rounds[i].Round < out.Rounds[j].Round })
	return &out, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, conversationID, phase string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[conversationID] = checkpoint{
		phase:   phase,
		state:   append([]byte(nil), state...),
		updated: time.Now(),
	}
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, conversationID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), cp.state...), nil
}

func (m *Memory) ListIncomplete(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, cp := range m.checkpoints {
		if cp.phase != PhaseComplete && cp.phase != PhaseFailed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.checkpoints[ids[i]].updated.Before(m.checkpoints[ids[j]].updated)
	})
	return ids, nil
}

func (m *Memory) SaveKey(_ context.Context, userID string, p consensus.Provider, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[userID] == nil {
		m.keys[userID] = make(map[consensus.Provider]string)
	}
	m.keys[userID][p] = secret
	return nil
}

func (m *Memory) GetKeys(_ context.Context, userID string) (map[consensus.Provider]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[consensus.Provider]string, len(m.keys[userID]))
	for p, k := range m.keys[userID] {
		out[p] = k
	}
	return out, nil
}

func (m *Memory) IncrementUsage(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[userID]++
	return m.usage[userID], nil
}

// Usage returns the current preview counter for a user.
func (m *Memory) Usage(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[userID]
}
