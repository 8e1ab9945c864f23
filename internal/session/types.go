package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session doesn't exist
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when a session has expired
	ErrExpired = errors.New("session expired")
)

// ConversationState is the per-conversation context persisted between
// classification requests. It links voting rounds and execution
// sessions to the conversation they serve.
type ConversationState struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Context   map[string]interface{} `json:"context,omitempty"`
	History   []Message              `json:"history,omitempty"`

	// Linkage to the engine's artifacts
	LastRoundID     string `json:"last_round_id,omitempty"`
	LastIntent      string `json:"last_intent,omitempty"`
	LastExecutionID string `json:"last_execution_id,omitempty"`
	LastTrackerID   string `json:"last_tracker_id,omitempty"`
}

// Message is one turn of the conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Intent    string    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsExpired checks whether the state's TTL has elapsed.
func (s *ConversationState) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// SetContextValue sets a value in the conversation context.
func (s *ConversationState) SetContextValue(key string, value interface{}) {
	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	s.Context[key] = value
	s.UpdatedAt = time.Now()
}

// GetContextValue retrieves a value from the conversation context.
func (s *ConversationState) GetContextValue(key string) (interface{}, bool) {
	if s.Context == nil {
		return nil, false
	}
	val, ok := s.Context[key]
	return val, ok
}

// RecentHistory returns up to count most recent messages, oldest first.
func (s *ConversationState) RecentHistory(count int) []Message {
	if len(s.History) <= count {
		return s.History
	}
	return s.History[len(s.History)-count:]
}

// HistoryLines renders recent turns as "role: content" lines for prompt
// construction.
func (s *ConversationState) HistoryLines(count int) []string {
	recent := s.RecentHistory(count)
	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		lines = append(lines, msg.Role+": "+msg.Content)
	}
	return lines
}
