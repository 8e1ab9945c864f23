package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
)

// Store handles conversation state with a Redis backend and a local
// read cache. A state is served from the cache when present and
// unexpired; Redis is the source of truth.
type Store struct {
	client      redis.UniversalClient
	logger      *zap.Logger
	ttl         time.Duration
	maxHistory  int
	mu          sync.RWMutex
	localCache  map[string]*ConversationState
	cacheAccess map[string]time.Time
	maxCached   int
}

// NewStore connects to Redis and returns a ready store. The Redis
// password is taken from REDIS_PASSWORD.
func NewStore(redisAddr string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStoreWithClient(client, ttl, logger), nil
}

// NewStoreWithClient builds a store over an existing client. Used by
// tests and by callers that manage the connection themselves.
func NewStoreWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		maxHistory:  100,
		localCache:  make(map[string]*ConversationState),
		cacheAccess: make(map[string]time.Time),
		maxCached:   10000,
	}
}

// Create registers a new conversation state.
func (s *Store) Create(ctx context.Context, userID string) (*ConversationState, error) {
	return s.CreateWithID(ctx, uuid.New().String(), userID)
}

// CreateWithID registers a conversation state under a caller-chosen id.
// An existing unexpired state with the same id is returned as-is.
func (s *Store) CreateWithID(ctx context.Context, sessionID, userID string) (*ConversationState, error) {
	if existing, err := s.Get(ctx, sessionID); err == nil {
		return existing, nil
	}

	now := time.Now()
	state := &ConversationState{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Context:   make(map[string]interface{}),
		History:   make([]Message, 0),
	}
	if err := s.save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.mu.Lock()
	s.localCache[sessionID] = state
	s.cacheAccess[sessionID] = now
	s.evictIfNeeded()
	metrics.SessionsActive.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	s.logger.Info("created conversation session",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return state, nil
}

// Get retrieves a conversation state by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*ConversationState, error) {
	s.mu.RLock()
	state, ok := s.localCache[sessionID]
	s.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if state.IsExpired() {
			_ = s.Delete(ctx, sessionID)
			return nil, ErrExpired
		}
		s.mu.Lock()
		s.cacheAccess[sessionID] = time.Now()
		s.mu.Unlock()
		return state, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var loaded ConversationState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if loaded.IsExpired() {
		_ = s.Delete(ctx, sessionID)
		return nil, ErrExpired
	}

	s.mu.Lock()
	s.localCache[sessionID] = &loaded
	s.cacheAccess[sessionID] = time.Now()
	s.evictIfNeeded()
	metrics.SessionsActive.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	return &loaded, nil
}

// GetOrCreate loads the state or registers a fresh one under the id.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (*ConversationState, error) {
	if sessionID == "" {
		return s.Create(ctx, "")
	}
	state, err := s.Get(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	return s.CreateWithID(ctx, sessionID, "")
}

// Update persists a modified state.
func (s *Store) Update(ctx context.Context, state *ConversationState) error {
	if state == nil {
		return fmt.Errorf("session is nil")
	}
	state.UpdatedAt = time.Now()
	if err := s.save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	s.mu.Lock()
	s.localCache[state.ID] = state
	s.mu.Unlock()
	return nil
}

// Delete removes a conversation state.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.mu.Lock()
	delete(s.localCache, sessionID)
	delete(s.cacheAccess, sessionID)
	metrics.SessionsActive.Set(float64(len(s.localCache)))
	s.mu.Unlock()
	return nil
}

// AddMessage appends one conversation turn, trimming old history.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	state.History = append(state.History, msg)
	if len(state.History) > s.maxHistory {
		state.History = state.History[len(state.History)-s.maxHistory:]
	}
	return s.Update(ctx, state)
}

// RecordRound links the latest voting round outcome to the session.
func (s *Store) RecordRound(ctx context.Context, sessionID, roundID, intent string) error {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	state.LastRoundID = roundID
	state.LastIntent = intent
	return s.Update(ctx, state)
}

// RecordExecution links the latest orchestration run to the session.
func (s *Store) RecordExecution(ctx context.Context, sessionID, executionID, trackerID string) error {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	state.LastExecutionID = executionID
	state.LastTrackerID = trackerID
	return s.Update(ctx, state)
}

// Extend pushes the state's expiry forward.
func (s *Store) Extend(ctx context.Context, sessionID string, duration time.Duration) error {
	state, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	state.ExpiresAt = time.Now().Add(duration)
	return s.Update(ctx, state)
}

// CleanupExpired scans for expired states and removes them.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, "session:*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var state ConversationState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		if state.IsExpired() {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				s.mu.Lock()
				delete(s.localCache, state.ID)
				delete(s.cacheAccess, state.ID)
				s.mu.Unlock()
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		s.logger.Info("cleaned up expired sessions", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(sessionID string) string {
	return "session:" + sessionID
}

func (s *Store) save(ctx context.Context, state *ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.client.Set(ctx, s.key(state.ID), data, ttl).Err()
}

// evictIfNeeded drops the least recently used half when the cache is
// full. Caller holds s.mu.
func (s *Store) evictIfNeeded() {
	if len(s.localCache) <= s.maxCached {
		return
	}
	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(s.localCache))
	for id := range s.localCache {
		entries = append(entries, accessEntry{id: id, time: s.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < s.maxCached/2 && i < len(entries); i++ {
		delete(s.localCache, entries[i].id)
		delete(s.cacheAccess, entries[i].id)
	}
}
