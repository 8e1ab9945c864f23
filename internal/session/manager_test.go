package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStoreWithClient(client, ttl, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	state, err := store.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", got.UserID)
	}
}

func TestGetSurvivesCacheLoss(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	state, _ := store.CreateWithID(ctx, "conv-1", "user-1")
	state.SetContextValue("location", "Madrid")
	if err := store.Update(ctx, state); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// drop the local cache; the state must come back from Redis
	store.mu.Lock()
	store.localCache = make(map[string]*ConversationState)
	store.mu.Unlock()

	got, err := store.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get after cache loss: %v", err)
	}
	if v, ok := got.GetContextValue("location"); !ok || v != "Madrid" {
		t.Fatalf("context lost across cache miss: %v", got.Context)
	}
	if !mr.Exists("session:conv-1") {
		t.Fatal("state missing from Redis")
	}
}

func TestGetUnknownSession(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredSessionIsRejected(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	state, _ := store.CreateWithID(ctx, "conv-1", "")
	store.mu.Lock()
	state.ExpiresAt = time.Now().Add(-time.Second)
	store.mu.Unlock()

	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// the expired state is deleted on access
	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry cleanup, got %v", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := store.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("GetOrCreate did not return the same state: %v vs %v", a.ID, b.ID)
	}

	fresh, err := store.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate with empty id: %v", err)
	}
	if fresh.ID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestAddMessageTrimsHistory(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	store.maxHistory = 3
	ctx := context.Background()

	state, _ := store.CreateWithID(ctx, "conv-1", "")
	for i := 0; i < 5; i++ {
		if err := store.AddMessage(ctx, "conv-1", Message{Role: "user", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	got, _ := store.Get(ctx, state.ID)
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.History))
	}
	if got.History[0].Content != "m2" || got.History[2].Content != "m4" {
		t.Fatalf("unexpected trimmed history: %v", got.History)
	}
}

func TestRecordRoundAndExecutionLinkage(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.CreateWithID(ctx, "conv-1", "")
	if err := store.RecordRound(ctx, "conv-1", "round-abc", "encender_luz"); err != nil {
		t.Fatalf("RecordRound: %v", err)
	}
	if err := store.RecordExecution(ctx, "conv-1", "exec-1", "trk-1"); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, _ := store.Get(ctx, "conv-1")
	if got.LastRoundID != "round-abc" || got.LastIntent != "encender_luz" {
		t.Fatalf("round linkage missing: %+v", got)
	}
	if got.LastExecutionID != "exec-1" || got.LastTrackerID != "trk-1" {
		t.Fatalf("execution linkage missing: %+v", got)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.CreateWithID(ctx, "conv-1", "")
	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists("session:conv-1") {
		t.Fatal("key still present in Redis")
	}
	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryLines(t *testing.T) {
	state := &ConversationState{History: []Message{
		{Role: "user", Content: "enciende la luz"},
		{Role: "assistant", Content: "hecho"},
	}}
	lines := state.HistoryLines(10)
	if len(lines) != 2 || lines[0] != "user: enciende la luz" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestCleanupExpired(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	live, _ := store.CreateWithID(ctx, "conv-live", "")
	dead := &ConversationState{
		ID:        "conv-dead",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	// write directly with a fresh key TTL so the scan still sees it
	data, _ := json.Marshal(dead)
	store.client.Set(ctx, "session:conv-dead", data, time.Hour)

	cleaned, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("cleaned = %d, want 1", cleaned)
	}
	if _, err := store.Get(ctx, live.ID); err != nil {
		t.Fatalf("live session was removed: %v", err)
	}
}
