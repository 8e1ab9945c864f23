package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

var (
	// ErrNotFound means the tracker id is unknown or already purged.
	ErrNotFound = errors.New("tracker not found")
	// ErrDuplicateSession means the conversation session already has an
	// active tracker.
	ErrDuplicateSession = errors.New("session already tracked")
)

// SubtaskState is the tracked view of one subtask.
type SubtaskState struct {
	SubtaskID string                 `json:"subtask_id"`
	Action    string                 `json:"action,omitempty"`
	Status    models.SubtaskStatus   `json:"status"`
	Percent   float64                `json:"progress_percentage"`
	Result    map[string]interface{} `json:"result,omitempty"`
	ErrorMsg  string                 `json:"error_message,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Snapshot is the aggregate completion view returned to callers.
type Snapshot struct {
	TrackerID             string         `json:"tracker_id"`
	ExecutionID           string         `json:"execution_id,omitempty"`
	ConversationSessionID string         `json:"conversation_session_id,omitempty"`
	TotalSubtasks         int            `json:"total_subtasks"`
	CompletedSubtasks     int            `json:"completed_subtasks"`
	FailedSubtasks        int            `json:"failed_subtasks"`
	SkippedSubtasks       int            `json:"skipped_subtasks"`
	ProgressPercent       float64        `json:"progress_percentage"`
	Complete              bool           `json:"complete"`
	Terminated            bool           `json:"terminated"`
	StartedAt             time.Time      `json:"started_at"`
	CompletedAt           time.Time      `json:"completed_at,omitempty"`
	Subtasks              []SubtaskState `json:"subtasks"`
}

// CompletionHandler is invoked once when every subtask of a tracked
// session is terminal. Handlers run synchronously with the final update.
type CompletionHandler func(snap *Snapshot)

// UpdateHandler is invoked for every accepted progress update.
type UpdateHandler func(trackerID string, state SubtaskState)

type trackerEntry struct {
	trackerID   string
	executionID string
	sessionID   string
	startedAt   time.Time
	completedAt time.Time
	complete    bool
	terminated  bool
	order       []string
	subtasks    map[string]*SubtaskState
	seen        map[string]bool // subtaskID + "|" + status
}

// Tracker keeps the externally-queryable progress view of execution
// sessions, decoupled from the orchestrator's own scheduling state.
// Entries expire after the retention window.
type Tracker struct {
	logger    *zap.Logger
	retention time.Duration

	mu         sync.Mutex
	entries    map[string]*trackerEntry
	bySession  map[string]string // conversation session -> active tracker
	onComplete []CompletionHandler
	onUpdate   []UpdateHandler
}

func NewTracker(retention time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Tracker{
		logger:    logger,
		retention: retention,
		entries:   make(map[string]*trackerEntry),
		bySession: make(map[string]string),
	}
}

// OnComplete registers a handler fired when a tracked session finishes.
func (t *Tracker) OnComplete(h CompletionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = append(t.onComplete, h)
}

// OnUpdate registers a handler fired for every accepted update.
func (t *Tracker) OnUpdate(h UpdateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = append(t.onUpdate, h)
}

// StartTracking registers a new trackable session over the given
// subtasks. A conversation session with a still-active tracker cannot
// be tracked twice.
func (t *Tracker) StartTracking(conversationSessionID string, subtasks []*models.Subtask) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conversationSessionID != "" {
		if prevID, ok := t.bySession[conversationSessionID]; ok {
			if prev, live := t.entries[prevID]; live && !prev.complete && !prev.terminated {
				return "", fmt.Errorf("%w: %s", ErrDuplicateSession, conversationSessionID)
			}
		}
	}

	e := &trackerEntry{
		trackerID: "trk-" + uuid.NewString()[:12],
		sessionID: conversationSessionID,
		startedAt: time.Now(),
		subtasks:  make(map[string]*SubtaskState, len(subtasks)),
		seen:      make(map[string]bool),
	}
	for _, st := range subtasks {
		e.order = append(e.order, st.SubtaskID)
		e.subtasks[st.SubtaskID] = &SubtaskState{
			SubtaskID: st.SubtaskID,
			Action:    st.Action,
			Status:    models.SubtaskPending,
		}
	}
	if len(subtasks) == 0 {
		// Nothing to wait for; an empty batch must not hold the
		// session's tracker slot until the retention purge.
		e.complete = true
		e.completedAt = e.startedAt
	}
	t.entries[e.trackerID] = e
	if conversationSessionID != "" {
		t.bySession[conversationSessionID] = e.trackerID
	}
	metrics.TrackersActive.Set(float64(len(t.entries)))

	t.logger.Debug("tracking started",
		zap.String("tracker_id", e.trackerID),
		zap.String("session_id", conversationSessionID),
		zap.Int("subtasks", len(subtasks)),
	)
	return e.trackerID, nil
}

// UpdateSubtaskProgress records one subtask transition. Updates are
// idempotent per (tracker, subtask, status): repeating an identical
// status is a no-op and fires no notifications. Updates against a
// terminated tracker are dropped.
func (t *Tracker) UpdateSubtaskProgress(trackerID, subtaskID string, status models.SubtaskStatus, percent float64, result map[string]interface{}, errorMessage string) error {
	t.mu.Lock()
	e, ok := t.entries[trackerID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, trackerID)
	}
	if e.terminated {
		t.mu.Unlock()
		return nil
	}
	state, ok := e.subtasks[subtaskID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: subtask %s in tracker %s", ErrNotFound, subtaskID, trackerID)
	}
	key := subtaskID + "|" + string(status)
	if e.seen[key] {
		t.mu.Unlock()
		return nil
	}
	e.seen[key] = true

	state.Status = status
	state.Percent = percent
	state.UpdatedAt = time.Now()
	if result != nil {
		state.Result = result
	}
	if errorMessage != "" {
		state.ErrorMsg = errorMessage
	}

	justCompleted := false
	if !e.complete && e.allTerminal() {
		e.complete = true
		e.completedAt = time.Now()
		justCompleted = true
	}

	notifyState := *state
	var snap *Snapshot
	if justCompleted {
		snap = e.snapshot()
	}
	updateHandlers := append([]UpdateHandler{}, t.onUpdate...)
	completeHandlers := append([]CompletionHandler{}, t.onComplete...)
	t.mu.Unlock()

	metrics.ProgressUpdates.Inc()
	for _, h := range updateHandlers {
		h(trackerID, notifyState)
	}
	if snap != nil {
		t.logger.Info("tracked session complete",
			zap.String("tracker_id", trackerID),
			zap.Int("completed", snap.CompletedSubtasks),
			zap.Int("failed", snap.FailedSubtasks),
			zap.Int("skipped", snap.SkippedSubtasks),
		)
		for _, h := range completeHandlers {
			h(snap)
		}
	}
	return nil
}

// GetProgressStatus returns the aggregate completion snapshot.
func (t *Tracker) GetProgressStatus(trackerID string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[trackerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, trackerID)
	}
	return e.snapshot(), nil
}

// FindBySession returns the tracker id currently bound to a
// conversation session.
func (t *Tracker) FindBySession(conversationSessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySession[conversationSessionID]
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrNotFound, conversationSessionID)
	}
	return id, nil
}

// CancelTracking stops further updates without deleting history. The
// entry remains queryable until the retention purge removes it.
func (t *Tracker) CancelTracking(trackerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[trackerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, trackerID)
	}
	e.terminated = true
	return nil
}

// bindExecution attaches the runtime execution id to a tracker once the
// orchestrator has assigned it.
func (t *Tracker) bindExecution(trackerID, executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[trackerID]; ok && e.executionID == "" {
		e.executionID = executionID
	}
}

// Run purges expired trackers until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.purge(time.Now())
		}
	}
}

func (t *Tracker) purge(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if now.Sub(e.startedAt) < t.retention {
			continue
		}
		delete(t.entries, id)
		if e.sessionID != "" && t.bySession[e.sessionID] == id {
			delete(t.bySession, e.sessionID)
		}
		removed++
	}
	if removed > 0 {
		metrics.TrackersActive.Set(float64(len(t.entries)))
		t.logger.Debug("purged expired trackers", zap.Int("removed", removed))
	}
}

// Statistics reports tracker counters for the stats endpoint.
func (t *Tracker) Statistics() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	active, complete := 0, 0
	for _, e := range t.entries {
		if e.complete || e.terminated {
			complete++
		} else {
			active++
		}
	}
	return map[string]interface{}{
		"tracked_sessions":  len(t.entries),
		"active_sessions":   active,
		"finished_sessions": complete,
		"retention":         t.retention.String(),
	}
}

func (e *trackerEntry) allTerminal() bool {
	for _, st := range e.subtasks {
		if !st.Status.Terminal() {
			return false
		}
	}
	return len(e.subtasks) > 0
}

func (e *trackerEntry) snapshot() *Snapshot {
	snap := &Snapshot{
		TrackerID:             e.trackerID,
		ExecutionID:           e.executionID,
		ConversationSessionID: e.sessionID,
		TotalSubtasks:         len(e.order),
		Complete:              e.complete,
		Terminated:            e.terminated,
		StartedAt:             e.startedAt,
		CompletedAt:           e.completedAt,
		Subtasks:              make([]SubtaskState, 0, len(e.order)),
	}
	for _, id := range e.order {
		st := e.subtasks[id]
		snap.Subtasks = append(snap.Subtasks, *st)
		switch st.Status {
		case models.SubtaskCompleted:
			snap.CompletedSubtasks++
		case models.SubtaskFailed:
			snap.FailedSubtasks++
		case models.SubtaskSkipped:
			snap.SkippedSubtasks++
		}
	}
	if snap.TotalSubtasks > 0 {
		terminal := snap.CompletedSubtasks + snap.FailedSubtasks + snap.SkippedSubtasks
		snap.ProgressPercent = 100 * float64(terminal) / float64(snap.TotalSubtasks)
	} else if snap.Complete {
		snap.ProgressPercent = 100
	}
	return snap
}
