package progress

import (
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// Sink adapts one tracker entry to the orchestrator's progress
// callback. The orchestrator assigns execution ids at run time, so the
// sink binds the id to the tracker on the first callback.
type Sink struct {
	tracker   *Tracker
	trackerID string
}

// SinkFor returns the per-execution sink for a registered tracker.
func (t *Tracker) SinkFor(trackerID string) *Sink {
	return &Sink{tracker: t, trackerID: trackerID}
}

func (s *Sink) SubtaskProgress(executionID string, st *models.Subtask) {
	s.tracker.bindExecution(s.trackerID, executionID)
	percent := 0.0
	switch {
	case st.Status.Terminal():
		percent = 100
	case st.Status == models.SubtaskInProgress:
		percent = 10
	}
	// lookup errors mean the tracker expired mid-run; drop the update
	_ = s.tracker.UpdateSubtaskProgress(s.trackerID, st.SubtaskID, st.Status, percent, st.Result, st.ErrorMsg)
}

func (s *Sink) ExecutionFinished(executionID string, result *models.TaskExecutionResult) {
	s.tracker.bindExecution(s.trackerID, executionID)
}
