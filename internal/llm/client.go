// Package llm abstracts the model providers that participate in voting.
// Providers implement ModelClient; which provider backs which participant
// is decided by configuration, not by the voting code.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

var (
	// ErrEmptyReply is returned when a provider call succeeds but the
	// model produced no usable text.
	ErrEmptyReply = errors.New("model returned an empty reply")
	// ErrNoIntent is returned when the reply parsed but carried no
	// intent field.
	ErrNoIntent = errors.New("model reply contains no intent")
)

// CompleteConfig bounds a single completion call.
type CompleteConfig struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Reply is one model's parsed classification answer.
type Reply struct {
	Intent     string
	Confidence float64
	Entities   map[string]interface{}
	Subtasks   []models.SubtaskProposal
	Reasoning  string
	Raw        string // unparsed model output, kept for audit
}

// ModelClient is the raw model invocation collaborator. Implementations
// must honor context cancellation; the voting layer relies on it for
// per-vote timeouts.
type ModelClient interface {
	Complete(ctx context.Context, prompt string, cfg CompleteConfig) (*Reply, error)
}

// withTimeout derives the call context from cfg. A zero timeout leaves
// the parent deadline in charge.
func withTimeout(ctx context.Context, cfg CompleteConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}
