package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/llm"
)

// ModelClientWrapper guards a single participant's ModelClient with a
// breaker. It satisfies llm.ModelClient so the voting layer does not
// know whether a client is wrapped.
type ModelClientWrapper struct {
	inner   llm.ModelClient
	breaker *Breaker
}

// WrapModelClient wraps client with a breaker named after the
// participant.
func WrapModelClient(participantID string, client llm.ModelClient, config Config, logger *zap.Logger) *ModelClientWrapper {
	return &ModelClientWrapper{
		inner:   client,
		breaker: New("model:"+participantID, config, logger),
	}
}

// Complete invokes the wrapped client through the breaker.
func (w *ModelClientWrapper) Complete(ctx context.Context, prompt string, cfg llm.CompleteConfig) (*llm.Reply, error) {
	var reply *llm.Reply
	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		reply, callErr = w.inner.Complete(ctx, prompt, cfg)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// State exposes the underlying breaker state for health checks.
func (w *ModelClientWrapper) State() State {
	return w.breaker.State()
}
