package voting

import (
	"fmt"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/config"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/llm"
)

// ClientFactory builds a ModelClient for one configured participant.
// Tests substitute a factory returning fakes.
type ClientFactory interface {
	NewClient(p config.Participant) (llm.ModelClient, error)
}

// ProviderFactory selects the provider implementation from participant
// configuration.
type ProviderFactory struct{}

func (ProviderFactory) NewClient(p config.Participant) (llm.ModelClient, error) {
	switch p.Provider {
	case "openai", "":
		return llm.NewOpenAIClient(llm.OpenAIConfig{Model: p.Model})
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{Model: p.Model})
	default:
		return nil, fmt.Errorf("unknown model provider %q for participant %q", p.Provider, p.ID)
	}
}
