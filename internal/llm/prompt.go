package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// Example is one retrieved few-shot classification example.
type Example struct {
	Text     string                 `json:"text"`
	Intent   string                 `json:"intent"`
	Entities map[string]interface{} `json:"entities,omitempty"`
}

// ExampleRetriever finds classification examples similar to the user
// text. Retrieval mechanics (embeddings, vector search) live behind
// this interface.
type ExampleRetriever interface {
	RetrieveSimilar(ctx context.Context, text string, k int) ([]Example, error)
}

// NoopRetriever returns no examples. Used when retrieval is disabled
// and in tests.
type NoopRetriever struct{}

func (NoopRetriever) RetrieveSimilar(context.Context, string, int) ([]Example, error) {
	return nil, nil
}

// DefaultVotingTemplate is the prompt used when a participant has no
// template of its own. The assistant's product language is Spanish.
const DefaultVotingTemplate = `Eres un experto en clasificación de intenciones con el rol: {llm_role}.
Analiza la petición del usuario y determina la intención más precisa.

Acciones disponibles: {available_actions}

{examples}Petición: {user_message}
Contexto: {conversation_context}
Historial: {conversation_history}

Responde únicamente en formato JSON:
{"intent": "nombre_intencion", "entities": {"entidad": "valor"}, "confidence": 0.0-1.0, "subtasks": [{"action": "accion", "entities": {}}], "reasoning": "breve explicación"}`

// PromptRequest carries everything a voting prompt is rendered from.
type PromptRequest struct {
	UserMessage         string
	ConversationContext map[string]interface{}
	ConversationHistory []string
	Role                string
	// PeerVotes holds the previous debate round's votes. Empty on the
	// first round.
	PeerVotes []models.Vote
}

// PromptBuilder renders voting prompts from a template, few-shot
// examples and the available action catalog.
type PromptBuilder struct {
	retriever        ExampleRetriever
	availableActions []string
	exampleCount     int
}

// NewPromptBuilder creates a builder. retriever may be nil to disable
// few-shot retrieval.
func NewPromptBuilder(retriever ExampleRetriever, availableActions []string, exampleCount int) *PromptBuilder {
	if retriever == nil {
		retriever = NoopRetriever{}
	}
	if exampleCount <= 0 {
		exampleCount = 5
	}
	return &PromptBuilder{
		retriever:        retriever,
		availableActions: availableActions,
		exampleCount:     exampleCount,
	}
}

// Build renders the prompt for one participant. template may be empty,
// in which case DefaultVotingTemplate is used. Retrieval failures are
// absorbed: a prompt without examples is better than no vote.
func (b *PromptBuilder) Build(ctx context.Context, template string, req PromptRequest) string {
	if template == "" {
		template = DefaultVotingTemplate
	}

	examples := ""
	if retrieved, err := b.retriever.RetrieveSimilar(ctx, req.UserMessage, b.exampleCount); err == nil && len(retrieved) > 0 {
		var sb strings.Builder
		sb.WriteString("Ejemplos similares:\n")
		for _, ex := range retrieved {
			fmt.Fprintf(&sb, "- %q -> %s\n", ex.Text, ex.Intent)
		}
		sb.WriteString("\n")
		examples = sb.String()
	}

	prompt := strings.NewReplacer(
		"{user_message}", req.UserMessage,
		"{conversation_context}", formatContext(req.ConversationContext),
		"{conversation_history}", formatHistory(req.ConversationHistory),
		"{available_actions}", strings.Join(b.availableActions, ", "),
		"{llm_role}", req.Role,
		"{examples}", examples,
	).Replace(template)

	if len(req.PeerVotes) > 0 {
		prompt += "\n\n" + formatPeerVotes(req.PeerVotes)
	}
	return prompt
}

func formatContext(context map[string]interface{}) string {
	if len(context) == 0 {
		return "Sin contexto"
	}
	parts := make([]string, 0, len(context))
	for k, v := range context {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	// map order is random; keep the rendered prompt stable
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func formatHistory(history []string) string {
	if len(history) == 0 {
		return "Sin historial"
	}
	return strings.Join(history, " | ")
}

// formatPeerVotes renders the previous round's votes so a participant
// can reconsider its answer during debate.
func formatPeerVotes(votes []models.Vote) string {
	var sb strings.Builder
	sb.WriteString("Otros modelos votaron en la ronda anterior:\n")
	for _, v := range votes {
		fmt.Fprintf(&sb, "- %s: intent=%q confidence=%.2f", v.ModelID, v.Intent, v.Confidence)
		if v.Reasoning != "" {
			fmt.Fprintf(&sb, " razonamiento=%q", v.Reasoning)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Reconsidera tu clasificación teniendo en cuenta estos votos y responde de nuevo en el mismo formato JSON.")
	return sb.String()
}
