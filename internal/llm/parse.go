package llm

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// ParseReply extracts a classification from raw model output. Models are
// asked for a JSON object but routinely wrap it in prose or markdown
// fences, so parsing is tolerant: the first JSON object found in the
// text is used.
func ParseReply(raw string) (*Reply, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptyReply
	}

	doc := extractJSON(text)
	if !gjson.Valid(doc) {
		return nil, ErrNoIntent
	}
	parsed := gjson.Parse(doc)

	intent := parsed.Get("intent").String()
	if intent == "" {
		return nil, ErrNoIntent
	}

	reply := &Reply{
		Intent:    intent,
		Reasoning: parsed.Get("reasoning").String(),
		Raw:       raw,
	}

	// A missing confidence field reads as 0.0, which the vote validity
	// rule treats as a (weak but) valid vote; clamping keeps malformed
	// values inside [0,1] instead of invalidating the whole vote.
	conf := parsed.Get("confidence").Float()
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	reply.Confidence = conf

	if ents := parsed.Get("entities"); ents.IsObject() {
		m := make(map[string]interface{})
		ents.ForEach(func(k, v gjson.Result) bool {
			m[k.String()] = v.Value()
			return true
		})
		if len(m) > 0 {
			reply.Entities = m
		}
	}

	if subs := parsed.Get("subtasks"); subs.IsArray() {
		for _, s := range subs.Array() {
			action := s.Get("action").String()
			if action == "" {
				continue
			}
			proposal := models.SubtaskProposal{
				Action:      action,
				Description: s.Get("description").String(),
			}
			if ents := s.Get("entities"); ents.IsObject() {
				m := make(map[string]interface{})
				ents.ForEach(func(k, v gjson.Result) bool {
					m[k.String()] = v.Value()
					return true
				})
				if len(m) > 0 {
					proposal.Entities = m
				}
			}
			reply.Subtasks = append(reply.Subtasks, proposal)
		}
	}

	return reply, nil
}

// extractJSON locates the JSON object inside free-form model output.
// Handles fenced blocks and leading/trailing prose by slicing from the
// first '{' to its matching close brace.
func extractJSON(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text[start:]
}
