package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaygate/conduit/pkg/model"
)

// MinUserMessageLength and MinAssistantMessageLength are the shortest a
// user/assistant message may be before the turn is considered for memory
// extraction; short acknowledgements ("ok", "thanks") never carry
// extractable facts. Checked independently per spec.md §4.7 ("short
// messages (<8/<16 chars) skip extraction entirely"), confirmed against
// original_source/runtime/memory/extractor.py's `len(user_msg) < N or
// len(assistant_msg) < M` shape — a short user message paired with a
// long assistant reply still skips.
const (
	MinUserMessageLength      = 8
	MinAssistantMessageLength = 16
)

// candidateResponse is the structured shape the extraction model is
// asked to produce, matching the same ChatJSON pattern the summarizer
// uses for its rolling-summary call.
type candidateResponse struct {
	Candidates []struct {
		Type       model.MemoryType `json:"type"`
		Content    string           `json:"content"`
		Context    string           `json:"context"`
		Importance int              `json:"importance"`
		Tags       []string         `json:"tags"`
	} `json:"candidates"`
}

// Extractor runs an LLM pass over a turn to surface candidate long-term
// memory items, filtering by the configured importance floor before they
// ever reach Manager.Ingest.
type Extractor struct {
	provider model.LLMProvider
	model    string
	manager  *Manager
}

// NewExtractor returns an Extractor that ingests accepted candidates
// directly into manager.
func NewExtractor(provider model.LLMProvider, modelName string, manager *Manager) *Extractor {
	return &Extractor{provider: provider, model: modelName, manager: manager}
}

// ExtractTurn evaluates one user/assistant turn, skipping short
// exchanges outright, and ingests every candidate that clears the
// importance floor (Manager.Ingest enforces the floor again, so a
// misbehaving model response can't smuggle in a low-importance item).
func (e *Extractor) ExtractTurn(ctx context.Context, sessionID string, userMsg, assistantMsg, userMsgID, assistantMsgID string) ([]model.MemoryItem, error) {
	if len(strings.TrimSpace(userMsg)) < MinUserMessageLength || len(strings.TrimSpace(assistantMsg)) < MinAssistantMessageLength {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Extract any durable facts, preferences, decisions, open questions, or project "+
			"details worth remembering long-term from this exchange. Respond with JSON "+
			"{\"candidates\": [{\"type\": one of fact|preference|decision|question|project, "+
			"\"content\": string, \"context\": string, \"importance\": 1-10, \"tags\": [string]}]}. "+
			"Return an empty list if nothing is worth remembering.\n\nUser: %s\nAssistant: %s",
		userMsg, assistantMsg,
	)

	var resp candidateResponse
	if err := e.provider.ChatJSON(ctx, model.CompletionRequest{
		Model:    e.model,
		Messages: []model.CompletionMessage{{Role: "user", Content: prompt}},
	}, &resp); err != nil {
		return nil, fmt.Errorf("memory: extract candidates: %w", err)
	}

	var ingested []model.MemoryItem
	for _, c := range resp.Candidates {
		if c.Importance < e.manager.cfg.MinImportance {
			continue
		}
		item, err := e.manager.Ingest(ctx, model.MemoryItem{
			SessionID:        sessionID,
			Type:             c.Type,
			Content:          c.Content,
			Context:          c.Context,
			Importance:       c.Importance,
			Tags:             c.Tags,
			SourceMessageIDs: []string{userMsgID, assistantMsgID},
		})
		if err != nil {
			continue
		}
		ingested = append(ingested, item)
	}
	return ingested, nil
}
