// Package classify decides whether an utterance is worth remembering and
// which category it belongs to. The decision comes from the LLM
// collaborator; a malformed response degrades to a do-not-save decision
// rather than an error.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/service/llm"

	"go.uber.org/zap"
)

// Decision is the classifier verdict for one utterance.
type Decision struct {
	ShouldSave bool    `json:"should_save"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Service classifies utterances through an LLM provider.
type Service struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewService creates a classifier.
func NewService(provider llm.Provider, logger *zap.Logger) *Service {
	return &Service{
		provider: provider,
		logger:   logger.Named("classify"),
	}
}

// Classify asks the LLM whether the utterance should be saved. Transport
// faults surface as LLMUnavailable; schema failures return the safe
// default decision with a nil error.
func (s *Service) Classify(ctx context.Context, utterance string) (Decision, error) {
	if s.provider == nil || !s.provider.IsAvailable() {
		return Decision{}, appErrors.NewLLMUnavailable("classifier provider is not available", nil)
	}

	response, err := s.provider.Complete(ctx, buildClassifyPrompt(utterance), llm.CompletionOptions{
		Temperature: 0.2,
		MaxTokens:   150,
		Format:      "json",
	})
	if err != nil {
		return Decision{}, appErrors.NewLLMUnavailable("classifier request failed", err)
	}

	decision, ok := parseDecision(response)
	if !ok {
		s.logger.Warn("classifier response failed schema, defaulting to skip",
			zap.String("response", truncate(response, 200)))
		return Decision{ShouldSave: false, Category: "other", Confidence: 0}, nil
	}
	return decision, nil
}

// buildClassifyPrompt creates the fixed classification prompt.
func buildClassifyPrompt(utterance string) string {
	return fmt.Sprintf(`You are the memory gatekeeper for a personal assistant. Decide whether the following user utterance contains durable personal information worth remembering.

Utterance:
%s

Return a single JSON object with this structure:
{"should_save": true, "category": "personal", "confidence": 0.9}

Rules:
1. Categories must be one of: personal, preference, fact, event, relationship, other
2. should_save is false for small talk, questions, and transient chatter
3. Confidence is 0.0-1.0
4. Return only the JSON object, no prose
`, utterance)
}

// parseDecision strictly parses the LLM response. A response that is not
// a JSON object with the expected field types fails the schema.
func parseDecision(response string) (Decision, bool) {
	cleaned := llm.StripFences(response)
	var decision Decision
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		return Decision{}, false
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return Decision{}, false
	}
	decision.Category = memory.NormalizeCategory(decision.Category)
	return decision, true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
