// Package extraction turns free text into knowledge-graph nodes and edges
// through the LLM collaborator. Output is cleaned and bounded before it
// reaches the graph; the graph applies its own normalisation on top.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/service/llm"

	"go.uber.org/zap"
)

// Bounds on admitted output. Strings must stay well inside the graph
// checkpoint codec's per-string limit.
const (
	maxNameLen      = 256
	maxPropValueLen = 1024
	maxPropsPerNode = 16
)

// Service extracts graph updates from utterances.
type Service struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewService creates an extraction service.
func NewService(provider llm.Provider, logger *zap.Logger) *Service {
	return &Service{
		provider: provider,
		logger:   logger.Named("extraction"),
	}
}

// wire shapes of the LLM response.
type wireNode struct {
	Kind  string            `json:"kind"`
	Name  string            `json:"name"`
	Props map[string]string `json:"props,omitempty"`
}

type wireEdge struct {
	FromName string  `json:"from_name"`
	ToName   string  `json:"to_name"`
	Label    string  `json:"label"`
	Weight   float64 `json:"weight,omitempty"`
}

type wireExtraction struct {
	Nodes []wireNode `json:"nodes"`
	Edges []wireEdge `json:"edges"`
}

// Extract asks the LLM for the entities and relations in the text. Both
// transport faults and unparseable responses surface as LLMUnavailable so
// the caller can park the memory for a later retry.
func (s *Service) Extract(ctx context.Context, text string) (kgraph.Extraction, error) {
	if s.provider == nil || !s.provider.IsAvailable() {
		return kgraph.Extraction{}, appErrors.NewLLMUnavailable("extraction provider is not available", nil)
	}

	response, err := s.provider.Complete(ctx, buildExtractionPrompt(text), llm.CompletionOptions{
		Temperature: 0.3,
		MaxTokens:   600,
		Format:      "json",
	})
	if err != nil {
		return kgraph.Extraction{}, appErrors.NewLLMUnavailable("extraction request failed", err)
	}

	var wire wireExtraction
	if err := json.Unmarshal([]byte(llm.StripFences(response)), &wire); err != nil {
		s.logger.Warn("extraction response failed schema",
			zap.String("response", truncate(response, 200)))
		return kgraph.Extraction{}, appErrors.NewLLMUnavailable("extraction response failed schema", err)
	}
	return clean(wire), nil
}

// buildExtractionPrompt creates the fixed extraction prompt.
func buildExtractionPrompt(text string) string {
	return fmt.Sprintf(`You are building a personal knowledge graph. Extract the entities and relationships stated in the following text.

Text:
%s

Return a single JSON object with this structure:
{
  "nodes": [{"kind": "person", "name": "Alice", "props": {"role": "sister"}}],
  "edges": [{"from_name": "Me", "to_name": "Alice", "label": "sibling_of", "weight": 1.0}]
}

Rules:
1. Node kinds are lowercase nouns such as person, pet, place, organisation, thing, concept
2. Use "Me" for the speaker
3. Edge labels are lowercase snake_case verbs
4. Only extract what the text states, never infer
5. Return only the JSON object, no prose
`, text)
}

// clean drops malformed entries and bounds string sizes.
func clean(wire wireExtraction) kgraph.Extraction {
	var out kgraph.Extraction
	for _, n := range wire.Nodes {
		name := clip(strings.TrimSpace(n.Name), maxNameLen)
		if name == "" {
			continue
		}
		node := kgraph.ExtractedNode{
			Kind: clip(strings.TrimSpace(n.Kind), maxNameLen),
			Name: name,
		}
		if len(n.Props) > 0 {
			node.Props = make(map[string]string, len(n.Props))
			for k, v := range n.Props {
				if len(node.Props) == maxPropsPerNode {
					break
				}
				k = clip(strings.TrimSpace(k), maxNameLen)
				if k == "" {
					continue
				}
				node.Props[k] = clip(v, maxPropValueLen)
			}
		}
		out.Nodes = append(out.Nodes, node)
	}
	for _, e := range wire.Edges {
		from := clip(strings.TrimSpace(e.FromName), maxNameLen)
		to := clip(strings.TrimSpace(e.ToName), maxNameLen)
		if from == "" || to == "" {
			continue
		}
		out.Edges = append(out.Edges, kgraph.ExtractedEdge{
			FromName: from,
			ToName:   to,
			Label:    clip(strings.TrimSpace(e.Label), maxNameLen),
			Weight:   e.Weight,
		})
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
