package extraction_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/service/extraction"
	"memvault-backend/internal/service/llm"
)

func newExtractor(t *testing.T, provider *llm.MockProvider) *extraction.Service {
	t.Helper()
	return extraction.NewService(provider, zaptest.NewLogger(t))
}

func TestExtractParsesNodesAndEdges(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Script("my dog Pepper", "```json\n"+
		`{"nodes": [{"kind": "pet", "name": "Pepper", "props": {"species": "dog"}},`+
		`{"kind": "person", "name": "Me"}],`+
		`"edges": [{"from_name": "Me", "to_name": "Pepper", "label": "owns", "weight": 1.0}]}`+
		"\n```")

	got, err := newExtractor(t, provider).Extract(context.Background(), "my dog Pepper")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, kgraph.ExtractedNode{
		Kind:  "pet",
		Name:  "Pepper",
		Props: map[string]string{"species": "dog"},
	}, got.Nodes[0])
	assert.Equal(t, "owns", got.Edges[0].Label)
}

func TestExtractDropsMalformedEntries(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Script("text",
		`{"nodes": [{"kind": "person", "name": "   "}, {"kind": "place", "name": "Lisbon"}],
		  "edges": [{"from_name": "", "to_name": "Lisbon", "label": "visited"},
		            {"from_name": "Me", "to_name": "Lisbon", "label": "visited"}]}`)

	got, err := newExtractor(t, provider).Extract(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "Lisbon", got.Nodes[0].Name)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, "Me", got.Edges[0].FromName)
}

func TestExtractClipsOversizedStrings(t *testing.T) {
	longName := strings.Repeat("a", 5000)
	provider := llm.NewMockProvider()
	provider.Script("text",
		`{"nodes": [{"kind": "thing", "name": "`+longName+`"}], "edges": []}`)

	got, err := newExtractor(t, provider).Extract(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, got.Nodes, 1)
	assert.Len(t, got.Nodes[0].Name, 256)
}

func TestExtractSchemaFailureIsLLMUnavailable(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Script("text", "I found a dog called Pepper and her owner.")

	_, err := newExtractor(t, provider).Extract(context.Background(), "text")
	assert.True(t, appErrors.IsLLMUnavailable(err))
}

func TestExtractTransportFaultIsLLMUnavailable(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.FailWith(assert.AnError)

	_, err := newExtractor(t, provider).Extract(context.Background(), "text")
	assert.True(t, appErrors.IsLLMUnavailable(err))
}

func TestExtractEmptyGraphIsValid(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Script("text", `{"nodes": [], "edges": []}`)

	got, err := newExtractor(t, provider).Extract(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, got.Empty())
}
