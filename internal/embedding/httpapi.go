package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	appErrors "memvault-backend/internal/errors"
)

// HTTPProvider calls an OpenAI-compatible /v1/embeddings endpoint. Any
// transport or upstream failure is EmbeddingUnavailable so the batch layer
// can apply its failure policy uniformly.
type HTTPProvider struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

// NewHTTPProvider builds a client against baseURL (without the /v1 suffix).
func NewHTTPProvider(baseURL, apiKey, model string, dimension int, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		client:    client,
	}
}

func (p *HTTPProvider) Dimension() int { return p.dimension }
func (p *HTTPProvider) Model() string  { return p.model }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, appErrors.NewInternal("embedding request encoding failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.NewInternal("embedding request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, appErrors.NewEmbeddingUnavailable("embedding provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, appErrors.NewEmbeddingUnavailable(
			fmt.Sprintf("embedding provider returned status %d: %s", resp.StatusCode, snippet), nil)
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, appErrors.NewEmbeddingUnavailable("embedding provider sent a malformed response", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, appErrors.NewEmbeddingUnavailable(
			fmt.Sprintf("embedding provider returned %d vectors for %d inputs", len(decoded.Data), len(texts)), nil)
	}

	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	out := make([][]float32, len(texts))
	for i, d := range decoded.Data {
		if len(d.Embedding) != p.dimension {
			return nil, appErrors.NewEmbeddingUnavailable(
				fmt.Sprintf("embedding provider returned width %d, expected %d", len(d.Embedding), p.dimension), nil)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
