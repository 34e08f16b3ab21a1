package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockProvider provides a scriptable implementation for testing and
// development. Responses are matched against prompt substrings in the order
// they were scripted; the first match is consumed unless it was registered
// as sticky.
type MockProvider struct {
	mu        sync.Mutex
	available bool
	scripts   []script
	err       error
	calls     []string
}

type script struct {
	match    string
	response string
	sticky   bool
}

// NewMockProvider creates a new mock LLM provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		available: true,
	}
}

// Script queues a one-shot response returned for the next prompt containing
// match.
func (m *MockProvider) Script(match, response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, script{match: match, response: response})
	return m
}

// Always registers a sticky response returned for every prompt containing
// match.
func (m *MockProvider) Always(match, response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, script{match: match, response: response, sticky: true})
	return m
}

// FailWith makes every subsequent Complete call return err.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetAvailable toggles the provider's availability flag.
func (m *MockProvider) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
}

// Calls returns the prompts seen so far.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// IsAvailable returns whether the mock provider is available
func (m *MockProvider) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Complete returns the first scripted response whose match is contained in
// the prompt.
func (m *MockProvider) Complete(ctx context.Context, prompt string, options CompletionOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, prompt)

	if m.err != nil {
		return "", m.err
	}
	if !m.available {
		return "", fmt.Errorf("mock provider is not available")
	}

	for i, s := range m.scripts {
		if strings.Contains(prompt, s.match) {
			if !s.sticky {
				m.scripts = append(m.scripts[:i], m.scripts[i+1:]...)
			}
			return s.response, nil
		}
	}

	return "", fmt.Errorf("no scripted response for prompt")
}
