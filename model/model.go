// Package model defines the provider-neutral interface the engine uses to
// drive text generation, plus a deterministic in-memory implementation for
// tests and examples. Vendor adapters live in subpackages (openai, anthropic).
package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/nodemesh/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the
// model. Parameters is a JSON Schema object (minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by an agent node.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a streaming model. The
// final response of a call carries the provider's reported token usage.
type Response struct {
	ID           string           `json:"id"`
	Partial      bool             `json:"partial"`
	Content      core.Content     `json:"content"`
	FinishReason string           `json:"finish_reason"` // "stop", "length", "tool_calls", ...
	Usage        *core.TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by agent nodes to drive generation.
// Generate returns a response channel and an error channel; both are closed
// when the call terminates. Transient provider failures should be wrapped
// with core.Transient so the node's retry policy can recognize them.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Canned responses are matched against the text of the last request content.
type MockModel struct {
	info      Info
	responses map[string]string
	usage     core.TokenUsage
	failures  int // remaining transient failures before success
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider, SupportsTools: true},
		responses: make(map[string]string),
		usage:     core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// SetUsage overrides the token usage reported with final responses.
func (m *MockModel) SetUsage(u core.TokenUsage) { m.usage = u }

// FailTransiently makes the next n Generate calls fail with a transient error.
func (m *MockModel) FailTransiently(n int) { m.failures = n }

// Generate implements Model; emits optional streaming char chunks then the
// final response with usage.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if m.failures > 0 {
			m.failures--
			errCh <- core.Transient(fmt.Errorf("mock provider unavailable"))
			return
		}
		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		inputText := req.Contents[len(req.Contents)-1].Text()
		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent("assistant", string(r)),
				}:
				}
			}
		}

		usage := m.usage
		respCh <- Response{
			Partial:      false,
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
			Usage:        &usage,
		}
	}()

	return respCh, errCh
}

// Info implements the Model interface.
func (m *MockModel) Info() Info { return m.info }
