package node

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/nodemesh/bus"
	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/model"
	"github.com/hupe1980/nodemesh/session"
	"github.com/hupe1980/nodemesh/tool"
)

func testConfig() core.AgentConfig {
	return core.AgentConfig{
		Name:        "helper",
		Instruction: "You are a helpful assistant.",
		Provider:    "mock",
		Model:       "mock-1",
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
	}
}

func collectChunks(t *testing.T, ch <-chan core.OutputChunk) []core.OutputChunk {
	t.Helper()

	var out []core.OutputChunk

	for {
		select {
		case ck, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ck)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for output chunks")
		}
	}
}

func chunkText(chunks []core.OutputChunk) string {
	var sb strings.Builder
	for _, ck := range chunks {
		sb.WriteString(ck.Content.Text())
	}
	return sb.String()
}

func TestAgentNode_InitializeLifecycle(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), model.NewMockModel("mock-1", "mock"))
	assert.Equal(t, core.StateCreated, a.State())

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, core.StateReady, a.State())
	assert.Equal(t, NodeTypeAgent, a.Type())
}

func TestAgentNode_InitializeInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Model = ""

	a := NewAgentNode("a1", cfg, model.NewMockModel("mock-1", "mock"))

	err := a.Initialize(context.Background())
	require.Error(t, err)

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "model", cfgErr.Field)
	assert.Equal(t, core.StateFailed, a.State())

	// error is terminal, re-initialization is rejected.
	var stateErr *core.StateError
	require.ErrorAs(t, a.Initialize(context.Background()), &stateErr)
}

func TestAgentNode_InitializeWithoutModel(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), nil)

	err := a.Initialize(context.Background())
	require.Error(t, err)

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, core.StateFailed, a.State())
}

func TestAgentNode_ExecuteBeforeInitialize(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), model.NewMockModel("mock-1", "mock"))

	_, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.Error(t, err)

	var stateErr *core.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "execute", stateErr.Op)
	assert.Equal(t, core.StateCreated, stateErr.State)
	assert.Equal(t, core.StateCreated, a.State())
}

func TestAgentNode_ExecuteStreamsThenFinalUsage(t *testing.T) {
	llm := model.NewMockModel("mock-1", "mock")
	llm.AddResponse("hello", "Hi!")

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{
		SessionID: "s1",
		Content:   core.NewTextContent("user", "hello"),
	})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "Hi!", chunkText(chunks))

	last := chunks[len(chunks)-1]
	assert.True(t, last.Final)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 10, last.Usage.PromptTokens)
	assert.Equal(t, 5, last.Usage.CompletionTokens)
	assert.Equal(t, 15, last.Usage.TotalTokens)

	for _, ck := range chunks[:len(chunks)-1] {
		assert.False(t, ck.Final)
	}

	// Back to ready, a second turn works without re-initialization.
	assert.Equal(t, core.StateReady, a.State())

	out, err = a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hello")})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", chunkText(collectChunks(t, out)))
}

func TestAgentNode_SessionUsageAccumulates(t *testing.T) {
	mgr := session.NewManager(session.NewInMemoryStore())
	llm := model.NewMockModel("mock-1", "mock")

	a := NewAgentNode("a1", testConfig(), llm, func(o *Options) {
		o.Sessions = mgr
	})
	require.NoError(t, a.Initialize(context.Background()))

	for i := 0; i < 2; i++ {
		out, err := a.Execute(context.Background(), core.Input{
			SessionID: "s1",
			Content:   core.NewTextContent("user", "hello"),
		})
		require.NoError(t, err)
		collectChunks(t, out)
	}

	state, err := mgr.GetState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 20, state.Usage.PromptTokens)
	assert.Equal(t, 10, state.Usage.CompletionTokens)
	assert.Equal(t, 30, state.Usage.TotalTokens)
	assert.Equal(t, "idle", state.ActiveStep)
}

func TestAgentNode_TransientFailureRetried(t *testing.T) {
	llm := model.NewMockModel("mock-1", "mock")
	llm.AddResponse("hello", "Hi!")
	llm.FailTransiently(2)

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hello")})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	assert.Equal(t, "Hi!", chunkText(chunks))
	assert.True(t, chunks[len(chunks)-1].Final)
	assert.Equal(t, core.StateReady, a.State())
}

func TestAgentNode_TransientFailureExhaustsRetries(t *testing.T) {
	llm := model.NewMockModel("mock-1", "mock")
	llm.FailTransiently(5)

	cfg := testConfig()
	cfg.MaxRetries = 1

	a := NewAgentNode("a1", cfg, llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hello")})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)
	assert.True(t, core.IsTransient(chunks[0].Err))
	assert.Equal(t, core.StateFailed, a.State())
}

func TestAgentNode_NonTransientFailureNotRetried(t *testing.T) {
	llm := &scriptedModel{turns: []scriptedTurn{
		{err: errors.New("invalid request")},
	}}

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hello")})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)

	assert.Equal(t, 1, llm.callCount())
	assert.Equal(t, core.StateFailed, a.State())
}

func TestAgentNode_PauseResumeNoDuplicateChunks(t *testing.T) {
	llm := &blockingModel{
		prelude: "a",
		rest:    []string{"b", "c"},
		release: make(chan struct{}),
	}

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.NoError(t, err)

	first := <-out
	assert.Equal(t, "a", first.Content.Text())

	require.NoError(t, a.Pause())
	assert.Equal(t, core.StatePaused, a.State())

	// Let the provider produce; the gate must hold everything back.
	close(llm.release)
	select {
	case ck := <-out:
		t.Fatalf("received chunk while paused: %+v", ck)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Resume())

	chunks := collectChunks(t, out)
	assert.Equal(t, "bc", chunkText(chunks))
	assert.True(t, chunks[len(chunks)-1].Final)
	assert.Equal(t, core.StateReady, a.State())
}

func TestAgentNode_PauseRequiresRunning(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), model.NewMockModel("mock-1", "mock"))
	require.NoError(t, a.Initialize(context.Background()))

	var stateErr *core.StateError
	require.ErrorAs(t, a.Pause(), &stateErr)
	require.ErrorAs(t, a.Resume(), &stateErr)
}

func TestAgentNode_ProviderFailureWhilePaused(t *testing.T) {
	llm := &blockingModel{
		prelude:  "a",
		release:  make(chan struct{}),
		failWith: errors.New("upstream gone"),
	}

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.NoError(t, err)

	first := <-out
	assert.Equal(t, "a", first.Content.Text())

	require.NoError(t, a.Pause())
	close(llm.release)

	// The failure ends the run even though a pause is in effect. By the time
	// the error chunk is observable the node has already settled into its
	// terminal state.
	chunks := collectChunks(t, out)
	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)
	assert.Equal(t, core.StateFailed, a.State())

	var stateErr *core.StateError
	require.ErrorAs(t, a.Resume(), &stateErr)
	_, err = a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.ErrorAs(t, err, &stateErr)
}

func TestAgentNode_CompleteRunFromPaused(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), model.NewMockModel("mock-1", "mock"))
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.transition(core.StateRunning, "execute"))
	require.NoError(t, a.Pause())

	// A run that finishes while a pause is pending clears the gate instead
	// of leaving the node wedged in paused.
	a.completeRun(core.StateReady)
	assert.Equal(t, core.StateReady, a.State())

	var stateErr *core.StateError
	require.ErrorAs(t, a.Resume(), &stateErr)
}

func TestAgentNode_StopDuringExecution(t *testing.T) {
	llm := &blockingModel{
		prelude: "a",
		rest:    []string{"b"},
		release: make(chan struct{}),
	}

	a := NewAgentNode("a1", testConfig(), llm)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.NoError(t, err)

	first := <-out
	assert.Equal(t, "a", first.Content.Text())

	require.NoError(t, a.Stop())
	assert.Equal(t, core.StateStopped, a.State())

	// The stream terminates without another chunk, even though the provider
	// call was still in flight.
	chunks := collectChunks(t, out)
	assert.Empty(t, chunks)

	var stateErr *core.StateError
	_, err = a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.ErrorAs(t, err, &stateErr)
}

func TestAgentNode_StopFromCreated(t *testing.T) {
	a := NewAgentNode("a1", testConfig(), model.NewMockModel("mock-1", "mock"))

	require.NoError(t, a.Stop())
	assert.Equal(t, core.StateStopped, a.State())

	var stateErr *core.StateError
	require.ErrorAs(t, a.Initialize(context.Background()), &stateErr)
	require.ErrorAs(t, a.Stop(), &stateErr)
}

func TestAgentNode_ToolRoundTrip(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register("util", tool.NewFunctionTool(
		"echo", "Echoes the given value.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
			"required": []any{"value"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return "echo: " + args["value"].(string), nil
		},
	))

	llm := &scriptedModel{turns: []scriptedTurn{
		{responses: []model.Response{{
			Content: core.Content{Role: "assistant", Parts: []core.Part{
				core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID: "c1", Name: "echo", Arguments: `{"value":"hi"}`,
				}},
			}},
			FinishReason: "tool_calls",
			Usage:        &core.TokenUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		}}},
		{responses: []model.Response{{
			Content:      core.NewTextContent("assistant", "done"),
			FinishReason: "stop",
			Usage:        &core.TokenUsage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
		}}},
	}}

	mgr := session.NewManager(session.NewInMemoryStore())
	mb := bus.New()
	events, cancel := mb.Subscribe()
	defer cancel()

	cfg := testConfig()
	cfg.Nodes = []string{"util"}

	a := NewAgentNode("a1", cfg, llm, func(o *Options) {
		o.Registry = reg
		o.Sessions = mgr
		o.Streaming = false
	})
	a.SetMessageBus(mb)
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{
		SessionID: "s1",
		Content:   core.NewTextContent("user", "echo hi"),
	})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.Len(t, chunks, 4)

	calls := chunks[0].Content.FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Name)

	require.Len(t, chunks[1].Content.Parts, 1)
	fr := chunks[1].Content.Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Equal(t, "c1", fr.ID)
	assert.Equal(t, "echo: hi", fr.Response)
	assert.Empty(t, fr.Error)

	assert.Equal(t, "done", chunks[2].Content.Text())

	require.True(t, chunks[3].Final)
	require.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 8, chunks[3].Usage.TotalTokens)

	state, err := mgr.GetState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, state.RecentTools, "echo")
	assert.Equal(t, 8, state.Usage.TotalTokens)

	var sawToolCall, sawToolStep bool
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case core.EventToolCall:
				sawToolCall = true
			case core.EventStepChange:
				if ev.Data["step"] == "executing tool: echo" {
					sawToolStep = true
				}
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawToolCall, "expected a tool call event")
	assert.True(t, sawToolStep, "expected a tool step change event")
}

func TestAgentNode_UnknownToolReportedToModel(t *testing.T) {
	llm := &scriptedModel{turns: []scriptedTurn{
		{responses: []model.Response{{
			Content: core.Content{Role: "assistant", Parts: []core.Part{
				core.FunctionCallPart{FunctionCall: core.FunctionCall{Name: "missing"}},
			}},
			FinishReason: "tool_calls",
		}}},
		{responses: []model.Response{{
			Content:      core.NewTextContent("assistant", "ok"),
			FinishReason: "stop",
		}}},
	}}

	a := NewAgentNode("a1", testConfig(), llm, func(o *Options) { o.Streaming = false })
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.Len(t, chunks, 4)

	fr := chunks[1].Content.Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Contains(t, fr.Error, "not available")

	assert.Equal(t, "ok", chunks[2].Content.Text())
	assert.Equal(t, core.StateReady, a.State())
}

func TestAgentNode_ToolIterationLimit(t *testing.T) {
	llm := &scriptedModel{repeatLast: true, turns: []scriptedTurn{
		{responses: []model.Response{{
			Content: core.Content{Role: "assistant", Parts: []core.Part{
				core.FunctionCallPart{FunctionCall: core.FunctionCall{Name: "missing"}},
			}},
			FinishReason: "tool_calls",
		}}},
	}}

	a := NewAgentNode("a1", testConfig(), llm, func(o *Options) {
		o.Streaming = false
		o.MaxToolIterations = 2
	})
	require.NoError(t, a.Initialize(context.Background()))

	out, err := a.Execute(context.Background(), core.Input{Content: core.NewTextContent("user", "hi")})
	require.NoError(t, err)

	chunks := collectChunks(t, out)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "iteration limit")
	assert.Equal(t, 2, llm.callCount())
	assert.Equal(t, core.StateFailed, a.State())
}

// scriptedModel replays a fixed sequence of provider turns.
type scriptedTurn struct {
	responses []model.Response
	err       error
}

type scriptedModel struct {
	mu         sync.Mutex
	turns      []scriptedTurn
	calls      int
	repeatLast bool
}

func (m *scriptedModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	if idx >= len(m.turns) {
		if m.repeatLast && len(m.turns) > 0 {
			idx = len(m.turns) - 1
		} else {
			m.mu.Unlock()
			panic("scriptedModel: no turn left")
		}
	}
	turn := m.turns[idx]
	m.mu.Unlock()

	respCh := make(chan model.Response, len(turn.responses)+1)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn.err != nil {
			errCh <- turn.err
			return
		}
		for _, r := range turn.responses {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- r:
			}
		}
	}()

	return respCh, errCh
}

func (m *scriptedModel) Info() model.Info {
	return model.Info{Name: "scripted", Provider: "mock", SupportsTools: true}
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingModel streams a prelude, waits for release (or cancellation), then
// streams the remaining parts and the final response. When failWith is set,
// the release is followed by that error instead of the remaining output.
type blockingModel struct {
	prelude  string
	rest     []string
	release  chan struct{}
	failWith error
}

func (m *blockingModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		respCh <- model.Response{Partial: true, Content: core.NewTextContent("assistant", m.prelude)}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-m.release:
		}

		if m.failWith != nil {
			errCh <- m.failWith
			return
		}

		for _, s := range m.rest {
			respCh <- model.Response{Partial: true, Content: core.NewTextContent("assistant", s)}
		}
		respCh <- model.Response{
			Content:      core.NewTextContent("assistant", m.prelude+strings.Join(m.rest, "")),
			FinishReason: "stop",
			Usage:        &core.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		}
	}()

	return respCh, errCh
}

func (m *blockingModel) Info() model.Info {
	return model.Info{Name: "blocking", Provider: "mock"}
}
