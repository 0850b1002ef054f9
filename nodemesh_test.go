package nodemesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/nodemesh/bus"
	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/model"
	"github.com/hupe1980/nodemesh/tool"
)

func echoSource() tool.Source {
	return tool.SourceFunc(func() map[string][]tool.Tool {
		return map[string][]tool.Tool{
			"util": {tool.NewFunctionTool(
				"echo", "Echoes the input.",
				map[string]any{"type": "object", "properties": map[string]any{}},
				func(_ context.Context, _ map[string]any) (any, error) { return "ok", nil },
			)},
		}
	})
}

func TestMesh_ExecuteSync(t *testing.T) {
	llm := model.NewMockModel("mock-1", "mock")
	llm.AddResponse("hello", "Hi there!")

	mesh := New(func(o *Options) { o.ToolSource = echoSource() })
	mesh.RegisterModel("mock", llm)

	cfg := core.AgentConfig{
		Name:      "helper",
		Provider:  "mock",
		Model:     "mock-1",
		Nodes:     []string{"util"},
		AutoStart: true,
	}

	n, err := mesh.NewAgentNode(context.Background(), "a1", cfg)
	require.NoError(t, err)
	assert.Equal(t, core.StateReady, n.State())

	text, usage, err := mesh.ExecuteSync(context.Background(), "a1", core.Input{
		SessionID: "s1",
		Content:   core.NewTextContent("user", "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", text)
	require.NotNil(t, usage)
	assert.Equal(t, 15, usage.TotalTokens)

	state, err := mesh.Sessions().GetState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 15, state.Usage.TotalTokens)

	mesh.Shutdown()
	assert.Equal(t, core.StateStopped, n.State())
}

func TestMesh_UnknownProvider(t *testing.T) {
	mesh := New()

	var cfgErr *core.ConfigError
	_, err := mesh.NewAgentNode(context.Background(), "a1", core.AgentConfig{
		Name: "x", Provider: "openai", Model: "gpt-4o",
	})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "provider", cfgErr.Field)
}

func TestMesh_UnknownNode(t *testing.T) {
	mesh := New()

	_, _, err := mesh.ExecuteSync(context.Background(), "nope", core.Input{
		Content: core.NewTextContent("user", "hi"),
	})
	require.Error(t, err)

	_, ok := mesh.Node("nope")
	assert.False(t, ok)
}

func TestMesh_AutoStartFailureSurfaces(t *testing.T) {
	mesh := New()
	mesh.RegisterModel("mock", model.NewMockModel("mock-1", "mock"))

	// Missing model identifier fails validation during auto-start.
	_, err := mesh.NewAgentNode(context.Background(), "a1", core.AgentConfig{
		Name: "x", Provider: "mock", AutoStart: true,
	})
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "model", cfgErr.Field)
}

func TestMesh_ShutdownCleansUpFailedNodes(t *testing.T) {
	mesh := New()
	mesh.RegisterModel("mock", model.NewMockModel("mock-1", "mock"))

	// Missing model identifier: Initialize fails and the node ends up in a
	// terminal state that rejects Stop.
	n, err := mesh.NewAgentNode(context.Background(), "a1", core.AgentConfig{
		Name: "x", Provider: "mock",
	})
	require.NoError(t, err)
	require.Error(t, n.Initialize(context.Background()))
	require.Equal(t, core.StateFailed, n.State())

	b := bus.New()
	events, _ := b.Subscribe()
	n.SetMessageBus(b)

	// Shutdown still releases the node's resources: the bus is closed even
	// though Stop is not a legal transition anymore.
	mesh.Shutdown()

	_, ok := <-events
	assert.False(t, ok)
}
