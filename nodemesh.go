// Package nodemesh provides a high-level façade over the node execution
// core (nodes, tool registry, model providers, sessions and logging) enabling
// rapid construction of agent-backed applications. Most applications interact
// with this package by:
//  1. Creating a Mesh via New() (optionally overriding the default in-memory services)
//  2. Registering model providers and a tool source
//  3. Creating agent nodes from configurations and executing them (Execute / ExecuteSync)
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable session store and a structured
// logger.
package nodemesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/nodemesh/bus"
	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/logging"
	"github.com/hupe1980/nodemesh/model"
	"github.com/hupe1980/nodemesh/node"
	"github.com/hupe1980/nodemesh/session"
	"github.com/hupe1980/nodemesh/tool"
)

// Options configures the Mesh instance.
type Options struct {
	// SessionStore persists session state. Defaults to an in-memory store.
	SessionStore session.Store

	// ToolSource seeds the tool registry at construction time. Optional;
	// tools can also be registered later via SetToolSource.
	ToolSource tool.Source

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Mesh aggregates the process-wide services shared by all nodes: the tool
// registry, the session manager, registered model providers and the logger.
type Mesh struct {
	registry *tool.Registry
	sessions *session.Manager
	logger   logging.Logger

	mu     sync.Mutex
	models map[string]model.Model
	nodes  map[string]core.Node
}

// New creates a Mesh with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	registry := tool.NewRegistry()
	if opts.ToolSource != nil {
		registry.Load(opts.ToolSource)
	}

	return &Mesh{
		registry: registry,
		sessions: session.NewManager(opts.SessionStore, func(o *session.ManagerOptions) {
			o.Logger = opts.Logger
		}),
		logger: opts.Logger,
		models: make(map[string]model.Model),
		nodes:  make(map[string]core.Node),
	}
}

// SetToolSource replaces the registry contents from the given source. The
// previous mapping is discarded, never merged.
func (m *Mesh) SetToolSource(src tool.Source) { m.registry.Load(src) }

// Tools returns the process-wide tool registry.
func (m *Mesh) Tools() *tool.Registry { return m.registry }

// Sessions returns the session state manager.
func (m *Mesh) Sessions() *session.Manager { return m.sessions }

// RegisterModel makes a model client available to agent configurations under
// the given provider name ("openai", "anthropic", "mock", ...).
func (m *Mesh) RegisterModel(provider string, llm model.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[provider] = llm
}

// NewAgentNode creates an agent node from cfg, wiring in the mesh services
// and a fresh message bus, and registers it under its id. The configured
// provider must have been registered via RegisterModel. When cfg.AutoStart is
// set the node is initialized before being returned.
func (m *Mesh) NewAgentNode(ctx context.Context, id string, cfg core.AgentConfig, optFns ...func(o *node.Options)) (*node.AgentNode, error) {
	m.mu.Lock()
	llm, ok := m.models[cfg.Provider]
	m.mu.Unlock()
	if !ok {
		return nil, core.NewConfigError("provider", fmt.Sprintf("no model registered for provider %q", cfg.Provider))
	}

	n := node.NewAgentNode(id, cfg, llm, append([]func(o *node.Options){
		func(o *node.Options) {
			o.Registry = m.registry
			o.Sessions = m.sessions
			o.Logger = m.logger
		},
	}, optFns...)...)
	n.SetMessageBus(bus.New())

	if cfg.AutoStart {
		if err := n.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.nodes[id] = n
	m.mu.Unlock()

	return n, nil
}

// Node returns a registered node by id.
func (m *Mesh) Node(id string) (core.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	return n, ok
}

// ExecuteSync is a synchronous helper that runs one turn on the node with the
// given id, drains the chunk stream and returns the concatenated text plus
// the reported token usage.
func (m *Mesh) ExecuteSync(ctx context.Context, nodeID string, input core.Input) (string, *core.TokenUsage, error) {
	n, ok := m.Node(nodeID)
	if !ok {
		return "", nil, fmt.Errorf("node %q not registered", nodeID)
	}

	out, err := n.Execute(ctx, input)
	if err != nil {
		return "", nil, err
	}

	var text string
	var usage *core.TokenUsage

	for ck := range out {
		if ck.Err != nil {
			return text, usage, ck.Err
		}
		text += ck.Content.Text()
		if ck.Usage != nil {
			usage = ck.Usage
		}
	}
	return text, usage, nil
}

// Shutdown stops every registered node still in a non-terminal state and
// releases its resources.
func (m *Mesh) Shutdown() {
	m.mu.Lock()
	nodes := make([]core.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	for _, n := range nodes {
		type stopper interface{ Stop() error }
		if s, ok := n.(stopper); ok {
			if err := s.Stop(); err == nil {
				continue
			}
		}
		// Stop is rejected for nodes already in a terminal state; their
		// resources still have to be released.
		_ = n.Cleanup()
	}
}
