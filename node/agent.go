package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/logging"
	"github.com/hupe1980/nodemesh/model"
	"github.com/hupe1980/nodemesh/session"
	"github.com/hupe1980/nodemesh/tool"
)

// NodeTypeAgent is the subtype discriminator of AgentNode.
const NodeTypeAgent = "agent"

// errStopped signals that Stop interrupted an in-flight execution.
var errStopped = errors.New("node stopped")

// Options configures an AgentNode instance.
type Options struct {
	// Registry resolves the agent's declared node names to tools. A nil
	// registry resolves every declaration to zero tools.
	Registry *tool.Registry
	// Sessions receives usage deltas and step transitions. Optional.
	Sessions *session.Manager
	// Logger receives diagnostics; defaults to NoOpLogger.
	Logger logging.Logger
	// Streaming requests partial chunks from the provider.
	Streaming bool
	// MaxToolIterations bounds model->tool round trips per execution.
	MaxToolIterations int
	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration
	// ChunkBuffer sets the output channel buffer per execution.
	ChunkBuffer int
}

// AgentNode wraps an agent configuration and drives a conversation turn
// against a model provider plus registered tools, yielding a streaming
// result. It implements core.Node.
//
// State is mutated only by the node's own lifecycle methods. A fresh node
// starts in created, reaches ready after one successful Initialize and
// cycles ready -> running -> ready across executions. See the package
// documentation for the complete transition table.
type AgentNode struct {
	BaseNode

	cfg      core.AgentConfig
	llm      model.Model
	registry *tool.Registry
	sessions *session.Manager
	logger   logging.Logger

	streaming         bool
	maxToolIterations int
	toolTimeout       time.Duration
	chunkBuffer       int

	// resume is non-nil while paused and closed by Resume. Guarded by the
	// BaseNode mutex together with state.
	resume   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ core.Node = (*AgentNode)(nil)

// agentMetadata is the immutable descriptor shared by all agent nodes.
var agentMetadata = core.NodeMetadata{
	Category:    core.CategoryCore,
	Label:       "Agent",
	Description: "Conversational agent backed by a model provider and a resolved tool set",
	Inputs: []core.NodePort{
		{ID: "input", Type: "message", Label: "User input", Required: true},
	},
	Outputs: []core.NodePort{
		{ID: "output", Type: "stream", Label: "Output chunks"},
	},
	Version: "1.0.0",
	Compat:  core.CompatibilityFlags{Cloud: true, SelfHost: true, Desktop: true},
}

// NewAgentNode constructs an agent node in the created state. The model
// client is an injected collaborator; configuration is validated during
// Initialize, not here.
func NewAgentNode(id string, cfg core.AgentConfig, llm model.Model, optFns ...func(o *Options)) *AgentNode {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		Streaming:         true,
		MaxToolIterations: 5,
		ToolTimeout:       15 * time.Second,
		ChunkBuffer:       32,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 5
	}
	if opts.ChunkBuffer <= 0 {
		opts.ChunkBuffer = 32
	}

	return &AgentNode{
		BaseNode:          NewBaseNode(id, NodeTypeAgent, agentMetadata),
		cfg:               cfg,
		llm:               llm,
		registry:          opts.Registry,
		sessions:          opts.Sessions,
		logger:            opts.Logger,
		streaming:         opts.Streaming,
		maxToolIterations: opts.MaxToolIterations,
		toolTimeout:       opts.ToolTimeout,
		chunkBuffer:       opts.ChunkBuffer,
		stopCh:            make(chan struct{}),
	}
}

// Config returns a copy of the agent configuration.
func (a *AgentNode) Config() core.AgentConfig { return a.cfg }

// Initialize validates the configuration and the injected model client,
// passing through the initializing state. Configuration errors are never
// retried; a failed Initialize leaves the node in the terminal error state.
func (a *AgentNode) Initialize(_ context.Context) error {
	if err := a.transition(core.StateInitializing, "initialize"); err != nil {
		return err
	}

	if err := a.cfg.Validate(); err != nil {
		_ = a.transition(core.StateFailed, "initialize")
		return err
	}
	if a.llm == nil {
		_ = a.transition(core.StateFailed, "initialize")
		return core.NewConfigError("provider", "no model client injected")
	}

	if err := a.transition(core.StateReady, "initialize"); err != nil {
		return err
	}
	a.logger.Debug("agent node initialized", "node_id", a.ID(), "agent", a.cfg.Name)
	return nil
}

// Execute runs one conversation turn. It resolves the declared tool set,
// issues the provider call and returns a fresh, finite stream of output
// chunks. Calling Execute on a node that is not ready fails with a
// *core.StateError instead of silently executing.
func (a *AgentNode) Execute(ctx context.Context, input core.Input) (<-chan core.OutputChunk, error) {
	if err := a.transition(core.StateRunning, "execute"); err != nil {
		return nil, err
	}

	out := make(chan core.OutputChunk, a.chunkBuffer)
	go a.run(ctx, input, out)
	return out, nil
}

// Pause gates downstream chunk forwarding. The upstream provider call keeps
// running; nothing already emitted is retracted and nothing is duplicated on
// resume.
func (a *AgentNode) Pause() error {
	a.mu.Lock()
	if a.state != core.StateRunning {
		defer a.mu.Unlock()
		return &core.StateError{Op: "pause", State: a.state}
	}
	a.state = core.StatePaused
	a.resume = make(chan struct{})
	bus := a.bus
	a.mu.Unlock()

	if bus != nil {
		bus.Publish(core.NewEvent(core.EventStateChange, a.ID(), map[string]any{
			"from": string(core.StateRunning),
			"to":   string(core.StatePaused),
		}))
	}
	return nil
}

// Resume reopens the forwarding gate, returning the node to running without
// re-entering initialization.
func (a *AgentNode) Resume() error {
	a.mu.Lock()
	if a.state != core.StatePaused {
		defer a.mu.Unlock()
		return &core.StateError{Op: "resume", State: a.state}
	}
	a.state = core.StateRunning
	if a.resume != nil {
		close(a.resume)
		a.resume = nil
	}
	bus := a.bus
	a.mu.Unlock()

	if bus != nil {
		bus.Publish(core.NewEvent(core.EventStateChange, a.ID(), map[string]any{
			"from": string(core.StatePaused),
			"to":   string(core.StateRunning),
		}))
	}
	return nil
}

// Stop terminates the node from any non-terminal state. An in-progress
// execution observes the stop promptly: no further chunks are emitted even
// if the underlying provider call cannot be aborted. Stop is terminal and
// runs cleanup.
func (a *AgentNode) Stop() error {
	if err := a.transition(core.StateStopped, "stop"); err != nil {
		return err
	}
	a.stopOnce.Do(func() { close(a.stopCh) })
	return a.Cleanup()
}

// Cleanup releases node resources. It is safe to call at any point,
// including after a failed Initialize, and is idempotent.
func (a *AgentNode) Cleanup() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if bus := a.detachBus(); bus != nil {
		bus.Close()
	}
	return nil
}

// run drives one execution to completion on its own goroutine.
func (a *AgentNode) run(ctx context.Context, input core.Input, out chan<- core.OutputChunk) {
	defer close(out)

	// Stop aborts the in-flight provider call through context cancellation.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	chunks := 0
	var usage core.TokenUsage
	var toolsUsed []string

	resolved := a.registry.GetToolsForAgent(a.cfg.Nodes)
	contents := []core.Content{input.Content}
	err := a.converse(ctx, input, resolved, &contents, out, &chunks, &usage, &toolsUsed)

	switch {
	case errors.Is(err, errStopped) || a.State() == core.StateStopped:
		// Stop already transitioned the state machine; emit nothing further,
		// but still report the usage observed so far.
		a.reportSession(ctx, input.SessionID, "stopped", toolsUsed, usage)
	case err != nil:
		// Leave any pause behind first: the terminal error chunk is only
		// forwarded once the node is no longer paused.
		a.completeRun(core.StateFailed)
		a.publish(core.NewEvent(core.EventError, a.ID(), map[string]any{"error": err.Error()}))
		a.emitUnchecked(ctx, out, core.OutputChunk{Err: err})
		a.reportSession(ctx, input.SessionID, "error", toolsUsed, usage)
	default:
		emitErr := a.emit(ctx, out, core.OutputChunk{Final: true, Usage: cloneUsage(usage)}, &chunks)
		switch {
		case emitErr == nil:
			a.completeRun(core.StateReady)
		case !errors.Is(emitErr, errStopped):
			// Caller cancellation during finalization; the run cannot
			// continue and must not leave a running or paused shell behind.
			a.completeRun(core.StateFailed)
		}
		a.reportSession(ctx, input.SessionID, "idle", toolsUsed, usage)
	}

	a.logNodeExecution(chunks, time.Since(start), err)
}

// converse performs the model/tool round-trip loop for one turn.
func (a *AgentNode) converse(
	ctx context.Context,
	input core.Input,
	resolved map[string]tool.Tool,
	contents *[]core.Content,
	out chan<- core.OutputChunk,
	chunks *int,
	usage *core.TokenUsage,
	toolsUsed *[]string,
) error {
	defs := toolDefinitions(resolved)

	for iter := 0; iter < a.maxToolIterations; iter++ {
		a.setStep(ctx, input.SessionID, "calling model")

		req := model.Request{
			Instructions: a.cfg.Instruction,
			Contents:     *contents,
			Tools:        defs,
			Stream:       a.streaming,
		}
		final, err := a.callModel(ctx, req, out, chunks)
		if err != nil {
			return err
		}
		if final.Usage != nil {
			usage.Add(*final.Usage)
		}

		calls := final.Content.FunctionCalls()
		if err := a.emitFinalContent(ctx, final, calls, out, chunks); err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}

		responses, err := a.executeTools(ctx, input.SessionID, calls, resolved, toolsUsed)
		if err != nil {
			return err
		}
		if err := a.emit(ctx, out, core.OutputChunk{Content: responses}, chunks); err != nil {
			return err
		}
		*contents = append(*contents, final.Content, responses)
	}
	return fmt.Errorf("tool iteration limit (%d) reached without final response", a.maxToolIterations)
}

// callModel issues the provider call, forwarding partial responses as they
// arrive and applying the retry policy: a transient failure is retried up to
// MaxRetries times with RetryDelay between attempts, but only while nothing
// has been forwarded yet, since already-emitted output is never retracted.
// The node stays running during retries.
func (a *AgentNode) callModel(
	ctx context.Context,
	req model.Request,
	out chan<- core.OutputChunk,
	chunks *int,
) (*model.Response, error) {
	attempts := 0
	for {
		before := *chunks
		start := time.Now()
		final, err := a.streamOnce(ctx, req, out, chunks)
		a.logModelCall(final, time.Since(start), err)
		if err == nil {
			return final, nil
		}
		forwarded := *chunks > before
		if forwarded || !core.IsTransient(err) || attempts >= a.cfg.MaxRetries {
			return nil, err
		}
		attempts++
		a.logger.Warn("transient provider failure, retrying",
			"node_id", a.ID(), "attempt", attempts, "error", err.Error())

		select {
		case <-time.After(a.cfg.RetryDelay):
		case <-a.stopCh:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// streamOnce consumes a single Generate call, forwarding partials and
// returning the final response.
func (a *AgentNode) streamOnce(
	ctx context.Context,
	req model.Request,
	out chan<- core.OutputChunk,
	chunks *int,
) (*model.Response, error) {
	respCh, errCh := a.llm.Generate(ctx, req)

	var final *model.Response
	for r := range respCh {
		if !r.Partial {
			f := r
			final = &f
			continue
		}
		if err := a.emit(ctx, out, core.OutputChunk{Content: r.Content}, chunks); err != nil {
			// Stop consuming but let the provider goroutine finish.
			go func() {
				for range respCh {
				}
				<-errCh
			}()
			return nil, err
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if final == nil {
		return nil, fmt.Errorf("provider closed stream without final response")
	}
	return final, nil
}

// emitFinalContent forwards the content of a final provider response. When
// streaming, text was already delivered as partials, so only tool call parts
// are forwarded to avoid duplication.
func (a *AgentNode) emitFinalContent(
	ctx context.Context,
	final *model.Response,
	calls []core.FunctionCall,
	out chan<- core.OutputChunk,
	chunks *int,
) error {
	var parts []core.Part
	if a.streaming {
		for _, fc := range calls {
			parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
		}
	} else {
		parts = final.Content.Parts
	}
	if len(parts) == 0 {
		return nil
	}
	return a.emit(ctx, out, core.OutputChunk{
		Content: core.Content{Role: "assistant", Parts: parts},
	}, chunks)
}

// executeTools runs the requested tool calls against the resolved set and
// assembles their responses as tool-role content. A tool failure is recorded
// in the response rather than failing the turn, letting the model react.
func (a *AgentNode) executeTools(
	ctx context.Context,
	sessionID string,
	calls []core.FunctionCall,
	resolved map[string]tool.Tool,
	toolsUsed *[]string,
) (core.Content, error) {
	responses := core.Content{Role: "tool"}
	for _, fc := range calls {
		select {
		case <-a.stopCh:
			return responses, errStopped
		default:
		}

		a.setStep(ctx, sessionID, "executing tool: "+fc.Name)
		*toolsUsed = append(*toolsUsed, fc.Name)

		result, err := a.callTool(ctx, fc, resolved)

		fr := core.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: result}
		if err != nil {
			fr.Error = err.Error()
		}
		responses.Parts = append(responses.Parts, core.FunctionResponsePart{FunctionResponse: fr})
	}
	return responses, nil
}

func (a *AgentNode) callTool(ctx context.Context, fc core.FunctionCall, resolved map[string]tool.Tool) (any, error) {
	t, ok := resolved[fc.Name]
	if !ok {
		return nil, fmt.Errorf("tool %q not available to this agent", fc.Name)
	}

	args, err := decodeArguments(fc.Arguments)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := t.Call(callCtx, args)
	a.publish(core.NewEvent(core.EventToolCall, a.ID(), map[string]any{
		"tool":        fc.Name,
		"duration_ms": time.Since(start).Milliseconds(),
		"error":       errString(err),
	}))
	return result, err
}

// emit forwards one chunk to the consumer, honoring the pause gate, stop
// signal and context. Forwarding blocks on consumer pull (backpressure).
func (a *AgentNode) emit(ctx context.Context, out chan<- core.OutputChunk, ck core.OutputChunk, chunks *int) error {
	if err := a.waitIfPaused(ctx); err != nil {
		return err
	}
	select {
	case <-a.stopCh:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	case out <- ck:
		*chunks++
		a.publish(core.NewEvent(core.EventChunk, a.ID(), map[string]any{"final": ck.Final}))
		return nil
	}
}

// emitUnchecked delivers a terminal error chunk without the pause gate; best
// effort, never blocks indefinitely.
func (a *AgentNode) emitUnchecked(ctx context.Context, out chan<- core.OutputChunk, ck core.OutputChunk) {
	select {
	case out <- ck:
		return
	default:
	}
	select {
	case out <- ck:
	case <-a.stopCh:
	case <-ctx.Done():
	}
}

// completeRun moves the state machine to its post-execution state. A Pause
// that won the race against completion is unwound first (paused -> running,
// clearing the gate) so the terminal transition cannot be lost and a later
// Resume cannot produce a running node with no execution in flight.
func (a *AgentNode) completeRun(next core.NodeState) {
	a.mu.Lock()
	if a.state == core.StatePaused {
		a.state = core.StateRunning
		if a.resume != nil {
			close(a.resume)
			a.resume = nil
		}
	}
	a.mu.Unlock()
	_ = a.transition(next, "execute")
}

// waitIfPaused blocks while the node is paused, waking on Resume, Stop or
// context cancellation.
func (a *AgentNode) waitIfPaused(ctx context.Context) error {
	for {
		a.mu.Lock()
		ch := a.resume
		paused := a.state == core.StatePaused
		a.mu.Unlock()
		if !paused || ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-a.stopCh:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setStep publishes a step change and mirrors it into the session manager so
// concurrent readers observe the agent's current phase.
func (a *AgentNode) setStep(ctx context.Context, sessionID, step string) {
	a.publish(core.NewEvent(core.EventStepChange, a.ID(), map[string]any{"step": step}))
	if a.sessions == nil || sessionID == "" {
		return
	}
	if _, err := a.sessions.UpdateState(context.WithoutCancel(ctx), sessionID, session.Delta{ActiveStep: step}); err != nil {
		a.logger.Warn("step update failed", "node_id", a.ID(), "session_id", sessionID, "error", err.Error())
	}
}

// reportSession forwards the execution's usage delta and step transition.
// Usage is reported as a delta, not a replacement; the manager owns the
// cumulative totals. Partially completed executions report what they saw.
func (a *AgentNode) reportSession(ctx context.Context, sessionID, step string, toolsUsed []string, usage core.TokenUsage) {
	if a.sessions == nil || sessionID == "" {
		return
	}
	_, err := a.sessions.UpdateState(context.WithoutCancel(ctx), sessionID, session.Delta{
		ActiveStep: step,
		ToolsUsed:  toolsUsed,
		Usage:      usage,
	})
	if err != nil {
		a.logger.Error("session usage update failed",
			"node_id", a.ID(), "session_id", sessionID, "error", err.Error())
	}
}

func (a *AgentNode) logModelCall(final *model.Response, dur time.Duration, err error) {
	tokens := 0
	if final != nil && final.Usage != nil {
		tokens = final.Usage.TotalTokens
	}
	if el, ok := a.logger.(*logging.EngineLogger); ok {
		el.LogModelCall(a.cfg.Model, tokens, dur, err)
		return
	}
	a.logger.Debug("model call finished",
		"node_id", a.ID(), "model", a.cfg.Model, "tokens", tokens, "duration", dur.String())
}

func (a *AgentNode) logNodeExecution(chunks int, dur time.Duration, err error) {
	if errors.Is(err, errStopped) {
		err = nil
	}
	if el, ok := a.logger.(*logging.EngineLogger); ok {
		el.LogNodeExecution(a.Type(), chunks, dur, err)
		return
	}
	a.logger.Debug("node execution finished",
		"node_id", a.ID(), "chunks", chunks, "duration", dur.String())
}

// toolDefinitions converts a resolved tool set into provider declarations.
func toolDefinitions(resolved map[string]tool.Tool) []model.ToolDefinition {
	if len(resolved) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(resolved))
	for _, t := range resolved {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// decodeArguments parses the provider's serialized argument payload. Schema
// validation happens inside the tool adapter itself.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

func cloneUsage(u core.TokenUsage) *core.TokenUsage {
	c := u
	return &c
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
