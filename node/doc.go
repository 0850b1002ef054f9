// Package node contains the concrete Node implementations of the engine.
// BaseNode bundles identity, metadata, state machine guarding and message bus
// attachment for embedding; AgentNode is the conversational agent node that
// drives a model provider plus registered tools through a pausable, stoppable
// streaming execution.
package node
