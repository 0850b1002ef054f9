// Package core defines the shared contracts of the NodeMesh execution engine:
// the polymorphic Node interface with its three-phase lifecycle, node metadata
// and port descriptors, the node state machine, role-based content parts,
// message bus events, token usage accounting and the common error taxonomy.
//
// Concrete implementations live in sibling packages (node, bus, tool, model,
// session); core itself holds no execution state.
package core
