// Package session implements the orchestration state manager: durable-but-
// ephemeral per-session state (active step, recently used tools, cumulative
// token usage) with safe concurrent read-modify-write semantics.
//
// The Manager serializes updates per session id while letting unrelated
// sessions proceed independently. Persistence is delegated to a Store
// implementation; an in-memory store ships here, Redis and SQLite backed
// stores live in subpackages.
package session
