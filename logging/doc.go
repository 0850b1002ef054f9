// Package logging provides a tiny abstraction over slog so engine code can
// depend on a minimal interface (Logger) while hosts plug in any structured
// logger. A richer EngineLogger adds contextual helpers (component, session,
// node) and domain specific logging for tools, model calls and node runs.
//
// Logging is strictly observational: a failing or absent logger never affects
// engine control flow.
package logging
