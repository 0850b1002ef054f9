package core

// TokenUsage captures token accounting reported by a model provider. Totals
// are maintained by the session manager, never by callers.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates d into u and recomputes TotalTokens so the
// total = prompt + completion invariant always holds.
func (u *TokenUsage) Add(d TokenUsage) {
	u.PromptTokens += d.PromptTokens
	u.CompletionTokens += d.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no tokens have been recorded.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
