package models

// Usage holds token counters for a model round, a turn, or a session.
type Usage struct {
	PromptTokens     int64 `json:"prompt"`
	CompletionTokens int64 `json:"completion"`
	TotalTokens      int64 `json:"total"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if u == nil || other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
