// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// SeverityCounts groups review issues by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// CategoryCounts groups review issues by category.
type CategoryCounts struct {
	Performance int `json:"performance"`
	NPlusOne    int `json:"nplus1"`
	Hibernate   int `json:"hibernate"`
	CodeQuality int `json:"code_quality"`
	Index       int `json:"index"`
}

// ReviewSummary is the summary block the reviewer model is prompted to return.
type ReviewSummary struct {
	PerformanceScore  float64        `json:"performance_score"`
	ComplexityScore   float64        `json:"complexity_score"`
	TotalIssues       int            `json:"total_issues"`
	BySeverity        SeverityCounts `json:"by_severity"`
	ByCategory        CategoryCounts `json:"by_category"`
	OverallAssessment string         `json:"overall_assessment"`
	Priority          string         `json:"priority"`
	EffortToFix       string         `json:"effort_to_fix"`
}

// Review is the typed view of a review artifact. The artifact itself is
// stored as returned by the model so fields unknown here survive.
type Review struct {
	Summary ReviewSummary    `json:"summary"`
	Issues  []map[string]any `json:"issues"`
}

// Usage is the token accounting of one or more chat completions.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.CachedTokens += o.CachedTokens
	u.ReasoningTokens += o.ReasoningTokens
}

// Effective returns the tokens actually processed: uncached prompt plus completion.
func (u Usage) Effective() int64 {
	return u.PromptTokens - u.CachedTokens + u.CompletionTokens
}

// CacheHitRate returns cached prompt tokens as a percentage of prompt tokens.
func (u Usage) CacheHitRate() float64 {
	if u.PromptTokens == 0 {
		return 0
	}
	return float64(u.CachedTokens) / float64(u.PromptTokens) * 100
}
