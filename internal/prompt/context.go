// Package prompt assembles the ordered, budget-constrained message
// sequence sent to the model. Five layers, strict precedence: safety
// preamble, governed system prompt, user preference directives, retrieved
// context, conversation history. A tool guardrail goes last when tools
// are enabled.
package prompt

import (
	"github.com/openloom/loom/go/orchestrator/internal/llm"
)

// Preferences are the user-level directives included as layer 3.
type Preferences struct {
	ResponseLength     string `json:"response_length,omitempty"` // short/medium/long
	Formality          string `json:"formality,omitempty"`       // casual/neutral/formal
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

// MemoryItem is one retrieved long-term memory with relevance scores.
type MemoryItem struct {
	Content    string  `json:"content"`
	Importance float64 `json:"importance"` // 0..1
	Similarity float64 `json:"similarity"` // 0..1
}

// Priority orders memories for truncation: importance x similarity.
func (m MemoryItem) Priority() float64 { return m.Importance * m.Similarity }

// KnowledgeItem is one retrieved knowledge-base chunk.
type KnowledgeItem struct {
	Title      string  `json:"title"`
	Chunk      string  `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// AIContext is the read-only, per-request bundle produced by the
// retrieval collaborators. The orchestrator never mutates it.
type AIContext struct {
	SystemPrompt string               `json:"system_prompt"`
	Preferences  Preferences          `json:"preferences"`
	Memories     []MemoryItem         `json:"memories"`
	Knowledge    []KnowledgeItem      `json:"knowledge"`
	Messages     []llm.Message        `json:"messages"`
	Tools        []llm.ToolDefinition `json:"tools"`
}

// TokenBudget bounds assembly. Layer budgets are soft caps inside Total;
// a zero layer budget means "share of whatever remains".
type TokenBudget struct {
	Total     int `json:"total"`
	Memory    int `json:"memory"`
	Knowledge int `json:"knowledge"`
	History   int `json:"history"`
}

// TokenCounter estimates token counts. Implementations must be monotonic
// (longer input never counts fewer tokens) and deterministic.
type TokenCounter interface {
	Count(s string) int
}

// HeuristicCounter approximates ~4 characters per token. Deterministic
// and monotonic by construction.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// AssemblyReport describes what the assembler did, for logging and tests.
type AssemblyReport struct {
	LayerTokens       map[string]int `json:"layer_tokens"`
	MemoriesIncluded  int            `json:"memories_included"`
	MemoriesDropped   int            `json:"memories_dropped"`
	KnowledgeIncluded int            `json:"knowledge_included"`
	KnowledgeDropped  int            `json:"knowledge_dropped"`
	HistoryIncluded   int            `json:"history_included"`
	HistoryDropped    int            `json:"history_dropped"`
	Truncated         bool           `json:"truncated"`
	TotalTokens       int            `json:"total_tokens"`
}
