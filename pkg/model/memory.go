package model

import "time"

// MemoryType categorizes a long-term memory item.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemoryDecision   MemoryType = "decision"
	MemoryQuestion   MemoryType = "question"
	MemoryProject    MemoryType = "project"
)

// MinImportanceDefault is the ingestion-time floor for MemoryItem.Importance
// (spec §3 invariant: importance >= min_threshold at ingestion).
const MinImportanceDefault = 6

// MemoryItem is one extracted long-term memory. Supersedes forms a DAG (no
// cycles); the memory id is stable once assigned.
type MemoryItem struct {
	ID               string     `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	SessionID        string     `json:"session_id"`
	Type             MemoryType `json:"type"`
	Content          string     `json:"content"`
	Context          string     `json:"context"`
	Importance       int        `json:"importance"`
	Tags             []string   `json:"tags,omitempty"`
	SourceMessageIDs []string   `json:"source_message_ids,omitempty"`
	Embedding        []float32  `json:"embedding,omitempty"`
	Supersedes       string     `json:"supersedes,omitempty"`
}
