package models

import (
	"sort"
	"time"
)

type LogEntryType string

const (
	LogEntryInfo       LogEntryType = "info"
	LogEntrySuccess    LogEntryType = "success"
	LogEntryWarning    LogEntryType = "warning"
	LogEntryError      LogEntryType = "error"
	LogEntryAIDecision LogEntryType = "ai_decision"
)

// LogEntryData is the richer payload carried by ai_decision entries.
type LogEntryData struct {
	Decision      string         `json:"decision,omitempty"`
	Quality       string         `json:"quality,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	ModifiedInput string         `json:"modified_input,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

// PipelineLogEntry is one audit-trail event for a report. Entries are
// append-only per report id; consumers always render them sorted by
// timestamp ascending regardless of arrival order.
type PipelineLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Step      string        `json:"step"`
	Message   string        `json:"message"`
	Type      LogEntryType  `json:"type"`
	Data      *LogEntryData `json:"data,omitempty"`
}

func NewLogEntry(step, message string, typ LogEntryType) PipelineLogEntry {
	return PipelineLogEntry{
		Timestamp: time.Now(),
		Step:      step,
		Message:   message,
		Type:      typ,
	}
}

// SortLogEntries orders entries by timestamp ascending. The sort is stable so
// entries sharing a timestamp keep their arrival order.
func SortLogEntries(entries []PipelineLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
