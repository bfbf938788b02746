package models

import (
	"time"

	"github.com/google/uuid"
)

type ReportStatus string

const (
	ReportStatusGenerating ReportStatus = "generating"
	ReportStatusCompleted  ReportStatus = "completed"
)

type ReportType string

const (
	ReportTypeManual ReportType = "manual"
	ReportTypeWeekly ReportType = "weekly"
)

// Source is one citation returned by the grounded news search. Citation order
// is preserved; the pipeline does not deduplicate overlapping citations.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// VideoEvaluation is one relevance verdict from the AI filter. The filter may
// return fewer, more, or duplicate ids than were submitted; consumers must
// match tolerantly.
type VideoEvaluation struct {
	ExternalID string `json:"id"`
	IsRelevant bool   `json:"isRelevant"`
	Reason     string `json:"reason,omitempty"`
}

// Video is an approved candidate, optionally enriched with a transcript.
type Video struct {
	ExternalID     string `json:"externalId"`
	Title          string `json:"title"`
	Channel        string `json:"channel"`
	Description    string `json:"description"`
	FoundByKeyword string `json:"foundByKeyword"`
	Transcript     string `json:"transcript,omitempty"`
}

// Report is the persisted output of one complete pipeline run.
type Report struct {
	ID         string       `json:"id"`
	Topic      string       `json:"topic"`
	Date       time.Time    `json:"date"`
	Summary    string       `json:"summary"`
	Ideas      string       `json:"ideas"`
	Status     ReportStatus `json:"status"`
	VideoCount int          `json:"video_count"`
	Sources    []Source     `json:"sources"`
	Videos     []Video      `json:"videos"`
	Queries    []string     `json:"queries"`
	Type       ReportType   `json:"type"`
	IsPublic   bool         `json:"is_public"`
	UserID     string       `json:"user_id"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ApplyContentUpdate overwrites the content fields of an existing report with
// the values from incoming, leaving ownership and visibility fields
// (UserID, IsPublic, CreatedAt, Type) untouched. Both the Redis store and the
// in-memory test store share this merge so update semantics stay identical.
func ApplyContentUpdate(existing, incoming *Report) {
	existing.Topic = incoming.Topic
	existing.Date = incoming.Date
	existing.Summary = incoming.Summary
	existing.Ideas = incoming.Ideas
	existing.Status = incoming.Status
	existing.VideoCount = incoming.VideoCount
	existing.Sources = incoming.Sources
	existing.Videos = incoming.Videos
	existing.Queries = incoming.Queries
}

func GenerateReportID() string {
	return uuid.New().String()
}

func GenerateRunID() string {
	return uuid.New().String()
}
