package models

import "time"

type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusCompleted PipelineStatus = "completed"
	PipelineStatusFailed    PipelineStatus = "failed"
)

// ResearchRequest is the immutable input to one pipeline run.
type ResearchRequest struct {
	Topic    string `json:"topic"`
	Region   string `json:"region,omitempty"`
	ReportID string `json:"report_id,omitempty"`
	IsPublic bool   `json:"is_public,omitempty"`
	UserID   string `json:"user_id"`

	// TopicProvided records whether the caller supplied the topic explicitly
	// or the server defaulted it; it drives the persisted report type.
	TopicProvided bool `json:"-"`
}

// PipelineContext is the accumulator threaded through the stages of one run.
// It is owned exclusively by the orchestrator executing that run and is never
// persisted directly, only projected into a Report.
type PipelineContext struct {
	RunID     string         `json:"run_id"`
	Request   ResearchRequest `json:"request"`
	Status    PipelineStatus `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`

	Topic         string   `json:"topic"`
	NewsSummary   string   `json:"news_summary,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
	DeepAnalysis  string   `json:"deep_analysis,omitempty"`
	Videos        []Video  `json:"videos,omitempty"`
	SearchQueries []string `json:"search_queries,omitempty"`
	FinalReport   string   `json:"final_report,omitempty"`
	Ideas         string   `json:"ideas,omitempty"`
}

func NewPipelineContext(req ResearchRequest) *PipelineContext {
	return &PipelineContext{
		RunID:     GenerateRunID(),
		Request:   req,
		Status:    PipelineStatusPending,
		StartTime: time.Now(),
		Topic:     req.Topic,
	}
}

func (pc *PipelineContext) MarkRunning() {
	pc.Status = PipelineStatusRunning
}

func (pc *PipelineContext) MarkCompleted() {
	pc.Status = PipelineStatusCompleted
	now := time.Now()
	pc.EndTime = &now
}

func (pc *PipelineContext) MarkFailed() {
	pc.Status = PipelineStatusFailed
	now := time.Now()
	pc.EndTime = &now
}

func (pc *PipelineContext) Duration() time.Duration {
	if pc.EndTime != nil {
		return pc.EndTime.Sub(pc.StartTime)
	}
	return time.Since(pc.StartTime)
}

// ToReport projects the accumulated context into a persistable report. The
// returned report carries the request's ownership fields; the store decides
// which of them survive an update.
func (pc *PipelineContext) ToReport() *Report {
	now := time.Now()

	reportType := ReportTypeWeekly
	if pc.Request.TopicProvided {
		reportType = ReportTypeManual
	}

	return &Report{
		ID:         pc.Request.ReportID,
		Topic:      pc.Topic,
		Date:       now,
		Summary:    pc.FinalReport,
		Ideas:      pc.Ideas,
		Status:     ReportStatusCompleted,
		VideoCount: len(pc.Videos),
		Sources:    pc.Sources,
		Videos:     pc.Videos,
		Queries:    pc.SearchQueries,
		Type:       reportType,
		IsPublic:   pc.Request.IsPublic,
		UserID:     pc.Request.UserID,
		CreatedAt:  now,
	}
}

// SourceExtract is the usable text pulled from one scraped source page.
type SourceExtract struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Typed stage outputs. Stages exchange these records instead of loose JSON
// maps so shape mismatches surface at the boundary that caused them.

type NewsDiscoveryResult struct {
	NewsSummary string   `json:"newsSummary"`
	Sources     []Source `json:"sources"`
}

type VideoDiscoveryResult struct {
	Candidates []Video  `json:"candidates"`
	Queries    []string `json:"queries"`
	Debug      []string `json:"debug"`
}

// SynthesisRequest is the input to the synthesize-and-persist entry point.
type SynthesisRequest struct {
	Topic        string   `json:"topic"`
	NewsSummary  string   `json:"newsSummary" binding:"required"`
	DeepAnalysis string   `json:"deepAnalysis,omitempty"`
	Sources      []Source `json:"sources"`
	Videos       []Video  `json:"videos"`
	Queries      []string `json:"queries"`
	ReportID     string   `json:"reportId,omitempty"`
	IsPublic     bool     `json:"isPublic,omitempty"`
	UserID       string   `json:"userId,omitempty"`
}

// ResearchResponse is returned by the full-run and synthesize entry points.
type ResearchResponse struct {
	ReportID    string    `json:"id"`
	RunID       string    `json:"run_id,omitempty"`
	Summary     string    `json:"summary"`
	Status      string    `json:"status"`
	VideoCount  int       `json:"video_count"`
	Timestamp   time.Time `json:"timestamp"`
	TotalTimeMs *float64  `json:"total_time_ms,omitempty"`
}
