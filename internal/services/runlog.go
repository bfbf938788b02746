package services

import (
	"context"
	"sync"

	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// runLog collects the audit trail of one pipeline run. When the run targets a
// known report id, entries are written through to the store immediately so a
// live viewer sees them; before an id exists they are buffered and flushed
// once persistence assigns one.
type runLog struct {
	store  ReportStore
	logger *logger.Logger

	mu       sync.Mutex
	reportID string
	buffered []models.PipelineLogEntry
}

func (o *Orchestrator) newRunLog(reportID string) *runLog {
	return &runLog{
		store:    o.store,
		logger:   o.logger,
		reportID: reportID,
	}
}

func (rl *runLog) add(ctx context.Context, step, message string, entryType models.LogEntryType, data *models.LogEntryData) {
	entry := models.NewLogEntry(step, message, entryType)
	entry.Data = data

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.reportID == "" {
		rl.buffered = append(rl.buffered, entry)
		return
	}

	if err := rl.store.AppendLogEntry(ctx, rl.reportID, entry); err != nil {
		rl.logger.WithError(err).Warn("Failed to append pipeline log entry",
			"report_id", rl.reportID, "step", step)
	}
}

// bind attaches the log to a report id and flushes anything buffered so far.
// Log writes are best effort; a failed flush never fails the run.
func (rl *runLog) bind(ctx context.Context, reportID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.reportID != "" || reportID == "" {
		return
	}
	rl.reportID = reportID

	for _, entry := range rl.buffered {
		if err := rl.store.AppendLogEntry(ctx, reportID, entry); err != nil {
			rl.logger.WithError(err).Warn("Failed to flush buffered log entry",
				"report_id", reportID, "step", entry.Step)
		}
	}
	rl.buffered = nil
}
