package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// RedisReportStore persists reports by id and keeps the append-only pipeline
// log stream per report. Two concurrent writers to the same report id would
// race on the read-modify-write update, so writes are serialized per id.
type RedisReportStore struct {
	client *redis.Client
	config config.RedisConfig
	logger *logger.Logger

	locks sync.Map // report id -> *sync.Mutex
}

func NewRedisReportStore(cfg config.RedisConfig, log *logger.Logger) (*RedisReportStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	store := &RedisReportStore{
		client: redis.NewClient(opt),
		config: cfg,
		logger: log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Report store initialized", "url", cfg.URL, "pool_size", cfg.PoolSize)
	return store, nil
}

func reportKey(id string) string {
	return fmt.Sprintf("report:%s", id)
}

func reportLogKey(id string) string {
	return fmt.Sprintf("report:%s:log", id)
}

func (store *RedisReportStore) lockFor(id string) *sync.Mutex {
	mu, _ := store.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SaveReport implements create-or-update by id. Without an id a fresh report
// is created and its new id returned. With an id, only the content fields of
// the stored record are replaced; ownership and visibility fields survive.
func (store *RedisReportStore) SaveReport(ctx context.Context, report *models.Report) (string, error) {
	startTime := time.Now()

	if report.ID == "" {
		report.ID = models.GenerateReportID()
		if err := store.writeReport(ctx, report); err != nil {
			return "", err
		}
		store.logger.LogService("report_store", "create_report", time.Since(startTime), map[string]any{
			"report_id": report.ID,
			"type":      report.Type,
		}, nil)
		return report.ID, nil
	}

	mu := store.lockFor(report.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := store.GetReport(ctx, report.ID)
	if err != nil {
		var appErr *models.AppError
		// A caller-chosen id with no stored report yet is a create, not a
		// failure; anything else propagates.
		if !(errors.As(err, &appErr) && appErr.Code == "REPORT_NOT_FOUND") {
			return "", err
		}
		if err := store.writeReport(ctx, report); err != nil {
			return "", err
		}
		store.logger.LogService("report_store", "create_report", time.Since(startTime), map[string]any{
			"report_id": report.ID,
			"type":      report.Type,
		}, nil)
		return report.ID, nil
	}

	models.ApplyContentUpdate(existing, report)
	if err := store.writeReport(ctx, existing); err != nil {
		return "", err
	}

	store.logger.LogService("report_store", "update_report", time.Since(startTime), map[string]any{
		"report_id":   report.ID,
		"video_count": existing.VideoCount,
	}, nil)
	return report.ID, nil
}

func (store *RedisReportStore) writeReport(ctx context.Context, report *models.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return models.NewInternalError("REPORT_SERIALIZE_FAILED", "failed to serialize report").WithCause(err)
	}

	if err := store.client.Set(ctx, reportKey(report.ID), payload, 0).Err(); err != nil {
		return models.NewExternalError("REPORT_WRITE_FAILED", "failed to write report").WithCause(err)
	}
	return nil
}

func (store *RedisReportStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	payload, err := store.client.Get(ctx, reportKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, models.NewReportNotFound(id)
		}
		return nil, models.NewExternalError("REPORT_READ_FAILED", "failed to read report").WithCause(err)
	}

	var report models.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, models.NewInternalError("REPORT_DESERIALIZE_FAILED", "failed to deserialize report").WithCause(err)
	}
	return &report, nil
}

// AppendLogEntry appends one audit entry to the report's log stream, where
// the live viewer picks it up.
func (store *RedisReportStore) AppendLogEntry(ctx context.Context, reportID string, entry models.PipelineLogEntry) error {
	values := map[string]any{
		"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
		"step":      entry.Step,
		"message":   entry.Message,
		"type":      string(entry.Type),
	}

	if entry.Data != nil {
		dataJSON, err := json.Marshal(entry.Data)
		if err == nil {
			values["data"] = string(dataJSON)
		} else {
			store.logger.WithError(err).Warn("Failed to marshal log entry data")
		}
	}

	err := store.client.XAdd(ctx, &redis.XAddArgs{
		Stream: reportLogKey(reportID),
		Values: values,
		MaxLen: store.config.LogStreamMaxLen,
		Approx: true,
	}).Err()
	if err != nil {
		return models.NewExternalError("LOG_APPEND_FAILED", "failed to append log entry").WithCause(err)
	}
	return nil
}

// GetLogEntries returns the report's log sorted by timestamp ascending. The
// stream preserves arrival order, which under concurrent stage retries is
// not timestamp order, so the sort happens here on every read.
func (store *RedisReportStore) GetLogEntries(ctx context.Context, reportID string) ([]models.PipelineLogEntry, error) {
	messages, err := store.client.XRange(ctx, reportLogKey(reportID), "-", "+").Result()
	if err != nil {
		return nil, models.NewExternalError("LOG_READ_FAILED", "failed to read log entries").WithCause(err)
	}

	entries := make([]models.PipelineLogEntry, 0, len(messages))
	for _, message := range messages {
		entry := models.PipelineLogEntry{
			Step:    stringValue(message.Values, "step"),
			Message: stringValue(message.Values, "message"),
			Type:    models.LogEntryType(stringValue(message.Values, "type")),
		}

		if ts, err := time.Parse(time.RFC3339Nano, stringValue(message.Values, "timestamp")); err == nil {
			entry.Timestamp = ts
		}

		if raw := stringValue(message.Values, "data"); raw != "" {
			var data models.LogEntryData
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				entry.Data = &data
			}
		}

		entries = append(entries, entry)
	}

	models.SortLogEntries(entries)
	return entries, nil
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func (store *RedisReportStore) HealthCheck(ctx context.Context) error {
	if err := store.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}

func (store *RedisReportStore) Close() error {
	store.logger.Info("Closing report store")
	return store.client.Close()
}
