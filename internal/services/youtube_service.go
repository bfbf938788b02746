package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// YouTubeService is the video search capability: recency-ordered keyword
// search over the YouTube Data API.
type YouTubeService struct {
	service *youtube.Service
	config  config.YouTubeConfig
	logger  *logger.Logger
}

func NewYouTubeService(ctx context.Context, cfg config.YouTubeConfig, log *logger.Logger) (*YouTubeService, error) {
	if cfg.APIKey == "" {
		return nil, models.NewConfigurationError("YOUTUBE_API_KEY_MISSING", "YouTube API key required")
	}

	service, err := youtube.NewService(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube client: %w", err)
	}

	log.Info("YouTube service initialized",
		"results_per_keyword", cfg.ResultsPerKeyword,
		"recency_window", cfg.RecencyWindow.String())

	return &YouTubeService{
		service: service,
		config:  cfg,
		logger:  log,
	}, nil
}

// Search returns up to maxResults recent videos for a query, newest first.
// A quota rejection is returned as a quota-category error so the discovery
// stage can abort; every other failure is an ordinary external error.
func (service *YouTubeService) Search(ctx context.Context, query string, maxResults int64) ([]models.Video, error) {
	startTime := time.Now()

	searchCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	publishedAfter := time.Now().Add(-service.config.RecencyWindow).UTC().Format(time.RFC3339)

	call := service.service.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		Order("date").
		PublishedAfter(publishedAfter).
		MaxResults(maxResults).
		Context(searchCtx)

	response, err := call.Do()
	if err != nil {
		service.logger.LogService("youtube", "search", time.Since(startTime), map[string]any{
			"query":       query,
			"max_results": maxResults,
		}, err)

		if isQuotaError(err) {
			return nil, models.NewQuotaError("YOUTUBE_QUOTA_EXCEEDED", err.Error()).WithCause(err)
		}
		return nil, models.WrapExternalError("youtube search", err)
	}

	videos := make([]models.Video, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		videos = append(videos, models.Video{
			ExternalID:  item.Id.VideoId,
			Title:       item.Snippet.Title,
			Channel:     item.Snippet.ChannelTitle,
			Description: item.Snippet.Description,
		})
	}

	service.logger.LogService("youtube", "search", time.Since(startTime), map[string]any{
		"query":   query,
		"results": len(videos),
	}, nil)

	return videos, nil
}

// isQuotaError recognizes the provider's quota/forbidden rejection shape:
// HTTP 403 with a quota-flavored reason or message.
func isQuotaError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code != 403 {
		return false
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "quota")
}

func (service *YouTubeService) HealthCheck(ctx context.Context) error {
	_, err := service.Search(ctx, "news", 1)
	if err != nil {
		return fmt.Errorf("youtube health check failed: %w", err)
	}
	return nil
}
