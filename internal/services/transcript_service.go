package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

const timedTextEndpoint = "https://video.google.com/timedtext"

// TranscriptService fetches best-effort caption text for a video from the
// timedtext endpoint. Many videos simply have no captions; that is reported
// as an error and the caller substitutes its placeholder.
type TranscriptService struct {
	httpClient *http.Client
	endpoint   string
	config     config.PipelineConfig
	logger     *logger.Logger
}

type timedTextDocument struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start string `xml:"start,attr"`
		Value string `xml:",chardata"`
	} `xml:"text"`
}

func NewTranscriptService(cfg config.PipelineConfig, log *logger.Logger) *TranscriptService {
	return &TranscriptService{
		httpClient: &http.Client{Timeout: cfg.TranscriptTimeout},
		endpoint:   timedTextEndpoint,
		config:     cfg,
		logger:     log,
	}
}

// Fetch returns the plain-text transcript for a video id, or an error when
// no captions are available. One retry covers transient network failures;
// a definitive "no captions" answer is not retried.
func (service *TranscriptService) Fetch(ctx context.Context, videoID string) (string, error) {
	startTime := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, service.config.TranscriptTimeout)
	defer cancel()

	transcript, err := backoff.Retry(fetchCtx, func() (string, error) {
		return service.fetchOnce(fetchCtx, videoID)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)

	service.logger.LogService("transcript", "fetch", time.Since(startTime), map[string]any{
		"video_id":          videoID,
		"transcript_length": len(transcript),
	}, err)

	if err != nil {
		return "", fmt.Errorf("transcript fetch for %s failed: %w", videoID, err)
	}
	return transcript, nil
}

func (service *TranscriptService) fetchOnce(ctx context.Context, videoID string) (string, error) {
	query := url.Values{}
	query.Set("lang", "en")
	query.Set("v", videoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("timedtext returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	// An empty body is the endpoint's way of saying "no captions".
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", backoff.Permanent(models.NewExternalError("TRANSCRIPT_UNAVAILABLE", "no captions for video"))
	}

	var doc timedTextDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", backoff.Permanent(fmt.Errorf("timedtext parse failed: %w", err))
	}

	lines := make([]string, 0, len(doc.Texts))
	for _, text := range doc.Texts {
		line := strings.TrimSpace(html.UnescapeString(text.Value))
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		return "", backoff.Permanent(models.NewExternalError("TRANSCRIPT_UNAVAILABLE", "captions track is empty"))
	}

	return strings.Join(lines, " "), nil
}
