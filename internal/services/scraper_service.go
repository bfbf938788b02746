package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sony/gobreaker"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// ScraperService is the page fetch capability: it pulls one article page and
// extracts readable text with non-content markup stripped. A circuit breaker
// stops hammering sources once scrapes start failing in bulk.
type ScraperService struct {
	collector *colly.Collector
	breaker   *gobreaker.CircuitBreaker
	config    config.ScraperConfig
	logger    *logger.Logger

	mu         sync.Mutex
	userAgents []string
	uaIndex    int
}

var whitespaceRe = regexp.MustCompile(`\s+`)

var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)advertisement`),
	regexp.MustCompile(`(?i)subscribe to.*newsletter`),
	regexp.MustCompile(`(?i)follow us on`),
	regexp.MustCompile(`(?i)share this article`),
	regexp.MustCompile(`(?i)accept (all )?cookies`),
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) *ScraperService {
	collector := colly.NewCollector(
		colly.UserAgent("Vera-News-Research/1.0"),
	)
	collector.SetRequestTimeout(cfg.Timeout)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "page-scraper",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	service := &ScraperService{
		collector: collector,
		breaker:   breaker,
		config:    cfg,
		logger:    log,
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
		},
	}

	log.Info("Scraper service initialized",
		"timeout", cfg.Timeout.String(),
		"max_content_chars", cfg.MaxContentChars)

	return service
}

// Extract fetches a page and returns its readable text. The extract is capped
// at MaxContentChars; thresholding against MinUsableChars is the caller's
// concern, since only the verification stage treats short text as noise.
func (service *ScraperService) Extract(ctx context.Context, targetURL string) (*models.SourceExtract, error) {
	startTime := time.Now()

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL %q: %w", targetURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	result, err := service.breaker.Execute(func() (interface{}, error) {
		return service.scrape(ctx, targetURL)
	})

	duration := time.Since(startTime)
	if err != nil {
		service.logger.LogService("scraper", "extract", duration, map[string]any{
			"url": targetURL,
		}, err)
		return nil, err
	}

	extract := result.(*models.SourceExtract)
	service.logger.LogService("scraper", "extract", duration, map[string]any{
		"url":            targetURL,
		"content_length": len(extract.Content),
	}, nil)

	return extract, nil
}

func (service *ScraperService) scrape(ctx context.Context, targetURL string) (*models.SourceExtract, error) {
	extract := &models.SourceExtract{URL: targetURL}

	var scrapeErr error
	c := service.collector.Clone()

	c.OnRequest(func(r *colly.Request) {
		service.mu.Lock()
		userAgent := service.userAgents[service.uaIndex]
		service.uaIndex = (service.uaIndex + 1) % len(service.userAgents)
		service.mu.Unlock()

		r.Headers.Set("User-Agent", userAgent)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		extract.Title = strings.TrimSpace(e.ChildText("title"))
		extract.Content = service.extractReadableText(e)
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		scrapeErr = fmt.Errorf("fetch failed (HTTP %d): %w", status, err)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Visit(targetURL); err != nil && scrapeErr == nil {
			scrapeErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, models.NewTimeoutError("SCRAPE_TIMEOUT", "page fetch timed out").WithCause(ctx.Err())
	}

	if scrapeErr != nil {
		return nil, scrapeErr
	}
	if extract.Content == "" {
		return nil, fmt.Errorf("no readable content at %s", targetURL)
	}

	return extract, nil
}

// extractReadableText collects body text while skipping scripts, navigation,
// ads and other chrome, then falls back to bare paragraphs.
func (service *ScraperService) extractReadableText(e *colly.HTMLElement) string {
	skipTags := map[string]bool{
		"script": true, "style": true, "nav": true, "footer": true,
		"header": true, "noscript": true, "aside": true, "form": true,
	}

	var texts []string
	e.DOM.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if skipTags[strings.ToLower(goquery.NodeName(s))] {
			return
		}
		if s.Children().Length() > 0 {
			return // only leaf nodes, parents would duplicate their children
		}
		text := strings.TrimSpace(s.Text())
		if len(text) > 30 {
			texts = append(texts, text)
		}
	})

	cleaned := service.cleanContent(strings.Join(texts, "\n\n"))
	if len(cleaned) > 200 {
		return cleaned
	}

	paragraphs := e.ChildTexts("p")
	if len(paragraphs) > 0 {
		return service.cleanContent(strings.Join(paragraphs, "\n\n"))
	}

	return cleaned
}

func (service *ScraperService) cleanContent(content string) string {
	if content == "" {
		return content
	}

	content = whitespaceRe.ReplaceAllString(content, " ")
	for _, pattern := range boilerplatePatterns {
		content = pattern.ReplaceAllString(content, "")
	}

	content = strings.TrimSpace(content)
	if len(content) > service.config.MaxContentChars {
		content = content[:service.config.MaxContentChars]
	}
	return content
}
