package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
	"vera-ai-pipeline/internal/services"
)

// Mock services for testing

type MockAIService struct {
	DiscoverNewsFn func(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error)
	AnalyzeFn      func(ctx context.Context, newsSummary string, extracts []models.SourceExtract) (string, error)
	KeywordsFn     func(ctx context.Context, newsSummary string, keywordCount int) ([]string, error)
	EvaluateFn     func(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error)
	ComposeFn      func(ctx context.Context, pctx *models.PipelineContext) (string, error)
	IdeasFn        func(ctx context.Context, finalReport string) (string, error)

	AnalyzeCalled  bool
	EvaluateCalled bool
}

func (m *MockAIService) DiscoverNews(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error) {
	if m.DiscoverNewsFn != nil {
		return m.DiscoverNewsFn(ctx, topic)
	}
	return &models.NewsDiscoveryResult{
		NewsSummary: "summary of " + topic,
		Sources:     []models.Source{{Title: "Source A", URL: "http://a"}},
	}, nil
}

func (m *MockAIService) AnalyzeSources(ctx context.Context, newsSummary string, extracts []models.SourceExtract) (string, error) {
	m.AnalyzeCalled = true
	if m.AnalyzeFn != nil {
		return m.AnalyzeFn(ctx, newsSummary, extracts)
	}
	return "deep analysis", nil
}

func (m *MockAIService) GenerateSearchKeywords(ctx context.Context, newsSummary string, keywordCount int) ([]string, error) {
	if m.KeywordsFn != nil {
		return m.KeywordsFn(ctx, newsSummary, keywordCount)
	}
	return []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon"}, nil
}

func (m *MockAIService) EvaluateCandidates(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error) {
	m.EvaluateCalled = true
	if m.EvaluateFn != nil {
		return m.EvaluateFn(ctx, newsSummary, candidates)
	}
	evaluations := make([]models.VideoEvaluation, 0, len(candidates))
	for _, candidate := range candidates {
		evaluations = append(evaluations, models.VideoEvaluation{
			ExternalID: candidate.ExternalID,
			IsRelevant: true,
			Reason:     "relevant",
		})
	}
	return evaluations, nil
}

func (m *MockAIService) ComposeReport(ctx context.Context, pctx *models.PipelineContext) (string, error) {
	if m.ComposeFn != nil {
		return m.ComposeFn(ctx, pctx)
	}
	var sb strings.Builder
	sb.WriteString("# Report\n## SOURCES\n")
	for _, source := range pctx.Sources {
		fmt.Fprintf(&sb, "- %s\n", source.URL)
	}
	return sb.String(), nil
}

func (m *MockAIService) ComposeContentIdeas(ctx context.Context, finalReport string) (string, error) {
	if m.IdeasFn != nil {
		return m.IdeasFn(ctx, finalReport)
	}
	return "1. idea one\n2. idea two\n3. idea three", nil
}

type MockVideoSearcher struct {
	ResultsByQuery map[string][]models.Video
	ErrByQuery     map[string]error

	mu      sync.Mutex
	Queries []string
}

func (m *MockVideoSearcher) Search(ctx context.Context, query string, maxResults int64) ([]models.Video, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()

	if err, ok := m.ErrByQuery[query]; ok {
		return nil, err
	}
	return m.ResultsByQuery[query], nil
}

type MockTranscriptFetcher struct {
	Transcripts map[string]string
}

func (m *MockTranscriptFetcher) Fetch(ctx context.Context, videoID string) (string, error) {
	if transcript, ok := m.Transcripts[videoID]; ok {
		return transcript, nil
	}
	return "", errors.New("no captions")
}

type MockPageScraper struct {
	Pages map[string]string

	mu   sync.Mutex
	URLs []string
}

func (m *MockPageScraper) Extract(ctx context.Context, url string) (*models.SourceExtract, error) {
	m.mu.Lock()
	m.URLs = append(m.URLs, url)
	m.mu.Unlock()

	content, ok := m.Pages[url]
	if !ok {
		return nil, errors.New("fetch failed")
	}
	return &models.SourceExtract{URL: url, Content: content}, nil
}

// MemoryReportStore mirrors the store's create-or-update contract in memory.
type MemoryReportStore struct {
	mu      sync.Mutex
	Reports map[string]*models.Report
	Logs    map[string][]models.PipelineLogEntry
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{
		Reports: make(map[string]*models.Report),
		Logs:    make(map[string][]models.PipelineLogEntry),
	}
}

func (m *MemoryReportStore) SaveReport(ctx context.Context, report *models.Report) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if report.ID == "" {
		report.ID = models.GenerateReportID()
		saved := *report
		m.Reports[report.ID] = &saved
		return report.ID, nil
	}

	existing, ok := m.Reports[report.ID]
	if !ok {
		saved := *report
		m.Reports[report.ID] = &saved
		return report.ID, nil
	}
	models.ApplyContentUpdate(existing, report)
	return report.ID, nil
}

func (m *MemoryReportStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if report, ok := m.Reports[id]; ok {
		copied := *report
		return &copied, nil
	}
	return nil, models.ErrReportNotFound
}

func (m *MemoryReportStore) AppendLogEntry(ctx context.Context, reportID string, entry models.PipelineLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs[reportID] = append(m.Logs[reportID], entry)
	return nil
}

func (m *MemoryReportStore) GetLogEntries(ctx context.Context, reportID string) ([]models.PipelineLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]models.PipelineLogEntry(nil), m.Logs[reportID]...)
	models.SortLogEntries(entries)
	return entries, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Scraper: config.ScraperConfig{
			Timeout:         2 * time.Second,
			MaxContentChars: 15000,
			MinUsableChars:  500,
			MaxSources:      3,
		},
		YouTube: config.YouTubeConfig{
			ResultsPerKeyword: 3,
			Timeout:           time.Second,
		},
		Pipeline: config.PipelineConfig{
			KeywordCount:      5,
			MaxVideos:         5,
			TranscriptTimeout: time.Second,
		},
	}
}

func newTestOrchestrator(
	ai *MockAIService,
	videos *MockVideoSearcher,
	transcripts *MockTranscriptFetcher,
	scraper *MockPageScraper,
	store *MemoryReportStore,
) *services.Orchestrator {
	testLogger, _ := logger.New(config.LogConfig{Level: "error", Format: "json", Output: "stdout"})
	return services.NewOrchestrator(ai, videos, transcripts, scraper, store, testConfig(), testLogger)
}

func longArticle() string {
	return strings.Repeat("The officials confirmed the sequence of events in detail. ", 20)
}

func TestExecuteResearchFullRun(t *testing.T) {
	ai := &MockAIService{
		EvaluateFn: func(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error) {
			return []models.VideoEvaluation{
				{ExternalID: "v1", IsRelevant: true, Reason: "covers the event"},
				{ExternalID: "v2", IsRelevant: false, Reason: "off topic"},
			}, nil
		},
	}
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{
			"Alpha": {{ExternalID: "v1", Title: "Video One"}, {ExternalID: "v2", Title: "Video Two"}},
			"Beta":  {{ExternalID: "v2", Title: "Video Two"}},
		},
	}
	transcripts := &MockTranscriptFetcher{Transcripts: map[string]string{}} // v1 has no captions
	scraper := &MockPageScraper{Pages: map[string]string{"http://a": longArticle()}}
	store := NewMemoryReportStore()

	orchestrator := newTestOrchestrator(ai, videos, transcripts, scraper, store)

	response, err := orchestrator.ExecuteResearch(context.Background(), models.ResearchRequest{
		Topic:  "Example Event",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("ExecuteResearch failed: %v", err)
	}

	if response.Status != "completed" {
		t.Errorf("Expected status completed, got %s", response.Status)
	}
	if response.VideoCount != 1 {
		t.Errorf("Expected 1 video, got %d", response.VideoCount)
	}

	report, err := store.GetReport(context.Background(), response.ReportID)
	if err != nil {
		t.Fatalf("Report not persisted: %v", err)
	}
	if report.Type != models.ReportTypeManual {
		t.Errorf("Expected manual report type, got %s", report.Type)
	}
	if len(report.Videos) != 1 || report.Videos[0].ExternalID != "v1" {
		t.Fatalf("Expected only v1 in report, got %+v", report.Videos)
	}
	if report.Videos[0].Transcript != "Transcript unavailable for this video." {
		t.Errorf("Expected placeholder transcript, got %q", report.Videos[0].Transcript)
	}
	if !strings.Contains(report.Summary, "http://a") {
		t.Errorf("Expected final report to enumerate source URL, got %q", report.Summary)
	}

	logs, err := store.GetLogEntries(context.Background(), response.ReportID)
	if err != nil {
		t.Fatalf("GetLogEntries failed: %v", err)
	}
	if len(logs) == 0 {
		t.Error("Expected buffered log entries to be flushed after persistence")
	}
}

func TestExecuteResearchWithoutTopicIsWeekly(t *testing.T) {
	ai := &MockAIService{}
	videos := &MockVideoSearcher{}
	store := NewMemoryReportStore()
	scraper := &MockPageScraper{Pages: map[string]string{"http://a": longArticle()}}

	orchestrator := newTestOrchestrator(ai, videos, &MockTranscriptFetcher{}, scraper, store)

	response, err := orchestrator.ExecuteResearch(context.Background(), models.ResearchRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ExecuteResearch failed: %v", err)
	}

	report, _ := store.GetReport(context.Background(), response.ReportID)
	if report.Type != models.ReportTypeWeekly {
		t.Errorf("Expected weekly report type when no topic given, got %s", report.Type)
	}
}

func TestExecuteResearchUpdatesExistingReport(t *testing.T) {
	created := time.Now().Add(-24 * time.Hour)
	store := NewMemoryReportStore()
	store.Reports["rep-1"] = &models.Report{
		ID:        "rep-1",
		Status:    models.ReportStatusGenerating,
		Type:      models.ReportTypeWeekly,
		IsPublic:  true,
		UserID:    "owner-1",
		CreatedAt: created,
	}

	scraper := &MockPageScraper{Pages: map[string]string{"http://a": longArticle()}}
	orchestrator := newTestOrchestrator(&MockAIService{}, &MockVideoSearcher{}, &MockTranscriptFetcher{}, scraper, store)

	response, err := orchestrator.ExecuteResearch(context.Background(), models.ResearchRequest{
		Topic:    "Example Event",
		ReportID: "rep-1",
		UserID:   "someone-else",
	})
	if err != nil {
		t.Fatalf("ExecuteResearch failed: %v", err)
	}
	if response.ReportID != "rep-1" {
		t.Fatalf("Expected existing report id, got %s", response.ReportID)
	}

	report, _ := store.GetReport(context.Background(), "rep-1")
	if report.UserID != "owner-1" {
		t.Errorf("Update must not change report ownership, got %s", report.UserID)
	}
	if !report.IsPublic {
		t.Error("Update must not change report visibility")
	}
	if !report.CreatedAt.Equal(created) {
		t.Error("Update must not change creation time")
	}
	if report.Type != models.ReportTypeWeekly {
		t.Errorf("Update must not change report type, got %s", report.Type)
	}
	if report.Status != models.ReportStatusCompleted {
		t.Errorf("Expected status completed after update, got %s", report.Status)
	}
}

func TestDiscoverVideosDedupKeepsFirstSeen(t *testing.T) {
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{
			"Alpha": {{ExternalID: "v1"}, {ExternalID: "v2"}},
			"Beta":  {{ExternalID: "v2"}, {ExternalID: "v3"}},
			"Gamma": {{ExternalID: "v1"}},
		},
	}
	orchestrator := newTestOrchestrator(&MockAIService{}, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	result, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err != nil {
		t.Fatalf("DiscoverVideos failed: %v", err)
	}

	ids := make([]string, 0, len(result.Candidates))
	for _, candidate := range result.Candidates {
		ids = append(ids, candidate.ExternalID)
	}
	expected := []string{"v1", "v2", "v3"}
	if len(ids) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, ids)
	}
	for i := range expected {
		if ids[i] != expected[i] {
			t.Fatalf("Expected order %v, got %v", expected, ids)
		}
	}
	if result.Candidates[0].FoundByKeyword != "Alpha" || result.Candidates[1].FoundByKeyword != "Alpha" {
		t.Error("First-seen keyword must win attribution for duplicates")
	}
}

func TestDiscoverVideosCapsSelection(t *testing.T) {
	var manyVideos []models.Video
	for i := 0; i < 8; i++ {
		manyVideos = append(manyVideos, models.Video{ExternalID: fmt.Sprintf("v%d", i)})
	}
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{"Alpha": manyVideos},
	}
	orchestrator := newTestOrchestrator(&MockAIService{}, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	result, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err != nil {
		t.Fatalf("DiscoverVideos failed: %v", err)
	}

	if len(result.Candidates) != 5 {
		t.Fatalf("Expected selection capped at 5, got %d", len(result.Candidates))
	}
	for i, candidate := range result.Candidates {
		if candidate.ExternalID != fmt.Sprintf("v%d", i) {
			t.Errorf("Cap must keep discovery order, position %d got %s", i, candidate.ExternalID)
		}
	}
}

func TestDiscoverVideosToleratesMismatchedVerdicts(t *testing.T) {
	ai := &MockAIService{
		EvaluateFn: func(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error) {
			return []models.VideoEvaluation{
				{ExternalID: "v1", IsRelevant: true, Reason: "good"},
				{ExternalID: "unknown-id", IsRelevant: true, Reason: "hallucinated"},
				// no verdict at all for v2
			}, nil
		},
	}
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{
			"Alpha": {{ExternalID: "v1"}, {ExternalID: "v2"}},
		},
	}
	orchestrator := newTestOrchestrator(ai, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	result, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err != nil {
		t.Fatalf("DiscoverVideos failed: %v", err)
	}

	if len(result.Candidates) != 1 || result.Candidates[0].ExternalID != "v1" {
		t.Fatalf("Expected only v1 approved, got %+v", result.Candidates)
	}
}

func TestDiscoverVideosSkipsEvaluationWithoutCandidates(t *testing.T) {
	ai := &MockAIService{}
	videos := &MockVideoSearcher{} // every search returns nothing
	orchestrator := newTestOrchestrator(ai, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	result, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err != nil {
		t.Fatalf("DiscoverVideos failed: %v", err)
	}

	if ai.EvaluateCalled {
		t.Error("Evaluation must be skipped when there are no candidates")
	}
	if len(result.Candidates) != 0 {
		t.Errorf("Expected no candidates, got %d", len(result.Candidates))
	}
	if len(result.Queries) == 0 {
		t.Error("Keywords should still be reported when search finds nothing")
	}
}

func TestDiscoverVideosAbortsOnQuota(t *testing.T) {
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{
			"Alpha": {{ExternalID: "v1"}},
		},
		ErrByQuery: map[string]error{
			"Beta": models.NewQuotaError("YOUTUBE_QUOTA_EXCEEDED", "quota exceeded"),
		},
	}
	orchestrator := newTestOrchestrator(&MockAIService{}, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	_, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err == nil {
		t.Fatal("Expected quota exhaustion to abort discovery")
	}
	if !models.IsQuotaExceeded(err) {
		t.Errorf("Expected quota-category error, got %v", err)
	}
}

func TestDiscoverVideosToleratesSearchFailure(t *testing.T) {
	videos := &MockVideoSearcher{
		ResultsByQuery: map[string][]models.Video{
			"Alpha": {{ExternalID: "v1"}},
			"Gamma": {{ExternalID: "v2"}},
		},
		ErrByQuery: map[string]error{
			"Beta": errors.New("transient network failure"),
		},
	}
	orchestrator := newTestOrchestrator(&MockAIService{}, videos, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	result, err := orchestrator.DiscoverVideos(context.Background(), "summary")
	if err != nil {
		t.Fatalf("Non-quota search failure must not abort discovery: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Errorf("Expected candidates from surviving keywords, got %d", len(result.Candidates))
	}
}

func TestVerifySourcesFallbackOnShortExtracts(t *testing.T) {
	ai := &MockAIService{}
	scraper := &MockPageScraper{Pages: map[string]string{"http://a": "too short"}}
	orchestrator := newTestOrchestrator(ai, &MockVideoSearcher{}, &MockTranscriptFetcher{}, scraper, NewMemoryReportStore())

	analysis, err := orchestrator.VerifySources(context.Background(), "summary", []string{"http://a", "http://b"})
	if err != nil {
		t.Fatalf("VerifySources failed: %v", err)
	}

	if analysis != "Could not verify sources directly; relying on the news summary." {
		t.Errorf("Expected fallback analysis, got %q", analysis)
	}
	if ai.AnalyzeCalled {
		t.Error("Analysis must not run when no extract clears the threshold")
	}
}

func TestVerifySourcesUsesOnlyFirstThree(t *testing.T) {
	scraper := &MockPageScraper{Pages: map[string]string{
		"http://a": longArticle(),
		"http://b": longArticle(),
		"http://c": longArticle(),
		"http://d": longArticle(),
	}}
	orchestrator := newTestOrchestrator(&MockAIService{}, &MockVideoSearcher{}, &MockTranscriptFetcher{}, scraper, NewMemoryReportStore())

	_, err := orchestrator.VerifySources(context.Background(), "summary",
		[]string{"http://a", "http://b", "http://c", "http://d"})
	if err != nil {
		t.Fatalf("VerifySources failed: %v", err)
	}

	if len(scraper.URLs) != 3 {
		t.Errorf("Expected exactly 3 scrape attempts, got %d (%v)", len(scraper.URLs), scraper.URLs)
	}
}

func TestSynthesizeAndPersist(t *testing.T) {
	store := NewMemoryReportStore()
	orchestrator := newTestOrchestrator(&MockAIService{}, &MockVideoSearcher{}, &MockTranscriptFetcher{}, &MockPageScraper{}, store)

	response, err := orchestrator.SynthesizeAndPersist(context.Background(), &models.SynthesisRequest{
		Topic:       "Example Event",
		NewsSummary: "summary",
		Sources:     []models.Source{{URL: "http://a"}},
		Videos:      []models.Video{{ExternalID: "v1", Transcript: "text"}},
	})
	if err != nil {
		t.Fatalf("SynthesizeAndPersist failed: %v", err)
	}

	report, err := store.GetReport(context.Background(), response.ReportID)
	if err != nil {
		t.Fatalf("Report not persisted: %v", err)
	}
	if report.Ideas == "" {
		t.Error("Expected content ideas on the persisted report")
	}
	if report.VideoCount != 1 {
		t.Errorf("Expected video count 1, got %d", report.VideoCount)
	}
}

func TestExecuteResearchFailsWhenSynthesisFails(t *testing.T) {
	ai := &MockAIService{
		ComposeFn: func(ctx context.Context, pctx *models.PipelineContext) (string, error) {
			return "", errors.New("generation failed")
		},
	}
	scraper := &MockPageScraper{Pages: map[string]string{"http://a": longArticle()}}
	store := NewMemoryReportStore()
	orchestrator := newTestOrchestrator(ai, &MockVideoSearcher{}, &MockTranscriptFetcher{}, scraper, store)

	_, err := orchestrator.ExecuteResearch(context.Background(), models.ResearchRequest{Topic: "Example Event"})
	if err == nil {
		t.Fatal("Expected synthesis failure to fail the run")
	}
	if len(store.Reports) != 0 {
		t.Error("No report must be persisted when the run fails before persistence")
	}
}

func TestHealthCheckSkipsMocksWithoutChecks(t *testing.T) {
	orchestrator := newTestOrchestrator(&MockAIService{}, &MockVideoSearcher{}, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	if err := orchestrator.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestGetActiveRunCount(t *testing.T) {
	orchestrator := newTestOrchestrator(&MockAIService{}, &MockVideoSearcher{}, &MockTranscriptFetcher{}, &MockPageScraper{}, NewMemoryReportStore())

	if count := orchestrator.GetActiveRunCount(); count != 0 {
		t.Errorf("Expected 0 active runs, got %d", count)
	}
}
