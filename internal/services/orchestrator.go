package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// Capability interfaces consumed by the orchestrator. The concrete services
// in this package implement them; tests substitute mocks.

type NewsIntelligence interface {
	DiscoverNews(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error)
	AnalyzeSources(ctx context.Context, newsSummary string, extracts []models.SourceExtract) (string, error)
	GenerateSearchKeywords(ctx context.Context, newsSummary string, keywordCount int) ([]string, error)
	EvaluateCandidates(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error)
	ComposeReport(ctx context.Context, pctx *models.PipelineContext) (string, error)
	ComposeContentIdeas(ctx context.Context, finalReport string) (string, error)
}

type VideoSearcher interface {
	Search(ctx context.Context, query string, maxResults int64) ([]models.Video, error)
}

type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID string) (string, error)
}

type PageScraper interface {
	Extract(ctx context.Context, url string) (*models.SourceExtract, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, report *models.Report) (string, error)
	GetReport(ctx context.Context, id string) (*models.Report, error)
	AppendLogEntry(ctx context.Context, reportID string, entry models.PipelineLogEntry) error
	GetLogEntries(ctx context.Context, reportID string) ([]models.PipelineLogEntry, error)
}

const (
	stageNewsDiscovery  = "news_discovery"
	stageVerification   = "deep_verification"
	stageVideoDiscovery = "video_discovery"
	stageTranscripts    = "transcript_aggregation"
	stageSynthesis      = "synthesis"
	stagePersistence    = "persistence"

	transcriptPlaceholder = "Transcript unavailable for this video."
	deepAnalysisFallback  = "Could not verify sources directly; relying on the news summary."
	defaultWeeklyTopic    = "this week's most significant world news"
)

// Orchestrator owns the PipelineContext of each run end to end and calls the
// stages as ordered steps, so no caller has to thread stage outputs back in
// by hand.
type Orchestrator struct {
	ai          NewsIntelligence
	videos      VideoSearcher
	transcripts TranscriptFetcher
	scraper     PageScraper
	store       ReportStore

	config *config.Config
	logger *logger.Logger

	activeRuns sync.Map // run id -> *models.PipelineContext
	startTime  time.Time
}

func NewOrchestrator(
	ai NewsIntelligence,
	videos VideoSearcher,
	transcripts TranscriptFetcher,
	scraper PageScraper,
	store ReportStore,
	cfg *config.Config,
	log *logger.Logger,
) *Orchestrator {
	orchestrator := &Orchestrator{
		ai:          ai,
		videos:      videos,
		transcripts: transcripts,
		scraper:     scraper,
		store:       store,
		config:      cfg,
		logger:      log,
		startTime:   time.Now(),
	}

	log.Info("Orchestrator initialized",
		"stages", []string{stageNewsDiscovery, stageVerification, stageVideoDiscovery, stageTranscripts, stageSynthesis, stagePersistence})

	return orchestrator
}

// ExecuteResearch runs the full pipeline for one request and persists the
// resulting report. Stage-fatal errors abort the remaining stages; tolerated
// failures degrade the run (fallback analysis, placeholder transcripts)
// without stopping it.
func (o *Orchestrator) ExecuteResearch(ctx context.Context, req models.ResearchRequest) (*models.ResearchResponse, error) {
	req.TopicProvided = req.Topic != ""
	if req.Topic == "" {
		req.Topic = defaultWeeklyTopic
	}

	pctx := models.NewPipelineContext(req)
	pctx.MarkRunning()

	o.activeRuns.Store(pctx.RunID, pctx)
	defer o.activeRuns.Delete(pctx.RunID)

	rl := o.newRunLog(req.ReportID)
	rl.add(ctx, stageNewsDiscovery, fmt.Sprintf("Research started for topic: %s", pctx.Topic), models.LogEntryInfo, nil)

	startTime := time.Now()

	// Stage 1: news discovery, fatal on failure.
	news, err := o.ai.DiscoverNews(ctx, pctx.Topic)
	if err != nil {
		return o.failRun(ctx, pctx, rl, stageNewsDiscovery, err)
	}
	pctx.NewsSummary = news.NewsSummary
	pctx.Sources = news.Sources
	rl.add(ctx, stageNewsDiscovery, fmt.Sprintf("Found news summary with %d sources", len(news.Sources)), models.LogEntrySuccess, nil)

	// Stage 2: deep verification. Failure degrades to the fallback analysis.
	analysis, err := o.verifySources(ctx, pctx.NewsSummary, pctx.Sources, rl)
	if err != nil {
		rl.add(ctx, stageVerification, fmt.Sprintf("Verification failed, continuing without it: %v", err), models.LogEntryWarning, nil)
		analysis = deepAnalysisFallback
	}
	pctx.DeepAnalysis = analysis

	// Stage 3: video discovery, fatal on quota exhaustion or a keyword or
	// evaluation parse failure.
	discovery, err := o.discoverVideos(ctx, pctx.NewsSummary, rl)
	if err != nil {
		return o.failRun(ctx, pctx, rl, stageVideoDiscovery, err)
	}
	pctx.SearchQueries = discovery.Queries

	// Stage 4: transcripts. Never fails; worst case every video carries the
	// placeholder.
	pctx.Videos = o.aggregateTranscripts(ctx, discovery.Candidates, rl)

	// Stage 5: synthesis. The ideas call consumes the finished report, so
	// the two generations are strictly sequential.
	finalReport, err := o.ai.ComposeReport(ctx, pctx)
	if err != nil {
		return o.failRun(ctx, pctx, rl, stageSynthesis, err)
	}
	pctx.FinalReport = finalReport

	ideas, err := o.ai.ComposeContentIdeas(ctx, finalReport)
	if err != nil {
		return o.failRun(ctx, pctx, rl, stageSynthesis, err)
	}
	pctx.Ideas = ideas
	rl.add(ctx, stageSynthesis, "Report and content ideas generated", models.LogEntrySuccess, nil)

	// Stage 6: persistence, the run's only durable side effect.
	reportID, err := o.store.SaveReport(ctx, pctx.ToReport())
	if err != nil {
		return o.failRun(ctx, pctx, rl, stagePersistence, err)
	}
	rl.bind(ctx, reportID)
	rl.add(ctx, stagePersistence, fmt.Sprintf("Report persisted with %d videos", len(pctx.Videos)), models.LogEntrySuccess, nil)

	pctx.MarkCompleted()
	duration := time.Since(startTime)
	o.logger.LogStage(pctx.RunID, "pipeline", "completed", duration, nil)

	totalMs := float64(duration.Milliseconds())
	return &models.ResearchResponse{
		ReportID:    reportID,
		RunID:       pctx.RunID,
		Summary:     pctx.FinalReport,
		Status:      string(models.ReportStatusCompleted),
		VideoCount:  len(pctx.Videos),
		Timestamp:   time.Now(),
		TotalTimeMs: &totalMs,
	}, nil
}

func (o *Orchestrator) failRun(ctx context.Context, pctx *models.PipelineContext, rl *runLog, stage string, err error) (*models.ResearchResponse, error) {
	pctx.MarkFailed()
	rl.add(ctx, stage, fmt.Sprintf("Stage failed: %v", err), models.LogEntryError, nil)
	o.logger.LogStage(pctx.RunID, stage, "failed", pctx.Duration(), err)
	return nil, fmt.Errorf("%s stage failed: %w", stage, err)
}

// DiscoverNews is the stage-level entry point for news discovery.
func (o *Orchestrator) DiscoverNews(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error) {
	if topic == "" {
		topic = defaultWeeklyTopic
	}
	result, err := o.ai.DiscoverNews(ctx, topic)
	if err != nil {
		return nil, err
	}
	if result.Sources == nil {
		result.Sources = []models.Source{}
	}
	return result, nil
}

// VerifySources is the stage-level entry point for deep verification. The
// returned analysis is always usable: when no source yields enough text it is
// the fallback marker rather than an error.
func (o *Orchestrator) VerifySources(ctx context.Context, newsSummary string, sourceURLs []string) (string, error) {
	sources := make([]models.Source, 0, len(sourceURLs))
	for _, u := range sourceURLs {
		sources = append(sources, models.Source{URL: u})
	}
	return o.verifySources(ctx, newsSummary, sources, o.newRunLog(""))
}

func (o *Orchestrator) verifySources(ctx context.Context, newsSummary string, sources []models.Source, rl *runLog) (string, error) {
	maxSources := o.config.Scraper.MaxSources
	if len(sources) < maxSources {
		maxSources = len(sources)
	}

	var extracts []models.SourceExtract
	for _, source := range sources[:maxSources] {
		scrapeCtx, cancel := context.WithTimeout(ctx, o.config.Scraper.Timeout)
		extract, err := o.scraper.Extract(scrapeCtx, source.URL)
		cancel()

		if err != nil {
			rl.add(ctx, stageVerification, fmt.Sprintf("Could not fetch %s: %v", source.URL, err), models.LogEntryWarning, nil)
			continue
		}
		if len(extract.Content) < o.config.Scraper.MinUsableChars {
			rl.add(ctx, stageVerification, fmt.Sprintf("Discarded %s: extract too short (%d chars)", source.URL, len(extract.Content)), models.LogEntryInfo, nil)
			continue
		}
		extracts = append(extracts, *extract)
	}

	if len(extracts) == 0 {
		rl.add(ctx, stageVerification, "No source yielded usable text, relying on summary", models.LogEntryWarning, nil)
		return deepAnalysisFallback, nil
	}

	analysis, err := o.ai.AnalyzeSources(ctx, newsSummary, extracts)
	if err != nil {
		return "", err
	}

	rl.add(ctx, stageVerification, fmt.Sprintf("Deep analysis built from %d of %d sources", len(extracts), maxSources), models.LogEntrySuccess, nil)
	return analysis, nil
}

// DiscoverVideos is the stage-level entry point for video discovery.
func (o *Orchestrator) DiscoverVideos(ctx context.Context, newsSummary string) (*models.VideoDiscoveryResult, error) {
	return o.discoverVideos(ctx, newsSummary, o.newRunLog(""))
}

// discoverVideos runs the four discovery phases: keyword generation, wide-net
// search with stable dedup, AI relevance filtering with tolerant id matching,
// and capped selection.
func (o *Orchestrator) discoverVideos(ctx context.Context, newsSummary string, rl *runLog) (*models.VideoDiscoveryResult, error) {
	debug := []string{}

	keywords, err := o.ai.GenerateSearchKeywords(ctx, newsSummary, o.config.Pipeline.KeywordCount)
	if err != nil {
		return nil, err
	}
	debug = append(debug, fmt.Sprintf("generated %d keywords: %v", len(keywords), keywords))
	rl.add(ctx, stageVideoDiscovery, fmt.Sprintf("Search keywords: %v", keywords), models.LogEntryInfo, nil)

	// Searches run sequentially to respect provider rate limits. Dedup keeps
	// the first occurrence so the earliest keyword wins attribution.
	seen := make(map[string]bool)
	var candidates []models.Video

	for _, keyword := range keywords {
		results, err := o.videos.Search(ctx, keyword, o.config.YouTube.ResultsPerKeyword)
		if err != nil {
			if models.IsQuotaExceeded(err) {
				rl.add(ctx, stageVideoDiscovery, fmt.Sprintf("Video search quota exhausted: %v", err), models.LogEntryError, nil)
				return nil, err
			}
			debug = append(debug, fmt.Sprintf("keyword %q: search failed: %v", keyword, err))
			rl.add(ctx, stageVideoDiscovery, fmt.Sprintf("Search for %q failed, skipping keyword", keyword), models.LogEntryWarning, nil)
			continue
		}

		for _, video := range results {
			if seen[video.ExternalID] {
				continue
			}
			seen[video.ExternalID] = true
			video.FoundByKeyword = keyword
			candidates = append(candidates, video)
		}
		debug = append(debug, fmt.Sprintf("keyword %q: %d results", keyword, len(results)))
	}
	debug = append(debug, fmt.Sprintf("%d distinct candidates after dedup", len(candidates)))

	if len(candidates) == 0 {
		rl.add(ctx, stageVideoDiscovery, "No video candidates found", models.LogEntryWarning, nil)
		return &models.VideoDiscoveryResult{Candidates: []models.Video{}, Queries: keywords, Debug: debug}, nil
	}

	// The verdict set may not line up with the candidate set: verdicts for
	// unknown ids are ignored, candidates without a verdict count as
	// rejected, and the first verdict per id wins.
	evaluations, err := o.ai.EvaluateCandidates(ctx, newsSummary, candidates)
	if err != nil {
		return nil, err
	}

	verdicts := make(map[string]models.VideoEvaluation)
	for _, evaluation := range evaluations {
		if !seen[evaluation.ExternalID] {
			debug = append(debug, fmt.Sprintf("ignoring verdict for unknown id %q", evaluation.ExternalID))
			continue
		}
		if _, exists := verdicts[evaluation.ExternalID]; exists {
			continue
		}
		verdicts[evaluation.ExternalID] = evaluation
	}

	var selected []models.Video
	for _, candidate := range candidates {
		verdict, judged := verdicts[candidate.ExternalID]
		decision := "rejected"
		reason := verdict.Reason
		if !judged {
			reason = "no verdict returned for this candidate"
		} else if verdict.IsRelevant {
			decision = "approved"
		}

		rl.add(ctx, stageVideoDiscovery,
			fmt.Sprintf("%s %q (%s)", decision, candidate.Title, candidate.ExternalID),
			models.LogEntryAIDecision,
			&models.LogEntryData{
				Decision: decision,
				Quality:  reason,
				Metrics:  map[string]any{"found_by": candidate.FoundByKeyword},
			})

		if judged && verdict.IsRelevant && len(selected) < o.config.Pipeline.MaxVideos {
			selected = append(selected, candidate)
		}
	}
	debug = append(debug, fmt.Sprintf("%d of %d candidates approved (cap %d)", len(selected), len(candidates), o.config.Pipeline.MaxVideos))

	rl.add(ctx, stageVideoDiscovery, fmt.Sprintf("Selected %d relevant videos", len(selected)), models.LogEntrySuccess, nil)
	return &models.VideoDiscoveryResult{Candidates: selected, Queries: keywords, Debug: debug}, nil
}

// aggregateTranscripts resolves a transcript per approved video, substituting
// the placeholder for anything that fails. Output order matches input order.
func (o *Orchestrator) aggregateTranscripts(ctx context.Context, videos []models.Video, rl *runLog) []models.Video {
	result := make([]models.Video, len(videos))
	copy(result, videos)

	for i := range result {
		fetchCtx, cancel := context.WithTimeout(ctx, o.config.Pipeline.TranscriptTimeout)
		transcript, err := o.transcripts.Fetch(fetchCtx, result[i].ExternalID)
		cancel()

		if err != nil {
			result[i].Transcript = transcriptPlaceholder
			rl.add(ctx, stageTranscripts, fmt.Sprintf("No transcript for %s, using placeholder", result[i].ExternalID), models.LogEntryWarning, nil)
			continue
		}
		result[i].Transcript = transcript
	}

	if len(result) > 0 {
		rl.add(ctx, stageTranscripts, fmt.Sprintf("Resolved transcripts for %d videos", len(result)), models.LogEntrySuccess, nil)
	}
	return result
}

// SynthesizeAndPersist composes the final report from already-gathered
// materials and persists it.
func (o *Orchestrator) SynthesizeAndPersist(ctx context.Context, req *models.SynthesisRequest) (*models.ResearchResponse, error) {
	request := models.ResearchRequest{
		Topic:         req.Topic,
		ReportID:      req.ReportID,
		IsPublic:      req.IsPublic,
		UserID:        req.UserID,
		TopicProvided: req.Topic != "",
	}
	if request.Topic == "" {
		request.Topic = defaultWeeklyTopic
	}

	pctx := models.NewPipelineContext(request)
	pctx.NewsSummary = req.NewsSummary
	pctx.DeepAnalysis = req.DeepAnalysis
	pctx.Sources = req.Sources
	pctx.Videos = req.Videos
	pctx.SearchQueries = req.Queries

	rl := o.newRunLog(req.ReportID)

	finalReport, err := o.ai.ComposeReport(ctx, pctx)
	if err != nil {
		return nil, fmt.Errorf("%s stage failed: %w", stageSynthesis, err)
	}
	pctx.FinalReport = finalReport

	ideas, err := o.ai.ComposeContentIdeas(ctx, finalReport)
	if err != nil {
		return nil, fmt.Errorf("%s stage failed: %w", stageSynthesis, err)
	}
	pctx.Ideas = ideas

	reportID, err := o.store.SaveReport(ctx, pctx.ToReport())
	if err != nil {
		return nil, fmt.Errorf("%s stage failed: %w", stagePersistence, err)
	}
	rl.bind(ctx, reportID)
	rl.add(ctx, stagePersistence, fmt.Sprintf("Report persisted with %d videos", len(pctx.Videos)), models.LogEntrySuccess, nil)

	pctx.MarkCompleted()
	return &models.ResearchResponse{
		ReportID:   reportID,
		RunID:      pctx.RunID,
		Summary:    finalReport,
		Status:     string(models.ReportStatusCompleted),
		VideoCount: len(pctx.Videos),
		Timestamp:  time.Now(),
	}, nil
}

func (o *Orchestrator) GetReport(ctx context.Context, id string) (*models.Report, error) {
	return o.store.GetReport(ctx, id)
}

func (o *Orchestrator) GetReportLogs(ctx context.Context, id string) ([]models.PipelineLogEntry, error) {
	return o.store.GetLogEntries(ctx, id)
}

func (o *Orchestrator) GetActiveRunCount() int {
	count := 0
	o.activeRuns.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (o *Orchestrator) GetStats() map[string]any {
	return map[string]any{
		"active_runs":    o.GetActiveRunCount(),
		"uptime_seconds": time.Since(o.startTime).Seconds(),
	}
}

// HealthCheck probes every dependency that exposes a health check. Test
// doubles without one are simply skipped.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	deps := map[string]any{
		"ai":           o.ai,
		"video_search": o.videos,
		"scraper":      o.scraper,
		"store":        o.store,
	}

	for name, dep := range deps {
		checker, ok := dep.(interface{ HealthCheck(context.Context) error })
		if !ok {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("dependency %s unhealthy: %w", name, err)
		}
	}
	return nil
}

// Close waits for in-flight runs to drain, up to a bound.
func (o *Orchestrator) Close() error {
	o.logger.Info("Orchestrator shutting down")

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			if active := o.GetActiveRunCount(); active > 0 {
				o.logger.Warn("Timed out waiting for runs to finish", "active_runs", active)
			}
			return nil
		case <-ticker.C:
			if o.GetActiveRunCount() == 0 {
				o.logger.Info("All runs completed, orchestrator closed")
				return nil
			}
		}
	}
}
