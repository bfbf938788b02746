package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// GeminiService is the grounded-search and structured-generation capability.
// Every pipeline stage that needs generated text or a schema-constrained
// value goes through here.
type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
}

type GenerationRequest struct {
	Prompt         string
	SystemRole     string
	MaxTokens      int32
	Temperature    *float32
	ResponseFormat string
	ResponseSchema *genai.Schema
	GroundWithWeb  bool
}

type GenerationResponse struct {
	Content        string
	Citations      []models.Source
	FinishReason   string
	ProcessingTime time.Duration
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, models.NewConfigurationError("GEMINI_API_KEY_MISSING", "Gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	log.Info("Gemini service initialized",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"max_attempts", cfg.MaxAttempts)

	return &GeminiService{
		client: client,
		config: cfg,
		logger: log,
	}, nil
}

func (service *GeminiService) generate(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	maxAttempts := service.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	response, err := backoff.Retry(ctx, func() (*GenerationResponse, error) {
		return service.makeGenerationRequest(ctx, request)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)

	duration := time.Since(startTime)
	if err != nil {
		service.logger.LogService("gemini", "generate", duration, map[string]any{
			"prompt_length": len(request.Prompt),
			"max_attempts":  maxAttempts,
		}, err)
		return nil, models.WrapExternalError("gemini", err)
	}

	response.ProcessingTime = duration
	service.logger.LogService("gemini", "generate", duration, map[string]any{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"citations":       len(response.Citations),
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		cfg.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	} else {
		cfg.MaxOutputTokens = service.config.MaxTokens
	}

	if req.ResponseFormat != "" {
		cfg.ResponseMIMEType = req.ResponseFormat
	}
	if req.ResponseSchema != nil {
		cfg.ResponseSchema = req.ResponseSchema
	}
	if req.GroundWithWeb {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		if genCtx.Err() != nil {
			return nil, models.NewTimeoutError("GEMINI_TIMEOUT", "generation call timed out").WithCause(err)
		}
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]

	text := ""
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	return &GenerationResponse{
		Content:      text,
		Citations:    extractCitations(candidate),
		FinishReason: string(candidate.FinishReason),
	}, nil
}

// extractCitations pulls {title, url} pairs out of the grounding metadata.
// A response without grounding chunks yields an empty list, not an error.
func extractCitations(candidate *genai.Candidate) []models.Source {
	sources := []models.Source{}
	if candidate.GroundingMetadata == nil {
		return sources
	}

	for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, models.Source{
			Title: chunk.Web.Title,
			URL:   chunk.Web.URI,
		})
	}
	return sources
}

// listModelNames enumerates the provider's available models. Diagnostic only:
// it is attached to a fatal news-discovery error to help debug credential and
// model-name problems, and its own failure is swallowed.
func (service *GeminiService) listModelNames(ctx context.Context) []string {
	listCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	var names []string
	for model, err := range service.client.Models.All(listCtx) {
		if err != nil {
			break
		}
		names = append(names, model.Name)
	}
	return names
}

// DiscoverNews runs the grounded search for recent news about a topic and
// returns the generated summary plus citation sources.
func (service *GeminiService) DiscoverNews(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error) {
	req := &GenerationRequest{
		Prompt:        service.buildNewsDiscoveryPrompt(topic),
		SystemRole:    "You are a news research assistant with live web search access.",
		GroundWithWeb: true,
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		available := service.listModelNames(context.WithoutCancel(ctx))
		appErr := models.WrapExternalError("news discovery", err)
		if len(available) > 0 {
			appErr = appErr.WithMetadata("available_models", available)
		}
		return nil, appErr
	}

	return &models.NewsDiscoveryResult{
		NewsSummary: resp.Content,
		Sources:     resp.Citations,
	}, nil
}

func (service *GeminiService) buildNewsDiscoveryPrompt(topic string) string {
	return fmt.Sprintf(`Research the latest credible news from the last 24 hours about: "%s"

Use web search to ground every claim. Then write a dense factual briefing that covers:
1. What happened, with names, places, numbers and dates.
2. Who the key actors are and what they said or did.
3. How the story developed over the last day.

Stick to what reputable outlets reported. No speculation, no filler.
Return only the briefing text.`, topic)
}

// AnalyzeSources asks the model to surface facts present in the scraped
// article text but absent from the summary, and to flag discrepancies.
func (service *GeminiService) AnalyzeSources(ctx context.Context, newsSummary string, extracts []models.SourceExtract) (string, error) {
	req := &GenerationRequest{
		Prompt:     service.buildDeepAnalysisPrompt(newsSummary, extracts),
		SystemRole: "You are a fact-checking analyst comparing a news summary against full article text.",
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("deep analysis generation failed: %w", err)
	}

	return resp.Content, nil
}

func (service *GeminiService) buildDeepAnalysisPrompt(newsSummary string, extracts []models.SourceExtract) string {
	var sb strings.Builder
	for i, extract := range extracts {
		sb.WriteString(fmt.Sprintf("--- ARTICLE %d (%s) ---\n%s\n\n", i+1, extract.URL, extract.Content))
	}

	return fmt.Sprintf(`A news summary was produced from search snippets. Below is the summary followed by the full text of its top sources.

SUMMARY:
%s

FULL ARTICLE TEXT:
%s

Your task:
1. List concrete facts that appear in the article text but are missing from the summary.
2. Flag any statement in the summary that the article text contradicts.
3. Note details the articles disagree on between themselves.

Format the result as markdown with short sections. If the articles fully confirm the summary and add nothing, say so in one line.`, newsSummary, sb.String())
}

// GenerateSearchKeywords asks for exactly keywordCount broad single-word
// search terms, schema-constrained to an array of strings. The model is
// trusted to honor the schema; the raw list is logged for observability.
func (service *GeminiService) GenerateSearchKeywords(ctx context.Context, newsSummary string, keywordCount int) ([]string, error) {
	req := &GenerationRequest{
		Prompt:         service.buildKeywordPrompt(newsSummary, keywordCount),
		SystemRole:     "You extract video search terms from news text.",
		ResponseFormat: "application/json",
		ResponseSchema: &genai.Schema{
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword generation failed: %w", err)
	}

	var keywords []string
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &keywords); err != nil {
		return nil, models.NewInternalError("KEYWORD_PARSE_FAILED", "keyword response did not parse as a string array").WithCause(err)
	}

	service.logger.Info("Generated video search keywords", "keywords", keywords)
	return keywords, nil
}

func (service *GeminiService) buildKeywordPrompt(newsSummary string, keywordCount int) string {
	return fmt.Sprintf(`From the news story below, produce exactly %d broad, single-word search terms for finding related video footage.

Rules:
- Prefer proper nouns: places, people, organizations.
- One word each. No phrases.
- No abstract nouns like "crisis", "conflict", "economy".

NEWS STORY:
%s

Return a JSON array of %d strings.`, keywordCount, newsSummary, keywordCount)
}

// EvaluateCandidates asks for a yes/no relevance verdict per candidate,
// schema-constrained to an array of {id, isRelevant, reason}. The response
// set may not match the submitted set; the caller matches tolerantly.
func (service *GeminiService) EvaluateCandidates(ctx context.Context, newsSummary string, candidates []models.Video) ([]models.VideoEvaluation, error) {
	req := &GenerationRequest{
		Prompt:         service.buildEvaluationPrompt(newsSummary, candidates),
		SystemRole:     "You judge whether video search results are evidence for a news story.",
		ResponseFormat: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"id":         {Type: genai.TypeString},
					"isRelevant": {Type: genai.TypeBoolean},
					"reason":     {Type: genai.TypeString},
				},
				Required: []string{"id", "isRelevant"},
			},
		},
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("candidate evaluation failed: %w", err)
	}

	var evaluations []models.VideoEvaluation
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &evaluations); err != nil {
		return nil, models.NewInternalError("EVALUATION_PARSE_FAILED", "evaluation response did not parse").WithCause(err)
	}

	return evaluations, nil
}

func (service *GeminiService) buildEvaluationPrompt(newsSummary string, candidates []models.Video) string {
	var sb strings.Builder
	for _, candidate := range candidates {
		sb.WriteString(fmt.Sprintf("- id: %s | title: %s | description: %s\n",
			candidate.ExternalID, candidate.Title, truncate(candidate.Description, 150)))
	}

	return fmt.Sprintf(`NEWS STORY:
%s

VIDEO CANDIDATES:
%s

For every candidate, judge whether the video is plausibly evidence for, or direct coverage of, this specific news story.
Mark isRelevant false for unrelated, generic or stale content - channel trailers, old uploads, topic-adjacent commentary.
Give a one-sentence reason for each verdict.

Return a JSON array with one object per candidate: {"id": "...", "isRelevant": true/false, "reason": "..."}.`, newsSummary, sb.String())
}

// ComposeReport builds the final markdown report with the fixed section
// skeleton. The SOURCES section must literally enumerate the citation list.
func (service *GeminiService) ComposeReport(ctx context.Context, pctx *models.PipelineContext) (string, error) {
	req := &GenerationRequest{
		Prompt:     service.buildReportPrompt(pctx),
		SystemRole: "You write structured news intelligence reports in markdown.",
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("report composition failed: %w", err)
	}

	return resp.Content, nil
}

func (service *GeminiService) buildReportPrompt(pctx *models.PipelineContext) string {
	var videos strings.Builder
	if len(pctx.Videos) == 0 {
		videos.WriteString("(no video evidence was found)\n")
	}
	for _, video := range pctx.Videos {
		videos.WriteString(fmt.Sprintf("- \"%s\" by %s\n  transcript: %s\n",
			video.Title, video.Channel, truncate(video.Transcript, 2000)))
	}

	var sources strings.Builder
	for _, source := range pctx.Sources {
		sources.WriteString(fmt.Sprintf("- %s (%s)\n", source.Title, source.URL))
	}

	deepAnalysis := pctx.DeepAnalysis
	if deepAnalysis == "" {
		deepAnalysis = "(no deep verification was performed)"
	}

	return fmt.Sprintf(`Write a markdown news intelligence report about "%s" using only the material below.

NEWS SUMMARY:
%s

DEEP ANALYSIS:
%s

VIDEO EVIDENCE (titles, channels, transcripts):
%s
SEARCH QUERIES USED: %s

CITED SOURCES:
%s

The report must follow this exact section skeleton:
1. A narrative title as a top-level heading.
2. "## OFFICIAL NARRATIVE" - what mainstream reporting says happened.
3. "## DEEP DIVE" - facts and discrepancies surfaced by source verification.
4. "## VIDEO EVIDENCE" - what the video transcripts add, per video.
5. "## SOCIAL PULSE" - how the story is being discussed, inferred from the material.
6. "## ANALYSIS" - synthesis: what is established, what is contested, what to watch.
7. "## SOURCES" - enumerate every cited source above, one per line, with its URL. Do not omit or invent any.

Return only the markdown report.`,
		pctx.Topic, pctx.NewsSummary, deepAnalysis, videos.String(),
		strings.Join(pctx.SearchQueries, ", "), sources.String())
}

// ComposeContentIdeas derives short-form content ideas from the finished
// report. It consumes the report text verbatim, so it can only run after
// ComposeReport has completed.
func (service *GeminiService) ComposeContentIdeas(ctx context.Context, finalReport string) (string, error) {
	req := &GenerationRequest{
		Prompt: fmt.Sprintf(`Below is a finished news intelligence report.

%s

Propose exactly 3 short-form content ideas based on it (video shorts, threads or posts).
For each: a hook line, the angle in one sentence, and the key fact to feature.
Number them 1 to 3.`, finalReport),
		SystemRole: "You turn research reports into short-form content ideas.",
	}

	resp, err := service.generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("content idea generation failed: %w", err)
	}

	return resp.Content, nil
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var temperature float32 = 0
	resp, err := service.generate(testCtx, &GenerationRequest{
		Prompt:      "Respond with 'OK' if you can process this request",
		Temperature: &temperature,
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	if resp.Content == "" {
		return fmt.Errorf("gemini health check returned empty response")
	}
	return nil
}

func stripCodeFences(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimSuffix(response, "```")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
	}
	return strings.TrimSpace(response)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
