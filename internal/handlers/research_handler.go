package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vera-ai-pipeline/internal/models"
	"vera-ai-pipeline/internal/pkg/logger"
)

// ResearchService is the pipeline surface the HTTP layer needs; the
// orchestrator implements it.
type ResearchService interface {
	ExecuteResearch(ctx context.Context, req models.ResearchRequest) (*models.ResearchResponse, error)
	DiscoverNews(ctx context.Context, topic string) (*models.NewsDiscoveryResult, error)
	VerifySources(ctx context.Context, newsSummary string, sourceURLs []string) (string, error)
	DiscoverVideos(ctx context.Context, newsSummary string) (*models.VideoDiscoveryResult, error)
	SynthesizeAndPersist(ctx context.Context, req *models.SynthesisRequest) (*models.ResearchResponse, error)
	GetReport(ctx context.Context, id string) (*models.Report, error)
	GetReportLogs(ctx context.Context, id string) ([]models.PipelineLogEntry, error)
	HealthCheck(ctx context.Context) error
	GetStats() map[string]any
}

type ResearchHandler struct {
	service ResearchService
	logger  *logger.Logger
}

func NewResearchHandler(service ResearchService, log *logger.Logger) *ResearchHandler {
	return &ResearchHandler{
		service: service,
		logger:  log,
	}
}

// RegisterRoutes wires the handler into the router.
func (h *ResearchHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/research", h.Research)
		v1.POST("/research/news", h.News)
		v1.POST("/research/verify", h.Verify)
		v1.POST("/research/videos", h.Videos)
		v1.POST("/research/synthesize", h.Synthesize)

		v1.GET("/reports/:id", h.GetReport)
		v1.GET("/reports/:id/logs", h.GetReportLogs)
	}
}

type newsRequest struct {
	Topic  string `json:"topic"`
	Region string `json:"region"`
}

type verifyRequest struct {
	NewsSummary string   `json:"newsSummary" binding:"required"`
	Sources     []string `json:"sources"`
}

type videosRequest struct {
	NewsSummary string `json:"newsSummary" binding:"required"`
}

// Research runs the whole pipeline for one request.
func (h *ResearchHandler) Research(c *gin.Context) {
	var req models.ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	response, err := h.service.ExecuteResearch(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// News runs news discovery on its own.
func (h *ResearchHandler) News(c *gin.Context) {
	var req newsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.service.DiscoverNews(c.Request.Context(), req.Topic)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Verify runs deep verification over a set of source URLs.
func (h *ResearchHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	analysis, err := h.service.VerifySources(c.Request.Context(), req.NewsSummary, req.Sources)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deepAnalysis": analysis})
}

// Videos runs video discovery over an existing news summary.
func (h *ResearchHandler) Videos(c *gin.Context) {
	var req videosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.service.DiscoverVideos(c.Request.Context(), req.NewsSummary)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Synthesize composes and persists the final report from gathered materials.
func (h *ResearchHandler) Synthesize(c *gin.Context) {
	var req models.SynthesisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	response, err := h.service.SynthesizeAndPersist(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *ResearchHandler) GetReport(c *gin.Context) {
	report, err := h.service.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *ResearchHandler) GetReportLogs(c *gin.Context) {
	entries, err := h.service.GetReportLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

func (h *ResearchHandler) Health(c *gin.Context) {
	if err := h.service.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"stats":     h.service.GetStats(),
		"timestamp": time.Now(),
	})
}

// respondError maps the error taxonomy onto HTTP statuses and surfaces any
// diagnostic metadata (available models, discovery debug trail) alongside
// the message.
func (h *ResearchHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	payload := gin.H{"error": err.Error()}

	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Category {
		case models.ErrorCategoryConfiguration:
			status = http.StatusInternalServerError
		case models.ErrorCategoryQuota:
			status = http.StatusTooManyRequests
		case models.ErrorCategoryTimeout:
			status = http.StatusGatewayTimeout
		case models.ErrorCategoryExternal:
			status = http.StatusBadGateway
		}
		if appErr.Code == "REPORT_NOT_FOUND" {
			status = http.StatusNotFound
		}

		payload["code"] = appErr.Code
		if len(appErr.Metadata) > 0 {
			payload["metadata"] = appErr.Metadata
		}
	}

	h.logger.WithError(err).Error("Request failed",
		"path", c.Request.URL.Path, "status", status)
	c.JSON(status, payload)
}
