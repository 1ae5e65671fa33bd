package server

import (
	"net/http"
	"strings"
	"time"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

type recordUsageRequest struct {
	SPUs       int64      `json:"spus"`
	Operation  string     `json:"operation"`
	Source     string     `json:"source"`
	RecordedAt *time.Time `json:"recorded_at"`

	LLMProvider  string   `json:"llm_provider"`
	LLMModel     string   `json:"llm_model"`
	InputTokens  *int64   `json:"input_tokens"`
	OutputTokens *int64   `json:"output_tokens"`
	CostUSD      *float64 `json:"cost_usd"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	domainReq := billingdomain.RecordUsageRequest{
		OrgID:        s.orgID(c),
		SPUs:         req.SPUs,
		Operation:    strings.TrimSpace(req.Operation),
		Source:       strings.TrimSpace(req.Source),
		LLMProvider:  strings.TrimSpace(req.LLMProvider),
		LLMModel:     strings.TrimSpace(req.LLMModel),
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostUSD:      req.CostUSD,
	}
	if req.RecordedAt != nil {
		domainReq.RecordedAt = *req.RecordedAt
	}

	allocation, err := s.billingSvc.Record(c.Request.Context(), domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, allocation)
}

type checkLimitRequest struct {
	SPUs int64 `json:"spus"`
}

func (s *Server) CheckLimit(c *gin.Context) {
	var req checkLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.billingSvc.CheckLimit(c.Request.Context(), s.orgID(c), req.SPUs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	usage, err := s.billingSvc.GetCurrentUsage(c.Request.Context(), s.orgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) GetUsageRange(c *gin.Context) {
	from, err := parseDay(c.Query("from"))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	to, err := parseDay(c.Query("to"))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	days, err := s.billingSvc.GetUsageRange(c.Request.Context(), s.orgID(c), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"days": days})
}

func (s *Server) ListUsageRecords(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	records, info, err := s.billingSvc.GetUsageRecords(c.Request.Context(), s.orgID(c), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records, "page_info": info})
}

func parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidRequest
	}
	if day, err := time.Parse("2006-01-02", raw); err == nil {
		return day.UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
