package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
)

const targetTypeRate = "rate"

func (s *Server) CreateRate(c *gin.Context) {
	var req ratedomain.CreateRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	rate, err := s.rateSvc.Create(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_ = s.auditSvc.Record(ctx, auditdomain.ActionRateCreated, targetTypeRate, rate.ID.String(), map[string]any{
		"name":           rate.Name,
		"price_per_unit": rate.PricePerUnit.String(),
		"unit_minutes":   rate.UnitMinutes,
		"is_default":     rate.IsDefault,
	})

	c.JSON(http.StatusCreated, gin.H{"data": rate})
}

func (s *Server) ListRates(c *gin.Context) {
	includeArchived, err := parseOptionalBool(c.Query("include_archived"))
	if err != nil {
		AbortWithError(c, newValidationError("include_archived", "invalid_include_archived", "invalid include_archived"))
		return
	}

	rates, err := s.rateSvc.List(c.Request.Context(), includeArchived != nil && *includeArchived)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rates})
}

func (s *Server) GetRate(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rate, err := s.rateSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rate})
}

func (s *Server) GetDefaultRate(c *gin.Context) {
	rate, err := s.rateSvc.GetDefault(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rate})
}

// ReviseRate supersedes the rate with a new version. Open sessions keep the
// price they started with.
func (s *Server) ReviseRate(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req ratedomain.ReviseRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	rate, err := s.rateSvc.Revise(ctx, id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_ = s.auditSvc.Record(ctx, auditdomain.ActionRateRevised, targetTypeRate, rate.ID.String(), map[string]any{
		"previous_rate_id": id.String(),
		"version":          rate.Version,
		"price_per_unit":   rate.PricePerUnit.String(),
		"unit_minutes":     rate.UnitMinutes,
	})

	c.JSON(http.StatusOK, gin.H{"data": rate})
}
