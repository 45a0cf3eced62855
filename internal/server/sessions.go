package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	sessiondomain "github.com/smallbiznis/netcafe/internal/session/domain"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type startMemberSessionRequest struct {
	MemberID *snowflake.ID `json:"member_id"`
	RateID   *snowflake.ID `json:"rate_id,omitempty"`
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

type listSessionsQuery struct {
	pagination.Pagination
	DeviceID string `form:"device_id"`
	MemberID string `form:"member_id"`
	Status   string `form:"status"`
}

func (s *Server) StartGuestSession(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req sessiondomain.StartGuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.DeviceID = deviceID

	out, err := s.orchestrator.StartGuestSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": out})
}

func (s *Server) StartMemberSession(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req startMemberSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.MemberID == nil {
		AbortWithError(c, newValidationError("member_id", "invalid_member_id", "member_id is required"))
		return
	}

	out, err := s.orchestrator.StartMemberSession(c.Request.Context(), sessiondomain.StartMemberRequest{
		DeviceID: deviceID,
		MemberID: *req.MemberID,
		RateID:   req.RateID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": out})
}

func (s *Server) ListSessions(c *gin.Context) {
	var query listSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	deviceID, err := parseOptionalSnowflakeID(query.DeviceID)
	if err != nil {
		AbortWithError(c, newValidationError("device_id", "invalid_device_id", "invalid device_id"))
		return
	}
	memberID, err := parseOptionalSnowflakeID(query.MemberID)
	if err != nil {
		AbortWithError(c, newValidationError("member_id", "invalid_member_id", "invalid member_id"))
		return
	}

	resp, err := s.sessionSvc.List(c.Request.Context(), sessiondomain.ListSessionRequest{
		Pagination: query.Pagination,
		DeviceID:   deviceID,
		MemberID:   memberID,
		Status:     strings.TrimSpace(query.Status),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Sessions,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.sessionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) EndSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req endSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = sessiondomain.ReasonAdminStop
	}

	out, err := s.orchestrator.EndSession(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) PauseSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.orchestrator.Pause(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) ResumeSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.orchestrator.Resume(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}
