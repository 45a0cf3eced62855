package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	sessiondomain "github.com/smallbiznis/netcafe/internal/session/domain"
)

type memberLoginRequest struct {
	DeviceID *snowflake.ID `json:"device_id"`
	MemberID *snowflake.ID `json:"member_id,omitempty"`
	RateID   *snowflake.ID `json:"rate_id,omitempty"`
}

// memberFromRequest resolves the acting member. X-Actor-ID wins; a body or
// path id that names someone else is rejected.
func memberFromRequest(c *gin.Context, claimed *snowflake.ID) (snowflake.ID, error) {
	actor, hasActor := actorID(c)
	switch {
	case hasActor && claimed != nil && *claimed != actor:
		return 0, ErrForbidden
	case hasActor:
		return actor, nil
	case claimed != nil && *claimed != 0:
		return *claimed, nil
	default:
		return 0, newValidationError("member_id", "invalid_member_id", "member_id is required")
	}
}

// MemberLogin starts a credit-billed session on a kiosk for the member.
func (s *Server) MemberLogin(c *gin.Context) {
	var req memberLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.DeviceID == nil || *req.DeviceID == 0 {
		AbortWithError(c, newValidationError("device_id", "invalid_device_id", "device_id is required"))
		return
	}

	memberID, err := memberFromRequest(c, req.MemberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.orchestrator.StartMemberSession(c.Request.Context(), sessiondomain.StartMemberRequest{
		DeviceID: *req.DeviceID,
		MemberID: memberID,
		RateID:   req.RateID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": out})
}

func (s *Server) MemberLogout(c *gin.Context) {
	sessionID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	session, err := s.sessionSvc.Get(ctx, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if session.MemberID == nil {
		AbortWithError(c, ErrForbidden)
		return
	}
	if _, err := memberFromRequest(c, session.MemberID); err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.orchestrator.EndSession(ctx, sessionID, sessiondomain.ReasonMemberLogout)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) MemberBalance(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := memberFromRequest(c, &id); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.memberSvc.Balance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}
