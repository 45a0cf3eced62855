package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
)

type heartbeatRequest struct {
	At           *time.Time `json:"at,omitempty"`
	AgentVersion string     `json:"agent_version"`
}

type tickRequest struct {
	ElapsedSeconds int64 `json:"elapsed_seconds"`
}

type ackFailedRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (s *Server) DeviceHeartbeat(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req heartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	result, err := s.orchestrator.HandleHeartbeat(c.Request.Context(), devicedomain.HeartbeatRequest{
		DeviceID:     deviceID,
		At:           req.At,
		AgentVersion: strings.TrimSpace(req.AgentVersion),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) TickSession(c *gin.Context) {
	sessionID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	out, err := s.orchestrator.HandleTick(c.Request.Context(), sessionID, req.ElapsedSeconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) PollCommands(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	commands, err := s.commandSvc.Poll(c.Request.Context(), deviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": commands})
}

func (s *Server) AckCommandSent(c *gin.Context) {
	commandID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transition, err := s.orchestrator.AckSent(c.Request.Context(), commandID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transition.Command})
}

func (s *Server) AckCommandExecuted(c *gin.Context) {
	commandID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transition, err := s.orchestrator.AckExecuted(c.Request.Context(), commandID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transition.Command})
}

func (s *Server) AckCommandFailed(c *gin.Context) {
	commandID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req ackFailedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	transition, err := s.orchestrator.AckFailed(c.Request.Context(), commandID, strings.TrimSpace(req.ErrorMessage))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transition.Command})
}
