package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	commanddomain "github.com/smallbiznis/netcafe/internal/command/domain"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type listCommandsQuery struct {
	pagination.Pagination
	Status string `form:"status"`
}

func (s *Server) EnqueueCommand(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req commanddomain.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.DeviceID = deviceID

	cmd, err := s.orchestrator.EnqueueCommand(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": cmd})
}

func (s *Server) ListDeviceCommands(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listCommandsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.commandSvc.ListByDevice(c.Request.Context(), commanddomain.ListCommandRequest{
		Pagination: query.Pagination,
		DeviceID:   deviceID,
		Status:     strings.TrimSpace(query.Status),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Commands,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetCommand(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cmd, err := s.commandSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cmd})
}
