package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

const targetTypeDevice = "device"

type listDevicesQuery struct {
	pagination.Pagination
	Status          string `form:"status"`
	IncludeArchived string `form:"include_archived"`
}

type assignRateRequest struct {
	RateID *snowflake.ID `json:"rate_id"`
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) RegisterDevice(c *gin.Context) {
	var req devicedomain.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	device, err := s.deviceSvc.Register(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	metadata := map[string]any{
		"device_code": device.DeviceCode,
		"name":        device.Name,
	}
	if device.RateID != nil {
		metadata["rate_id"] = device.RateID.String()
	}
	_ = s.auditSvc.Record(ctx, auditdomain.ActionDeviceRegistered, targetTypeDevice, device.ID.String(), metadata)

	c.JSON(http.StatusCreated, gin.H{"data": device})
}

func (s *Server) ListDevices(c *gin.Context) {
	var query listDevicesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	includeArchived, err := parseOptionalBool(query.IncludeArchived)
	if err != nil {
		AbortWithError(c, newValidationError("include_archived", "invalid_include_archived", "invalid include_archived"))
		return
	}

	req := devicedomain.ListDeviceRequest{
		Pagination:      query.Pagination,
		EffectiveStatus: strings.TrimSpace(query.Status),
	}
	if includeArchived != nil {
		req.IncludeArchived = *includeArchived
	}

	resp, err := s.deviceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Devices,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetDevice(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	device, err := s.deviceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

func (s *Server) AssignDeviceRate(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req assignRateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RateID == nil {
		AbortWithError(c, newValidationError("rate_id", "invalid_rate_id", "rate_id is required"))
		return
	}

	ctx := c.Request.Context()
	device, err := s.deviceSvc.AssignRate(ctx, id, *req.RateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_ = s.auditSvc.Record(ctx, auditdomain.ActionDeviceRateAssigned, targetTypeDevice, device.ID.String(), map[string]any{
		"rate_id": req.RateID.String(),
	})

	c.JSON(http.StatusOK, gin.H{"data": device})
}

func (s *Server) SetDeviceMaintenance(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	device, err := s.deviceSvc.SetMaintenance(c.Request.Context(), id, req.Enabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

func (s *Server) ArchiveDevice(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	device, err := s.deviceSvc.Archive(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_ = s.auditSvc.Record(ctx, auditdomain.ActionDeviceArchived, targetTypeDevice, device.ID.String(), nil)

	c.JSON(http.StatusOK, gin.H{"data": device})
}
