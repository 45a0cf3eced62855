package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netcafe/internal/observability/logger"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"go.uber.org/zap"
)

const rateLimitReasonDeviceRate = "device-rate"

// DeviceRateLimit applies the per-device token bucket. The device is the
// X-Actor-ID caller, or the :id of /devices/:id routes when no actor is sent.
func (s *Server) DeviceRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deviceLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		deviceID, ok := rateLimitDeviceID(c)
		if !ok {
			c.Next()
			return
		}
		c.Set(contextDeviceIDKey, deviceID.String())

		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.deviceLimiter.AllowDevice(ctx, orgID, deviceID)
		if err != nil {
			// fail open
			logger.FromContext(ctx).Warn("device rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			s.denyDeviceRateLimit(c, endpoint, orgID.String(), int(math.Ceil(result.RetryAfter.Seconds())))
			return
		}

		c.Next()
	}
}

func (s *Server) denyDeviceRateLimit(c *gin.Context, endpoint, orgID string, retryAfter int) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("device rate limit exceeded",
		zap.String("reason", rateLimitReasonDeviceRate),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimitDenied(ctx, orgID, endpoint, rateLimitReasonDeviceRate)

	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonDeviceRate)
	AbortWithError(c, ErrRateLimited)
}

func rateLimitDeviceID(c *gin.Context) (snowflake.ID, bool) {
	if id, ok := actorID(c); ok {
		return id, true
	}
	if !strings.HasPrefix(c.FullPath(), "/device/v1/devices/") {
		return 0, false
	}
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
