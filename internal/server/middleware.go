package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netcafe/internal/auditcontext"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
)

const (
	HeaderOrg   = "X-Org-ID"
	HeaderActor = "X-Actor-ID"

	contextDeviceIDKey = "device_id"
)

type actorKind string

const (
	actorAdmin  actorKind = auditcontext.ActorTypeAdmin
	actorDevice actorKind = auditcontext.ActorTypeDevice
	actorMember actorKind = auditcontext.ActorTypeMember
)

// OrgContext scopes the request to the venue named by X-Org-ID. The header
// is set by the auth layer in front of this service.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorContext attributes audit entries to the caller in X-Actor-ID.
func ActorContext(kind actorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActor))
		ctx := auditcontext.WithActor(c.Request.Context(), string(kind), actorID)
		c.Request = c.Request.WithContext(ctx)
		if kind == actorDevice && actorID != "" {
			c.Set(contextDeviceIDKey, actorID)
		}
		c.Next()
	}
}

// actorID returns the X-Actor-ID header parsed as an id.
func actorID(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.GetHeader(HeaderActor))
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return *id, nil
}
