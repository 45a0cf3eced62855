package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

const targetTypeMember = "member"

func (s *Server) CreateMember(c *gin.Context) {
	var req memberdomain.CreateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	member, err := s.memberSvc.Create(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	_ = s.auditSvc.Record(ctx, auditdomain.ActionMemberCreated, targetTypeMember, member.ID.String(), map[string]any{
		"username": member.Username,
	})

	c.JSON(http.StatusCreated, gin.H{"data": member})
}

func (s *Server) ListMembers(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.memberSvc.List(c.Request.Context(), memberdomain.ListMemberRequest{Pagination: page})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Members,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetMember(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	member, err := s.memberSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": member})
}

func (s *Server) GetMemberBalance(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
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
