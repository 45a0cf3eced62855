package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/broadcast"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

const targetTypeTransaction = "credit_transaction"

type listTransactionsQuery struct {
	pagination.Pagination
	Type      string `form:"type"`
	SessionID string `form:"session_id"`
}

func (s *Server) TopUp(c *gin.Context) {
	memberID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req billingdomain.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.MemberID = memberID

	ctx := c.Request.Context()
	txn, err := s.billingSvc.TopUp(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordTransaction(ctx, auditdomain.ActionCreditsToppedUp, txn, map[string]any{
		"payment_method": txn.PaymentMethod,
		"reference":      txn.Reference,
	})

	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) Refund(c *gin.Context) {
	memberID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req billingdomain.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.MemberID = memberID

	ctx := c.Request.Context()
	txn, err := s.billingSvc.Refund(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	metadata := map[string]any{}
	if txn.SessionID != nil {
		metadata["session_id"] = txn.SessionID.String()
	}
	s.recordTransaction(ctx, auditdomain.ActionCreditsRefunded, txn, metadata)

	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) Adjustment(c *gin.Context) {
	memberID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req billingdomain.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.MemberID = memberID

	ctx := c.Request.Context()
	txn, err := s.billingSvc.Adjustment(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordTransaction(ctx, auditdomain.ActionCreditsAdjusted, txn, map[string]any{
		"note": txn.Note,
	})

	c.JSON(http.StatusCreated, gin.H{"data": txn})
}

func (s *Server) ListTransactions(c *gin.Context) {
	memberID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sessionID, err := parseOptionalSnowflakeID(query.SessionID)
	if err != nil {
		AbortWithError(c, newValidationError("session_id", "invalid_session_id", "invalid session_id"))
		return
	}

	resp, err := s.billingSvc.ListTransactions(c.Request.Context(), billingdomain.ListTransactionsRequest{
		Pagination: query.Pagination,
		MemberID:   memberID,
		Type:       billingdomain.TransactionType(strings.TrimSpace(query.Type)),
		SessionID:  sessionID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Transactions,
		"page_info": resp.PageInfo,
	})
}

// ReconcileMember compares the stored balance with the transaction ledger.
// It reports and never corrects.
func (s *Server) ReconcileMember(c *gin.Context) {
	memberID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.billingSvc.Reconcile(c.Request.Context(), memberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) recordTransaction(ctx context.Context, action string, txn billingdomain.Transaction, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["member_id"] = txn.MemberID.String()
	metadata["amount"] = txn.Amount.String()
	metadata["balance_after"] = txn.BalanceAfter.String()
	_ = s.auditSvc.Record(ctx, action, targetTypeTransaction, txn.ID.String(), metadata)

	s.broadcaster.Emit(ctx, broadcast.EventTransaction, txn.OrgID, nil, txn)
}
