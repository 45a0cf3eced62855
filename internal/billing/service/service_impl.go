package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/lock"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxConflictRetries bounds retries when another coordinator instance wrote
// the same member balance between our read and write.
const maxConflictRetries = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locks      *lock.Keyed
	Repo       domain.Repository
	MemberRepo memberdomain.Repository
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locks      *lock.Keyed
	repo       domain.Repository
	memberRepo memberdomain.Repository
	metrics    *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locks:      p.Locks,
		repo:       p.Repo,
		memberRepo: p.MemberRepo,
		metrics:    p.Metrics,
	}
}

// entry describes one ledger mutation.
type entry struct {
	memberID      snowflake.ID
	txnType       domain.TransactionType
	amount        decimal.Decimal
	sessionID     *snowflake.ID
	paymentMethod string
	reference     string
	note          string
}

func (s *Service) Charge(ctx context.Context, req domain.ChargeRequest) (domain.Transaction, error) {
	amount := req.Amount.Round(4)
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	txn, err := s.applyLocked(ctx, entry{
		memberID:  req.MemberID,
		txnType:   domain.TransactionTypeUsage,
		amount:    amount.Neg(),
		sessionID: req.SessionID,
		note:      req.Note,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.recordCharge(ctx, txn)
	return txn, nil
}

func (s *Service) ChargeTx(ctx context.Context, tx *gorm.DB, req domain.ChargeRequest) (domain.Transaction, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Transaction{}, domain.ErrInvalidOrganization
	}
	amount := req.Amount.Round(4)
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	txn, err := s.apply(ctx, tx, orgID, entry{
		memberID:  req.MemberID,
		txnType:   domain.TransactionTypeUsage,
		amount:    amount.Neg(),
		sessionID: req.SessionID,
		note:      req.Note,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.recordCharge(ctx, txn)
	return txn, nil
}

func (s *Service) TopUp(ctx context.Context, req domain.TopUpRequest) (domain.Transaction, error) {
	credit := req.Amount.Round(4)
	if !credit.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = ulid.Make().String()
	}
	paymentMethod := strings.TrimSpace(req.PaymentMethod)
	if paymentMethod == "" {
		paymentMethod = "cash"
	}

	txn, err := s.applyLocked(ctx, entry{
		memberID:      req.MemberID,
		txnType:       domain.TransactionTypeTopUp,
		amount:        credit,
		paymentMethod: paymentMethod,
		reference:     reference,
		note:          req.Note,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	amount, _ := txn.Amount.Float64()
	s.metrics.RecordTopUp(ctx, txn.OrgID.String(), paymentMethod, amount)
	return txn, nil
}

func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.Transaction, error) {
	amount := req.Amount.Round(4)
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return s.applyLocked(ctx, entry{
		memberID:  req.MemberID,
		txnType:   domain.TransactionTypeRefund,
		amount:    amount,
		sessionID: req.SessionID,
		note:      req.Note,
	})
}

func (s *Service) Adjustment(ctx context.Context, req domain.AdjustmentRequest) (domain.Transaction, error) {
	amount := req.Amount.Round(4)
	if amount.IsZero() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return s.applyLocked(ctx, entry{
		memberID: req.MemberID,
		txnType:  domain.TransactionTypeAdjustment,
		amount:   amount,
		note:     req.Note,
	})
}

// applyLocked serialises on the member and retries lost version races.
func (s *Service) applyLocked(ctx context.Context, e entry) (domain.Transaction, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Transaction{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.MemberKey(e.memberID))
	defer release()

	var (
		txn domain.Transaction
		err error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var applyErr error
			txn, applyErr = s.apply(ctx, tx, orgID, e)
			return applyErr
		})
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		s.log.Warn("balance write conflict, retrying",
			zap.String("member_id", e.memberID.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// apply performs the balance check, debit or credit and ledger append
// inside tx.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, e entry) (domain.Transaction, error) {
	member, err := s.memberRepo.FindByID(ctx, tx, orgID, e.memberID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if member == nil {
		return domain.Transaction{}, domain.ErrMemberNotFound
	}

	before := member.Credits
	after := before.Add(e.amount)
	if after.IsNegative() {
		return domain.Transaction{}, domain.ErrInsufficientCredits
	}

	now := s.clock.Now()
	updated, err := s.memberRepo.UpdateCredits(ctx, tx, orgID, member.ID, after, member.BalanceVersion, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !updated {
		return domain.Transaction{}, domain.ErrConflict
	}

	txn := domain.Transaction{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		MemberID:      member.ID,
		Type:          e.txnType,
		Amount:        e.amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		SessionID:     e.sessionID,
		PaymentMethod: e.paymentMethod,
		Reference:     e.reference,
		Note:          strings.TrimSpace(e.note),
		CreatedAt:     now,
	}
	if err := s.repo.Insert(ctx, tx, &txn); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidOrganization
	}
	member, err := s.memberRepo.FindByID(ctx, s.db, orgID, req.MemberID)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}
	if member == nil {
		return domain.ListTransactionsResponse{}, domain.ErrMemberNotFound
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	items, err := s.repo.List(ctx, s.db, orgID, req.MemberID, domain.ListFilter{
		Type:      req.Type,
		SessionID: req.SessionID,
	}, pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize})
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(t *domain.Transaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		return token
	})
	txns := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		txns = append(txns, *item)
	}
	return domain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: txns}, nil
}

func (s *Service) Reconcile(ctx context.Context, memberID snowflake.ID) (domain.Reconciliation, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Reconciliation{}, domain.ErrInvalidOrganization
	}
	return s.reconcile(ctx, orgID, memberID)
}

func (s *Service) ReconcileBatch(ctx context.Context, afterID snowflake.ID, limit int) ([]domain.Reconciliation, error) {
	members, err := s.memberRepo.ListIDs(ctx, s.db, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Reconciliation, 0, len(members))
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := s.reconcile(ctx, m.OrgID, m.ID)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// reconcile reads balance and ledger under the member lock so an in-flight
// charge cannot be half observed.
func (s *Service) reconcile(ctx context.Context, orgID, memberID snowflake.ID) (domain.Reconciliation, error) {
	release := s.locks.Lock(lock.MemberKey(memberID))
	defer release()

	var rec domain.Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.memberRepo.FindByID(ctx, tx, orgID, memberID)
		if err != nil {
			return err
		}
		if member == nil {
			return domain.ErrMemberNotFound
		}
		amounts, err := s.repo.Amounts(ctx, tx, memberID)
		if err != nil {
			return err
		}
		sum := decimal.Zero
		for _, amount := range amounts {
			sum = sum.Add(amount)
		}
		rec = domain.Reconciliation{
			OrgID:     orgID,
			MemberID:  memberID,
			Balance:   member.Credits,
			LedgerSum: sum,
			Entries:   len(amounts),
			Matches:   member.Credits.Equal(sum),
		}
		return nil
	})
	if err != nil {
		return domain.Reconciliation{}, err
	}
	return rec, nil
}

func (s *Service) recordCharge(ctx context.Context, txn domain.Transaction) {
	amount, _ := txn.Amount.Neg().Float64()
	s.metrics.RecordCreditsCharged(ctx, txn.OrgID.String(), amount)
}
