package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/billing/domain"
	billingrepo "github.com/smallbiznis/netcafe/internal/billing/repository"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/dbtest"
	"github.com/smallbiznis/netcafe/internal/lock"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	memberrepo "github.com/smallbiznis/netcafe/internal/member/repository"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc     domain.Service
	db      *gorm.DB
	node    *snowflake.Node
	orgID   snowflake.ID
	ctx     context.Context
	members memberdomain.Repository
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t, &memberdomain.Member{}, &domain.Transaction{})
	node := dbtest.Node(t)
	members := memberrepo.Provide()
	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		Locks:      lock.NewKeyed(),
		Repo:       billingrepo.Provide(),
		MemberRepo: members,
	})
	orgID := node.Generate()
	return &fixture{
		svc:     svc,
		db:      db,
		node:    node,
		orgID:   orgID,
		ctx:     orgcontext.WithOrgID(context.Background(), int64(orgID)),
		members: members,
	}
}

func (f *fixture) member(t *testing.T, username string) snowflake.ID {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := memberdomain.Member{
		ID:        f.node.Generate(),
		OrgID:     f.orgID,
		Username:  username,
		Credits:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.members.Insert(context.Background(), f.db, &m))
	return m.ID
}

func (f *fixture) balance(t *testing.T, id snowflake.ID) decimal.Decimal {
	t.Helper()
	m, err := f.members.FindByID(context.Background(), f.db, f.orgID, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m.Credits
}

func TestTopUpAndCharge(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "alice")

	topup, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("5")})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeTopUp, topup.Type)
	assert.NotEmpty(t, topup.Reference)
	assert.Equal(t, "cash", topup.PaymentMethod)
	assert.True(t, topup.BalanceBefore.IsZero())
	assert.True(t, topup.BalanceAfter.Equal(decimal.RequireFromString("5")))

	charge, err := f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("1.25")})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeUsage, charge.Type)
	assert.True(t, charge.Amount.Equal(decimal.RequireFromString("-1.25")))
	assert.True(t, charge.BalanceAfter.Equal(decimal.RequireFromString("3.75")))
	assert.True(t, f.balance(t, memberID).Equal(decimal.RequireFromString("3.75")))
}

func TestChargeInsufficientCreditsLeavesBalance(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "bob")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)

	_, err = f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("1.5")})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.True(t, f.balance(t, memberID).Equal(decimal.RequireFromString("1")))

	resp, err := f.svc.ListTransactions(f.ctx, domain.ListTransactionsRequest{MemberID: memberID})
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 1)
}

func TestChargeExactBalanceReachesZero(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "carol")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("2")})
	require.NoError(t, err)
	_, err = f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("2")})
	require.NoError(t, err)
	assert.True(t, f.balance(t, memberID).IsZero())
}

func TestValidation(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "dave")

	_, err := f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("-1")})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.Refund(f.ctx, domain.RefundRequest{MemberID: memberID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.Adjustment(f.ctx, domain.AdjustmentRequest{MemberID: memberID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: f.node.Generate(), Amount: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)

	_, err = f.svc.TopUp(context.Background(), domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestSubPrecisionAmountsAreRejected(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "dora")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)

	tiny := decimal.RequireFromString("0.00001")
	_, err = f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: tiny})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: tiny})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.Refund(f.ctx, domain.RefundRequest{MemberID: memberID, Amount: tiny})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.ChargeTx(f.ctx, tx, domain.ChargeRequest{MemberID: memberID, Amount: tiny})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	charge, err := f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("0.00005")})
	require.NoError(t, err, "rounds up to the smallest unit")
	assert.True(t, charge.Amount.Equal(decimal.RequireFromString("-0.0001")))

	resp, err := f.svc.ListTransactions(f.ctx, domain.ListTransactionsRequest{MemberID: memberID})
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 2)
	assert.True(t, f.balance(t, memberID).Equal(decimal.RequireFromString("0.9999")))
}

func TestMemberIsolatedByOrganization(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "erin")

	otherOrg := orgcontext.WithOrgID(context.Background(), int64(f.node.Generate()))
	_, err := f.svc.TopUp(otherOrg, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestAdjustmentNegativeBeyondBalance(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "frank")

	_, err := f.svc.Adjustment(f.ctx, domain.AdjustmentRequest{MemberID: memberID, Amount: decimal.RequireFromString("3"), Note: "goodwill"})
	require.NoError(t, err)

	_, err = f.svc.Adjustment(f.ctx, domain.AdjustmentRequest{MemberID: memberID, Amount: decimal.RequireFromString("-4")})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	txn, err := f.svc.Adjustment(f.ctx, domain.AdjustmentRequest{MemberID: memberID, Amount: decimal.RequireFromString("-1")})
	require.NoError(t, err)
	assert.True(t, txn.BalanceAfter.Equal(decimal.RequireFromString("2")))
}

func TestConcurrentChargesReconcile(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "grace")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("10")})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if assert.ErrorIs(t, err, domain.ErrInsufficientCredits) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 5, rejected)
	assert.True(t, f.balance(t, memberID).IsZero())

	rec, err := f.svc.Reconcile(f.ctx, memberID)
	require.NoError(t, err)
	assert.True(t, rec.Matches)
	assert.Equal(t, 11, rec.Entries)
}

func TestConcurrentMixedMutationsReconcile(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "ivan")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("3")})
	require.NoError(t, err)

	ops := []func() error{
		func() error {
			_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1.5")})
			return err
		},
		func() error {
			_, err := f.svc.Charge(f.ctx, domain.ChargeRequest{MemberID: memberID, Amount: decimal.RequireFromString("2.25")})
			return err
		},
		func() error {
			_, err := f.svc.Refund(f.ctx, domain.RefundRequest{MemberID: memberID, Amount: decimal.RequireFromString("0.75")})
			return err
		},
		func() error {
			_, err := f.svc.Adjustment(f.ctx, domain.AdjustmentRequest{MemberID: memberID, Amount: decimal.RequireFromString("-1.8")})
			return err
		},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  = 1
		rejected int
	)
	for i := 0; i < 40; i++ {
		op := ops[i%len(ops)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := op()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
				return
			}
			if assert.ErrorIs(t, err, domain.ErrInsufficientCredits) {
				rejected++
			}
		}()
	}
	wg.Wait()

	balance := f.balance(t, memberID)
	assert.False(t, balance.IsNegative())

	rec, err := f.svc.Reconcile(f.ctx, memberID)
	require.NoError(t, err)
	assert.True(t, rec.Matches)
	assert.True(t, rec.Balance.Equal(balance))
	assert.Equal(t, applied, rec.Entries)
	assert.Equal(t, 41, applied+rejected)
}

func TestListTransactionsPaginates(t *testing.T) {
	f := setup(t)
	memberID := f.member(t, "heidi")

	for i := 0; i < 5; i++ {
		_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: memberID, Amount: decimal.RequireFromString("1")})
		require.NoError(t, err)
	}

	first, err := f.svc.ListTransactions(f.ctx, domain.ListTransactionsRequest{
		Pagination: pagination.Pagination{PageSize: 3},
		MemberID:   memberID,
	})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	assert.True(t, first.HasMore)
	assert.True(t, first.Transactions[0].ID > first.Transactions[1].ID)

	second, err := f.svc.ListTransactions(f.ctx, domain.ListTransactionsRequest{
		Pagination: pagination.Pagination{PageSize: 3, PageToken: first.NextPageToken},
		MemberID:   memberID,
	})
	require.NoError(t, err)
	assert.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)
}

func TestReconcileBatchDetectsDrift(t *testing.T) {
	f := setup(t)
	okID := f.member(t, "ivan")
	driftID := f.member(t, "judy")

	_, err := f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: okID, Amount: decimal.RequireFromString("2")})
	require.NoError(t, err)
	_, err = f.svc.TopUp(f.ctx, domain.TopUpRequest{MemberID: driftID, Amount: decimal.RequireFromString("2")})
	require.NoError(t, err)
	require.NoError(t, f.db.Exec("UPDATE members SET credits = ? WHERE id = ?", decimal.RequireFromString("7"), driftID).Error)

	recs, err := f.svc.ReconcileBatch(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byID := map[snowflake.ID]domain.Reconciliation{}
	for _, rec := range recs {
		byID[rec.MemberID] = rec
	}
	assert.True(t, byID[okID].Matches)
	assert.False(t, byID[driftID].Matches)
	assert.True(t, byID[driftID].LedgerSum.Equal(decimal.RequireFromString("2")))
}
