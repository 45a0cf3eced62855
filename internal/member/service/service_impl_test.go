package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/dbtest"
	"github.com/smallbiznis/netcafe/internal/member/domain"
	memberrepo "github.com/smallbiznis/netcafe/internal/member/repository"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (domain.Service, *snowflake.Node, context.Context) {
	t.Helper()
	db := dbtest.Open(t, &domain.Member{})
	node := dbtest.Node(t)
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		Repo:  memberrepo.Provide(),
	})
	return svc, node, orgcontext.WithOrgID(context.Background(), int64(node.Generate()))
}

func TestCreateMemberStartsWithZeroCredits(t *testing.T) {
	svc, _, ctx := setup(t)

	member, err := svc.Create(ctx, domain.CreateMemberRequest{Username: " Alice ", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", member.Username)
	assert.True(t, member.Credits.IsZero())

	balance, err := svc.Balance(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, member.ID, balance.MemberID)
	assert.True(t, balance.Credits.IsZero())

	byName, err := svc.GetByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, member.ID, byName.ID)
}

func TestCreateMemberValidates(t *testing.T) {
	svc, _, ctx := setup(t)

	_, err := svc.Create(ctx, domain.CreateMemberRequest{Username: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidUsername)

	_, err = svc.Create(ctx, domain.CreateMemberRequest{Username: "two words"})
	assert.ErrorIs(t, err, domain.ErrInvalidUsername)

	_, err = svc.Create(context.Background(), domain.CreateMemberRequest{Username: "alice"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestCreateMemberRejectsDuplicateUsername(t *testing.T) {
	svc, node, ctx := setup(t)

	_, err := svc.Create(ctx, domain.CreateMemberRequest{Username: "alice"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, domain.CreateMemberRequest{Username: "Alice"})
	assert.ErrorIs(t, err, domain.ErrDuplicateUsername)

	other := orgcontext.WithOrgID(context.Background(), int64(node.Generate()))
	_, err = svc.Create(other, domain.CreateMemberRequest{Username: "alice"})
	assert.NoError(t, err, "usernames are unique per venue")
}

func TestListMembersPaginates(t *testing.T) {
	svc, _, ctx := setup(t)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := svc.Create(ctx, domain.CreateMemberRequest{Username: name})
		require.NoError(t, err)
	}

	first, err := svc.List(ctx, domain.ListMemberRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	assert.Len(t, first.Members, 2)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := svc.List(ctx, domain.ListMemberRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	assert.Len(t, second.Members, 1)
	assert.False(t, second.HasMore)
}

func TestGetMissingMember(t *testing.T) {
	svc, node, ctx := setup(t)

	_, err := svc.Get(ctx, node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
