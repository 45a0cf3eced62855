package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/pkg/db"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("member.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Create registers a member with zero credits; opening balances go through
// a topup so the ledger accounts for every credit.
func (s *Service) Create(ctx context.Context, req domain.CreateMemberRequest) (domain.Member, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Member{}, domain.ErrInvalidOrganization
	}

	username := normalizeUsername(req.Username)
	if username == "" || strings.ContainsAny(username, " \t\n") {
		return domain.Member{}, domain.ErrInvalidUsername
	}

	existing, err := s.repo.FindByUsername(ctx, s.db, orgID, username)
	if err != nil {
		return domain.Member{}, err
	}
	if existing != nil {
		return domain.Member{}, domain.ErrDuplicateUsername
	}

	now := s.clock.Now()
	member := domain.Member{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Username:    username,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Credits:     decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &member); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Member{}, domain.ErrDuplicateUsername
		}
		return domain.Member{}, err
	}

	s.log.Info("member created", zap.String("member_id", member.ID.String()))
	return member, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Member, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Member{}, domain.ErrInvalidOrganization
	}
	member, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Member{}, err
	}
	if member == nil {
		return domain.Member{}, domain.ErrNotFound
	}
	return *member, nil
}

func (s *Service) GetByUsername(ctx context.Context, username string) (domain.Member, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Member{}, domain.ErrInvalidOrganization
	}
	member, err := s.repo.FindByUsername(ctx, s.db, orgID, normalizeUsername(username))
	if err != nil {
		return domain.Member{}, err
	}
	if member == nil {
		return domain.Member{}, domain.ErrNotFound
	}
	return *member, nil
}

func (s *Service) List(ctx context.Context, req domain.ListMemberRequest) (domain.ListMemberResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListMemberResponse{}, domain.ErrInvalidOrganization
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	items, err := s.repo.List(ctx, s.db, orgID, pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize})
	if err != nil {
		return domain.ListMemberResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, pageSize, func(m *domain.Member) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: m.ID.String()})
		return token
	})

	members := make([]domain.Member, 0, len(items))
	for _, item := range items {
		members = append(members, *item)
	}
	return domain.ListMemberResponse{PageInfo: pageInfo, Members: members}, nil
}

func (s *Service) Balance(ctx context.Context, id snowflake.ID) (domain.Balance, error) {
	member, err := s.Get(ctx, id)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{
		MemberID: member.ID,
		Credits:  member.Credits,
		AsOf:     s.clock.Now(),
	}, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
