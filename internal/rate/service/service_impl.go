package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/internal/rate/domain"
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
		log:   p.Log.Named("rate.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRateRequest) (domain.Rate, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Rate{}, domain.ErrInvalidOrganization
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Rate{}, domain.ErrInvalidName
	}
	if req.PricePerUnit.IsNegative() || req.UnitMinutes <= 0 {
		return domain.Rate{}, domain.ErrInvalidRate
	}

	id := s.genID.Generate()
	rate := domain.Rate{
		ID:           id,
		OrgID:        orgID,
		LineageID:    id,
		Version:      1,
		Name:         name,
		PricePerUnit: req.PricePerUnit.Round(4),
		UnitMinutes:  req.UnitMinutes,
		IsDefault:    req.IsDefault,
		CreatedAt:    s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rate.IsDefault {
			if err := s.repo.ClearDefault(ctx, tx, orgID); err != nil {
				return err
			}
		}
		return s.repo.Insert(ctx, tx, &rate)
	})
	if err != nil {
		return domain.Rate{}, err
	}

	s.log.Info("rate created",
		zap.String("rate_id", rate.ID.String()),
		zap.String("price_per_unit", rate.PricePerUnit.String()),
		zap.Int("unit_minutes", rate.UnitMinutes),
		zap.Bool("is_default", rate.IsDefault),
	)
	return rate, nil
}

// Revise writes version n+1 and archives version n. The default flag and
// device assignments follow the new version.
func (s *Service) Revise(ctx context.Context, id snowflake.ID, req domain.ReviseRateRequest) (domain.Rate, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Rate{}, domain.ErrInvalidOrganization
	}
	if req.PricePerUnit.IsNegative() || req.UnitMinutes <= 0 {
		return domain.Rate{}, domain.ErrInvalidRate
	}

	var next domain.Rate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Archived() {
			return domain.ErrRateArchived
		}

		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = current.Name
		}
		now := s.clock.Now()
		next = domain.Rate{
			ID:           s.genID.Generate(),
			OrgID:        orgID,
			LineageID:    current.LineageID,
			Version:      current.Version + 1,
			Name:         name,
			PricePerUnit: req.PricePerUnit.Round(4),
			UnitMinutes:  req.UnitMinutes,
			IsDefault:    current.IsDefault,
			CreatedAt:    now,
		}

		archived, err := s.repo.Archive(ctx, tx, orgID, current.ID, next.ID, now)
		if err != nil {
			return err
		}
		if !archived {
			// revised concurrently
			return domain.ErrRateArchived
		}
		if err := s.repo.Insert(ctx, tx, &next); err != nil {
			return err
		}
		return s.repo.RepointDevices(ctx, tx, orgID, current.ID, next.ID, now)
	})
	if err != nil {
		return domain.Rate{}, err
	}

	s.log.Info("rate revised",
		zap.String("rate_id", next.ID.String()),
		zap.String("previous_rate_id", id.String()),
		zap.Int("version", next.Version),
	)
	return next, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Rate, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Rate{}, domain.ErrInvalidOrganization
	}
	rate, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Rate{}, err
	}
	if rate == nil {
		return domain.Rate{}, domain.ErrNotFound
	}
	return *rate, nil
}

func (s *Service) GetDefault(ctx context.Context) (domain.Rate, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Rate{}, domain.ErrInvalidOrganization
	}
	rate, err := s.repo.FindDefault(ctx, s.db, orgID)
	if err != nil {
		return domain.Rate{}, err
	}
	if rate == nil {
		return domain.Rate{}, domain.ErrNotFound
	}
	return *rate, nil
}

func (s *Service) List(ctx context.Context, includeArchived bool) ([]domain.Rate, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}
	items, err := s.repo.List(ctx, s.db, orgID, includeArchived)
	if err != nil {
		return nil, err
	}
	rates := make([]domain.Rate, 0, len(items))
	for _, item := range items {
		rates = append(rates, *item)
	}
	return rates, nil
}
