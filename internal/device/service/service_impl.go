package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/internal/lock"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	"github.com/smallbiznis/netcafe/pkg/db"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Monitor  *heartbeat.Monitor
	Locks    *lock.Keyed
	Repo     domain.Repository
	RateRepo ratedomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	monitor  *heartbeat.Monitor
	locks    *lock.Keyed
	repo     domain.Repository
	rateRepo ratedomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("device.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		monitor:  p.Monitor,
		locks:    p.Locks,
		repo:     p.Repo,
		rateRepo: p.RateRepo,
	}
}

func (s *Service) Register(ctx context.Context, req domain.RegisterDeviceRequest) (domain.Device, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Device{}, domain.ErrInvalidOrganization
	}

	code := slug.Make(strings.TrimSpace(req.DeviceCode))
	if code == "" {
		return domain.Device{}, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.DeviceCode)
	}

	if req.RateID != nil {
		if err := s.ensureRate(ctx, s.db, orgID, *req.RateID); err != nil {
			return domain.Device{}, err
		}
	}

	existing, err := s.repo.FindByCode(ctx, s.db, orgID, code)
	if err != nil {
		return domain.Device{}, err
	}
	if existing != nil {
		return domain.Device{}, domain.ErrDuplicateCode
	}

	now := s.clock.Now()
	device := domain.Device{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		DeviceCode: code,
		Name:       name,
		RateID:     req.RateID,
		Status:     heartbeat.StatusPending,
		IsLocked:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, &device); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Device{}, domain.ErrDuplicateCode
		}
		return domain.Device{}, err
	}

	s.log.Info("device registered",
		zap.String("device_id", device.ID.String()),
		zap.String("device_code", device.DeviceCode),
	)
	return device, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.View, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, domain.ErrInvalidOrganization
	}
	device, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.View{}, err
	}
	return s.view(*device), nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (domain.View, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, domain.ErrInvalidOrganization
	}
	device, err := s.repo.FindByCode(ctx, s.db, orgID, slug.Make(strings.TrimSpace(code)))
	if err != nil {
		return domain.View{}, err
	}
	if device == nil {
		return domain.View{}, domain.ErrNotFound
	}
	return s.view(*device), nil
}

func (s *Service) List(ctx context.Context, req domain.ListDeviceRequest) (domain.ListDeviceResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListDeviceResponse{}, domain.ErrInvalidOrganization
	}
	status := strings.TrimSpace(req.EffectiveStatus)
	if status != "" && !validStatus(status) {
		return domain.ListDeviceResponse{}, domain.ErrInvalidStatus
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	items, err := s.repo.List(ctx, s.db, orgID, domain.ListFilter{
		IncludeArchived: req.IncludeArchived,
		EffectiveStatus: status,
		Cutoff:          s.monitor.StaleBefore(),
	}, pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize})
	if err != nil {
		return domain.ListDeviceResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(d *domain.Device) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: d.ID.String()})
		return token
	})

	views := make([]domain.View, 0, len(items))
	for _, item := range items {
		views = append(views, s.view(*item))
	}
	return domain.ListDeviceResponse{PageInfo: pageInfo, Devices: views}, nil
}

func (s *Service) AssignRate(ctx context.Context, id, rateID snowflake.ID) (domain.Device, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Device{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.DeviceKey(id))
	defer release()

	var device *domain.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if current.Archived() {
			return domain.ErrDeviceArchived
		}
		if err := s.ensureRate(ctx, tx, orgID, rateID); err != nil {
			return err
		}
		if err := s.repo.UpdateRate(ctx, tx, orgID, id, rateID, s.clock.Now()); err != nil {
			return err
		}
		device, err = s.load(ctx, tx, orgID, id)
		return err
	})
	if err != nil {
		return domain.Device{}, err
	}
	return *device, nil
}

func (s *Service) SetMaintenance(ctx context.Context, id snowflake.ID, enabled bool) (domain.View, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.DeviceKey(id))
	defer release()

	var device *domain.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if current.Archived() {
			return domain.ErrDeviceArchived
		}

		next := current.Status
		switch {
		case enabled && current.CurrentSessionID != nil:
			return domain.ErrDeviceBusy
		case enabled:
			next = heartbeat.StatusMaintenance
		case current.Status == heartbeat.StatusMaintenance:
			next = heartbeat.StatusOnline
		}
		if next != current.Status {
			if err := s.repo.UpdateStatus(ctx, tx, orgID, id, next, s.clock.Now()); err != nil {
				return err
			}
		}
		device, err = s.load(ctx, tx, orgID, id)
		return err
	})
	if err != nil {
		return domain.View{}, err
	}
	return s.view(*device), nil
}

// Archive soft-deletes a device. Archiving twice returns the archived device.
func (s *Service) Archive(ctx context.Context, id snowflake.ID) (domain.Device, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Device{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.DeviceKey(id))
	defer release()

	archived, err := s.repo.Archive(ctx, s.db, orgID, id, s.clock.Now())
	if err != nil {
		return domain.Device{}, err
	}
	device, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Device{}, err
	}
	if !archived && !device.Archived() {
		return domain.Device{}, domain.ErrDeviceBusy
	}
	return *device, nil
}

// RecordHeartbeat stores the contact time. Pending and offline devices come
// back online, or in_use when they still carry a session; maintenance is
// left to the operator.
func (s *Service) RecordHeartbeat(ctx context.Context, req domain.HeartbeatRequest) (domain.View, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.DeviceKey(req.DeviceID))
	defer release()

	device, err := s.load(ctx, s.db, orgID, req.DeviceID)
	if err != nil {
		return domain.View{}, err
	}
	if device.Archived() {
		return domain.View{}, domain.ErrDeviceArchived
	}

	now := s.clock.Now()
	at := now
	if req.At != nil && req.At.Before(now) {
		at = req.At.UTC()
	}
	if device.LastHeartbeat != nil && at.Before(*device.LastHeartbeat) {
		// out-of-order delivery
		at = *device.LastHeartbeat
	}

	status := heartbeat.StatusOnline
	switch {
	case device.Status == heartbeat.StatusMaintenance:
		status = heartbeat.StatusMaintenance
	case device.CurrentSessionID != nil:
		status = heartbeat.StatusInUse
	}

	if err := s.repo.UpdateHeartbeat(ctx, s.db, orgID, device.ID, at, status, strings.TrimSpace(req.AgentVersion)); err != nil {
		return domain.View{}, err
	}
	if status != device.Status {
		s.log.Info("device status changed",
			zap.String("device_id", device.ID.String()),
			zap.String("from", device.Status),
			zap.String("to", status),
		)
	}

	device.LastHeartbeat = &at
	device.Status = status
	device.UpdatedAt = now
	if req.AgentVersion != "" {
		device.AgentVersion = strings.TrimSpace(req.AgentVersion)
	}
	return s.view(*device), nil
}

func (s *Service) SetLocked(ctx context.Context, id snowflake.ID, locked bool) (domain.Device, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Device{}, domain.ErrInvalidOrganization
	}

	release := s.locks.Lock(lock.DeviceKey(id))
	defer release()

	device, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Device{}, err
	}
	if device.IsLocked == locked {
		return *device, nil
	}
	now := s.clock.Now()
	if err := s.repo.SetLocked(ctx, s.db, orgID, id, locked, now); err != nil {
		return domain.Device{}, err
	}
	device.IsLocked = locked
	device.UpdatedAt = now
	return *device, nil
}

// SweepStale runs across all orgs; it does not read org scope from ctx.
func (s *Service) SweepStale(ctx context.Context, limit int) ([]domain.Device, error) {
	cutoff := s.monitor.StaleBefore()
	candidates, err := s.repo.ListStale(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, err
	}

	swept := make([]domain.Device, 0, len(candidates))
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		ok, err := s.markOffline(ctx, candidate.ID, cutoff)
		if err != nil {
			return swept, err
		}
		if !ok {
			continue
		}
		candidate.Status = heartbeat.StatusOffline
		swept = append(swept, *candidate)
	}

	if len(swept) > 0 {
		s.log.Info("stale devices marked offline", zap.Int("count", len(swept)))
	}
	return swept, nil
}

func (s *Service) markOffline(ctx context.Context, id snowflake.ID, cutoff time.Time) (bool, error) {
	release := s.locks.Lock(lock.DeviceKey(id))
	defer release()
	return s.repo.MarkOffline(ctx, s.db, id, cutoff, s.clock.Now())
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, orgID, id snowflake.ID) (*domain.Device, error) {
	device, err := s.repo.FindByID(ctx, tx, orgID, id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, domain.ErrNotFound
	}
	return device, nil
}

func (s *Service) ensureRate(ctx context.Context, tx *gorm.DB, orgID, rateID snowflake.ID) error {
	rate, err := s.rateRepo.FindByID(ctx, tx, orgID, rateID)
	if err != nil {
		return err
	}
	if rate == nil {
		return domain.ErrRateNotFound
	}
	if rate.Archived() {
		return domain.ErrRateArchived
	}
	return nil
}

func (s *Service) view(device domain.Device) domain.View {
	return domain.View{
		Device:          device,
		EffectiveStatus: s.monitor.EffectiveStatus(device.Status, device.LastHeartbeat),
	}
}

func validStatus(status string) bool {
	switch status {
	case heartbeat.StatusPending, heartbeat.StatusOnline, heartbeat.StatusInUse,
		heartbeat.StatusOffline, heartbeat.StatusMaintenance:
		return true
	}
	return false
}
