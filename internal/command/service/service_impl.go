package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/command/domain"
	"github.com/smallbiznis/netcafe/internal/config"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/lock"
	"github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	pollLimit       = 50
	maxErrorMessage = 1024
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locks      *lock.Keyed
	Policy     *config.PolicyHolder
	Repo       domain.Repository
	DeviceRepo devicedomain.Repository
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locks      *lock.Keyed
	policy     *config.PolicyHolder
	repo       domain.Repository
	deviceRepo devicedomain.Repository
	metrics    *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("command.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locks:      p.Locks,
		policy:     p.Policy,
		repo:       p.Repo,
		deviceRepo: p.DeviceRepo,
		metrics:    p.Metrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.Command, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Command{}, domain.ErrInvalidOrganization
	}

	commandType := strings.ToLower(strings.TrimSpace(req.CommandType))
	if !domain.ValidType(commandType) {
		return domain.Command{}, domain.ErrInvalidCommandType
	}
	if commandType == domain.TypeMessage {
		text, _ := req.Payload["message"].(string)
		if strings.TrimSpace(text) == "" {
			return domain.Command{}, domain.ErrInvalidPayload
		}
	}

	device, err := s.deviceRepo.FindByID(ctx, s.db, orgID, req.DeviceID)
	if err != nil {
		return domain.Command{}, err
	}
	if device == nil {
		return domain.Command{}, domain.ErrDeviceNotFound
	}
	if device.Archived() {
		return domain.Command{}, domain.ErrDeviceArchived
	}

	now := s.clock.Now()
	cmd := domain.Command{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		DeviceID:    device.ID,
		CommandType: commandType,
		Status:      domain.StatusPending,
		IssuedBy:    strings.TrimSpace(req.IssuedBy),
		SessionID:   req.SessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(req.Payload) > 0 {
		cmd.Payload = datatypes.JSONMap(req.Payload)
	}
	if err := s.repo.Insert(ctx, s.db, &cmd); err != nil {
		return domain.Command{}, err
	}

	s.metrics.RecordCommandEnqueued(ctx, commandType)
	s.log.Info("command enqueued",
		zap.String("command_id", cmd.ID.String()),
		zap.String("device_id", cmd.DeviceID.String()),
		zap.String("command_type", commandType),
	)
	return cmd, nil
}

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID) (domain.Transition, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Transition{}, domain.ErrInvalidOrganization
	}

	current, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Transition{}, err
	}
	if current.Status != domain.StatusPending {
		return domain.Transition{Command: *current}, nil
	}

	changed, err := s.repo.MarkSent(ctx, s.db, orgID, id, s.clock.Now())
	if err != nil {
		return domain.Transition{}, err
	}
	cmd, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Transition{}, err
	}
	return domain.Transition{Command: *cmd, Changed: changed}, nil
}

func (s *Service) MarkExecuted(ctx context.Context, id snowflake.ID) (domain.Transition, error) {
	return s.complete(ctx, id, domain.StatusExecuted, nil)
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, errorMessage string) (domain.Transition, error) {
	msg := strings.TrimSpace(errorMessage)
	if msg == "" {
		msg = "unknown error"
	}
	msg = truncateMessage(msg, maxErrorMessage)
	return s.complete(ctx, id, domain.StatusFailed, &msg)
}

// truncateMessage cuts msg to at most limit bytes without splitting a rune.
func truncateMessage(msg string, limit int) string {
	msg = strings.ToValidUTF8(msg, "")
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// complete applies a terminal ack. An executed lock-type command updates the
// device lock flag in the same transaction, under the device lock. An unlock
// only clears the flag while the device still carries the command's session;
// otherwise the transition asks for a relock. admin_unlock is not bound to a
// session.
func (s *Service) complete(ctx context.Context, id snowflake.ID, status string, errorMessage *string) (domain.Transition, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Transition{}, domain.ErrInvalidOrganization
	}

	current, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Transition{}, err
	}
	if current.Terminal() {
		return domain.Transition{
			Command: *current,
			Relock:  status == domain.StatusExecuted && current.CommandType == domain.TypeUnlock && current.Superseded(),
		}, nil
	}

	release := s.locks.Lock(lock.DeviceKey(current.DeviceID))
	defer release()

	var (
		cmd     *domain.Command
		changed bool
		relock  bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		var err error
		changed, err = s.repo.Complete(ctx, tx, orgID, id, status, errorMessage, now)
		if err != nil {
			return err
		}
		if changed && status == domain.StatusExecuted {
			if locked, ok := current.LockState(); ok {
				if current.CommandType == domain.TypeUnlock {
					held, err := s.holdsSession(ctx, tx, orgID, current)
					if err != nil {
						return err
					}
					if !held {
						relock = true
						cmd, err = s.load(ctx, tx, orgID, id)
						return err
					}
				}
				if err := s.deviceRepo.SetLocked(ctx, tx, orgID, current.DeviceID, locked, now); err != nil {
					return err
				}
			}
		}
		cmd, err = s.load(ctx, tx, orgID, id)
		return err
	})
	if err != nil {
		return domain.Transition{}, err
	}

	if relock {
		s.log.Warn("unlock ran without a matching session",
			zap.String("command_id", id.String()),
			zap.String("device_id", current.DeviceID.String()),
		)
	}
	if changed {
		s.metrics.RecordCommandAcked(ctx, cmd.CommandType, status)
		if current.Status == domain.StatusPending {
			s.log.Debug("ack on undelivered command treated as delivery",
				zap.String("command_id", id.String()),
			)
		}
	}
	return domain.Transition{Command: *cmd, Changed: changed, Relock: relock}, nil
}

// holdsSession reports whether the device is attached to the session the
// command was queued for. A sessionless unlock needs any open session.
func (s *Service) holdsSession(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, cmd *domain.Command) (bool, error) {
	device, err := s.deviceRepo.FindByID(ctx, tx, orgID, cmd.DeviceID)
	if err != nil {
		return false, err
	}
	if device == nil || device.CurrentSessionID == nil {
		return false, nil
	}
	return cmd.SessionID == nil || *cmd.SessionID == *device.CurrentSessionID, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Command, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Command{}, domain.ErrInvalidOrganization
	}
	cmd, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Command{}, err
	}
	return *cmd, nil
}

func (s *Service) ListByDevice(ctx context.Context, req domain.ListCommandRequest) (domain.ListCommandResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListCommandResponse{}, domain.ErrInvalidOrganization
	}
	status := strings.TrimSpace(req.Status)
	switch status {
	case "", domain.StatusPending, domain.StatusSent, domain.StatusExecuted, domain.StatusFailed:
	default:
		return domain.ListCommandResponse{}, domain.ErrInvalidStatus
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	items, err := s.repo.ListByDevice(ctx, s.db, orgID, req.DeviceID, status, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListCommandResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, pageSize, func(item *domain.Command) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		return token
	})
	return domain.ListCommandResponse{PageInfo: pageInfo, Commands: deref(items)}, nil
}

func (s *Service) Poll(ctx context.Context, deviceID snowflake.ID) ([]domain.Command, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}
	cutoff := s.clock.Now().Add(-s.policy.Get().CommandRedeliveryTimeout)
	items, err := s.repo.ListPollable(ctx, s.db, orgID, deviceID, cutoff, pollLimit)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (s *Service) ListStale(ctx context.Context, limit int) ([]domain.Command, error) {
	cutoff := s.clock.Now().Add(-s.policy.Get().CommandRedeliveryTimeout)
	items, err := s.repo.ListStale(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (s *Service) MarkRedelivered(ctx context.Context, id snowflake.ID) (bool, error) {
	return s.repo.MarkAttempt(ctx, s.db, id, s.clock.Now())
}

func (s *Service) load(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Command, error) {
	cmd, err := s.repo.FindByID(ctx, db, orgID, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, domain.ErrNotFound
	}
	return cmd, nil
}

func deref(items []*domain.Command) []domain.Command {
	out := make([]domain.Command, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out
}
