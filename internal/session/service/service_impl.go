package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/clock"
	commanddomain "github.com/smallbiznis/netcafe/internal/command/domain"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/internal/lock"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	"github.com/smallbiznis/netcafe/internal/session/domain"
	"github.com/smallbiznis/netcafe/pkg/db"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Monitor     *heartbeat.Monitor
	Locks       *lock.Keyed
	Repo        domain.Repository
	DeviceRepo  devicedomain.Repository
	RateRepo    ratedomain.Repository
	MemberRepo  memberdomain.Repository
	CommandRepo commanddomain.Repository
	Billing     billingdomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	monitor     *heartbeat.Monitor
	locks       *lock.Keyed
	repo        domain.Repository
	deviceRepo  devicedomain.Repository
	rateRepo    ratedomain.Repository
	memberRepo  memberdomain.Repository
	commandRepo commanddomain.Repository
	billing     billingdomain.Service
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("session.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		monitor:     p.Monitor,
		locks:       p.Locks,
		repo:        p.Repo,
		deviceRepo:  p.DeviceRepo,
		rateRepo:    p.RateRepo,
		memberRepo:  p.MemberRepo,
		commandRepo: p.CommandRepo,
		billing:     p.Billing,
		metrics:     p.Metrics,
	}
}

// StartGuest opens a prepaid session. The paid amount buys
// amount / price * unit_minutes minutes, rounded down to the second.
func (s *Service) StartGuest(ctx context.Context, req domain.StartGuestRequest) (domain.Outcome, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Outcome{}, domain.ErrInvalidOrganization
	}
	if !req.AmountPaid.IsPositive() {
		return domain.Outcome{}, domain.ErrInvalidAmount
	}

	release := s.locks.Lock(lock.DeviceKey(req.DeviceID))
	defer release()

	var session domain.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := s.claimable(ctx, tx, orgID, req.DeviceID)
		if err != nil {
			return err
		}
		rate, err := s.resolveRate(ctx, tx, orgID, req.RateID, device.RateID)
		if err != nil {
			return err
		}

		amount := req.AmountPaid.Round(4)
		seconds := amount.
			Mul(decimal.NewFromInt(int64(rate.UnitMinutes) * 60)).
			Div(rate.PricePerUnit).
			Floor().
			IntPart()
		if seconds <= 0 {
			return domain.ErrInvalidAmount
		}

		session = s.newSession(orgID, device.ID, nil, rate, domain.TypeGuest)
		session.AmountPaid = amount
		session.TimeRemainingSeconds = seconds
		return s.open(ctx, tx, &session)
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	s.metrics.RecordSessionStarted(ctx, orgID.String(), domain.TypeGuest)
	s.log.Info("guest session started",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", session.DeviceID.String()),
		zap.Int64("time_remaining_seconds", session.TimeRemainingSeconds),
	)
	return domain.Outcome{Session: session}, nil
}

// StartMember opens a credit-metered session. A member may hold one open
// session at a time.
func (s *Service) StartMember(ctx context.Context, req domain.StartMemberRequest) (domain.Outcome, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Outcome{}, domain.ErrInvalidOrganization
	}

	release := s.locks.LockAll(lock.DeviceKey(req.DeviceID), lock.MemberKey(req.MemberID))
	defer release()

	var (
		session domain.Session
		balance decimal.Decimal
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := s.claimable(ctx, tx, orgID, req.DeviceID)
		if err != nil {
			return err
		}

		member, err := s.memberRepo.FindByID(ctx, tx, orgID, req.MemberID)
		if err != nil {
			return err
		}
		if member == nil {
			return domain.ErrMemberNotFound
		}
		if !member.Credits.IsPositive() {
			return domain.ErrInsufficientCredits
		}
		busy, err := s.repo.FindOpenByMember(ctx, tx, orgID, member.ID)
		if err != nil {
			return err
		}
		if busy != nil {
			return domain.ErrMemberBusy
		}

		rate, err := s.resolveRate(ctx, tx, orgID, req.RateID, device.RateID)
		if err != nil {
			return err
		}

		session = s.newSession(orgID, device.ID, &member.ID, rate, domain.TypeMember)
		balance = member.Credits
		return s.open(ctx, tx, &session)
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	s.metrics.RecordSessionStarted(ctx, orgID.String(), domain.TypeMember)
	s.log.Info("member session started",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", session.DeviceID.String()),
		zap.String("member_id", req.MemberID.String()),
	)
	return domain.Outcome{Session: session, Balance: &balance}, nil
}

func (s *Service) Tick(ctx context.Context, id snowflake.ID, elapsedSeconds int64) (domain.Outcome, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Outcome{}, domain.ErrInvalidOrganization
	}
	if elapsedSeconds < 0 {
		return domain.Outcome{}, domain.ErrInvalidElapsed
	}

	current, release, err := s.lockSession(ctx, orgID, id)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer release()
	if !current.Open() || current.Status == domain.StatusPaused || elapsedSeconds == 0 {
		return domain.Outcome{Session: *current}, nil
	}

	var outcome domain.Outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.load(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		outcome = domain.Outcome{Session: *session}
		if session.Status != domain.StatusActive {
			return nil
		}

		now := s.clock.Now()
		if session.IsGuest() {
			return s.tickGuest(ctx, tx, session, elapsedSeconds, now, &outcome)
		}
		return s.tickMember(ctx, tx, session, elapsedSeconds, now, &outcome)
	})
	if errors.Is(err, domain.ErrConflict) {
		return s.afterConflict(ctx, orgID, id)
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	if outcome.Ended {
		s.recordEnded(ctx, outcome.Session)
	}
	return outcome, nil
}

func (s *Service) tickGuest(ctx context.Context, tx *gorm.DB, session *domain.Session, elapsed int64, now time.Time, outcome *domain.Outcome) error {
	consumed := min(elapsed, session.TimeRemainingSeconds)
	session.TimeRemainingSeconds -= consumed
	session.TotalSecondsUsed += consumed
	session.UpdatedAt = now

	if session.TimeRemainingSeconds == 0 {
		if err := s.finish(ctx, tx, session, domain.StatusCompleted, domain.ReasonTimeExhausted, now); err != nil {
			return err
		}
		outcome.Ended = true
		outcome.LockDevice = true
	} else if err := s.save(ctx, tx, session); err != nil {
		return err
	}
	outcome.Session = *session
	return nil
}

// tickMember bills cumulatively: the amount owed for all seconds used so far
// minus what was already charged. A rejected charge ends the session and the
// interval that could not be paid is not counted.
func (s *Service) tickMember(ctx context.Context, tx *gorm.DB, session *domain.Session, elapsed int64, now time.Time, outcome *domain.Outcome) error {
	used := session.TotalSecondsUsed + elapsed
	owed := owedFor(session.PricePerUnit, session.UnitMinutes, used)
	delta := owed.Sub(session.TotalAmount)

	if delta.IsPositive() {
		txn, err := s.billing.ChargeTx(ctx, tx, billingdomain.ChargeRequest{
			MemberID:  *session.MemberID,
			Amount:    delta,
			SessionID: &session.ID,
		})
		switch {
		case errors.Is(err, billingdomain.ErrInsufficientCredits):
			if err := s.finish(ctx, tx, session, domain.StatusCompleted, domain.ReasonCreditsExhausted, now); err != nil {
				return err
			}
			outcome.Session = *session
			outcome.Ended = true
			outcome.LockDevice = true
			return s.attachBalance(ctx, tx, session, outcome)
		case errors.Is(err, billingdomain.ErrConflict):
			return domain.ErrConflict
		case err != nil:
			return fmt.Errorf("charge session %s: %w", session.ID, err)
		}
		outcome.Charged = delta
		outcome.Balance = &txn.BalanceAfter
		session.TotalAmount = owed
	}

	session.TotalSecondsUsed = used
	session.UpdatedAt = now
	if err := s.save(ctx, tx, session); err != nil {
		return err
	}
	outcome.Session = *session
	if outcome.Balance == nil {
		return s.attachBalance(ctx, tx, session, outcome)
	}
	return nil
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID) (domain.Session, error) {
	return s.transition(ctx, id, domain.StatusActive, func(session *domain.Session, now time.Time) {
		session.Status = domain.StatusPaused
		session.PausedAt = &now
	})
}

func (s *Service) Resume(ctx context.Context, id snowflake.ID) (domain.Session, error) {
	return s.transition(ctx, id, domain.StatusPaused, func(session *domain.Session, now time.Time) {
		session.Status = domain.StatusActive
		session.PausedAt = nil
	})
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from string, apply func(*domain.Session, time.Time)) (domain.Session, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Session{}, domain.ErrInvalidOrganization
	}

	_, release, err := s.lockSession(ctx, orgID, id)
	if err != nil {
		return domain.Session{}, err
	}
	defer release()

	var session *domain.Session
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err = s.load(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if session.Status != from {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now()
		apply(session, now)
		session.UpdatedAt = now
		return s.save(ctx, tx, session)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return *session, nil
}

func (s *Service) EndSession(ctx context.Context, id snowflake.ID, reason string) (domain.Outcome, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Outcome{}, domain.ErrInvalidOrganization
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReasonAdminStop
	}
	status, ok := domain.StatusForReason(reason)
	if !ok {
		return domain.Outcome{}, domain.ErrInvalidReason
	}

	current, release, err := s.lockSession(ctx, orgID, id)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer release()
	if current.Terminal() {
		return domain.Outcome{Session: *current}, nil
	}

	var outcome domain.Outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := s.load(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		outcome = domain.Outcome{Session: *session}
		if session.Terminal() {
			return nil
		}

		final := status
		if session.Status == domain.StatusPaused {
			final = domain.StatusTerminated
		}
		if err := s.finish(ctx, tx, session, final, reason, s.clock.Now()); err != nil {
			return err
		}
		outcome.Session = *session
		outcome.Ended = true
		outcome.LockDevice = true
		return nil
	})
	if errors.Is(err, domain.ErrConflict) {
		return s.afterConflict(ctx, orgID, id)
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	if outcome.Ended {
		s.recordEnded(ctx, outcome.Session)
	}
	return outcome, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Session, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Session{}, domain.ErrInvalidOrganization
	}
	session, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Session{}, err
	}
	return *session, nil
}

func (s *Service) GetActiveByDevice(ctx context.Context, deviceID snowflake.ID) (domain.Session, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Session{}, domain.ErrInvalidOrganization
	}
	session, err := s.repo.FindOpenByDevice(ctx, s.db, orgID, deviceID)
	if err != nil {
		return domain.Session{}, err
	}
	if session == nil {
		return domain.Session{}, domain.ErrNotFound
	}
	return *session, nil
}

func (s *Service) List(ctx context.Context, req domain.ListSessionRequest) (domain.ListSessionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListSessionResponse{}, domain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	items, err := s.repo.List(ctx, s.db, orgID, domain.ListFilter{
		DeviceID: req.DeviceID,
		MemberID: req.MemberID,
		Status:   strings.TrimSpace(req.Status),
	}, pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize})
	if err != nil {
		return domain.ListSessionResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(item *domain.Session) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		return token
	})
	sessions := make([]domain.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, *item)
	}
	return domain.ListSessionResponse{PageInfo: pageInfo, Sessions: sessions}, nil
}

// lockSession reads the session and takes the device, session and member
// locks in a fixed order.
func (s *Service) lockSession(ctx context.Context, orgID, id snowflake.ID) (*domain.Session, func(), error) {
	session, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	keys := []string{lock.DeviceKey(session.DeviceID), lock.SessionKey(session.ID)}
	if session.MemberID != nil {
		keys = append(keys, lock.MemberKey(*session.MemberID))
	}
	release := s.locks.LockAll(keys...)

	// re-read under the lock so callers see the serialized state
	session, err = s.load(ctx, s.db, orgID, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	return session, release, nil
}

// claimable loads a device that can take a new session.
func (s *Service) claimable(ctx context.Context, tx *gorm.DB, orgID, deviceID snowflake.ID) (*devicedomain.Device, error) {
	device, err := s.deviceRepo.FindByID(ctx, tx, orgID, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, domain.ErrDeviceNotFound
	}
	if device.Archived() {
		return nil, domain.ErrDeviceArchived
	}
	if device.CurrentSessionID != nil {
		return nil, domain.ErrDeviceBusy
	}
	if device.Status == heartbeat.StatusMaintenance {
		return nil, domain.ErrDeviceUnavailable
	}
	open, err := s.repo.FindOpenByDevice(ctx, tx, orgID, deviceID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, domain.ErrDeviceBusy
	}
	return device, nil
}

// resolveRate picks the requested rate, then the device rate, then the org
// default.
func (s *Service) resolveRate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, requested, deviceRate *snowflake.ID) (*ratedomain.Rate, error) {
	var (
		rate *ratedomain.Rate
		err  error
	)
	switch {
	case requested != nil:
		rate, err = s.rateRepo.FindByID(ctx, tx, orgID, *requested)
	case deviceRate != nil:
		rate, err = s.rateRepo.FindByID(ctx, tx, orgID, *deviceRate)
	default:
		rate, err = s.rateRepo.FindDefault(ctx, tx, orgID)
	}
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, domain.ErrRateNotFound
	}
	if rate.Archived() {
		return nil, domain.ErrRateArchived
	}
	if !rate.Billable() {
		return nil, domain.ErrInvalidRate
	}
	return rate, nil
}

func (s *Service) newSession(orgID, deviceID snowflake.ID, memberID *snowflake.ID, rate *ratedomain.Rate, kind string) domain.Session {
	now := s.clock.Now()
	return domain.Session{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		DeviceID:     deviceID,
		MemberID:     memberID,
		RateID:       rate.ID,
		PricePerUnit: rate.PricePerUnit,
		UnitMinutes:  rate.UnitMinutes,
		SessionType:  kind,
		Status:       domain.StatusActive,
		StartedAt:    now,
		TotalAmount:  decimal.Zero,
		AmountPaid:   decimal.Zero,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// open inserts the session and attaches it to the device.
func (s *Service) open(ctx context.Context, tx *gorm.DB, session *domain.Session) error {
	if err := s.repo.Insert(ctx, tx, session); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrDeviceBusy
		}
		return err
	}
	claimed, err := s.deviceRepo.Claim(ctx, tx, session.OrgID, session.DeviceID, session.ID, session.StartedAt)
	if err != nil {
		return err
	}
	if !claimed {
		return domain.ErrDeviceBusy
	}
	return nil
}

// finish moves the session to a terminal status and releases its device in
// the same transaction.
func (s *Service) finish(ctx context.Context, tx *gorm.DB, session *domain.Session, status, reason string, now time.Time) error {
	session.Status = status
	session.EndReason = reason
	session.EndedAt = &now
	session.PausedAt = nil
	session.UpdatedAt = now
	if session.IsGuest() {
		session.TotalAmount = session.AmountPaid
	}
	if err := s.save(ctx, tx, session); err != nil {
		return err
	}

	// An unlock the device has not run yet must not outlive the session.
	superseded, err := s.commandRepo.SupersedeForSession(ctx, tx, session.OrgID, session.ID, commanddomain.TypeUnlock, now)
	if err != nil {
		return err
	}
	if superseded > 0 {
		s.log.Info("pending unlock superseded by session end",
			zap.String("session_id", session.ID.String()),
			zap.Int64("commands", superseded),
		)
	}

	device, err := s.deviceRepo.FindByID(ctx, tx, session.OrgID, session.DeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return nil
	}
	released, err := s.deviceRepo.Release(ctx, tx, session.OrgID, device.ID, session.ID, s.releaseStatus(device), now)
	if err != nil {
		return err
	}
	if !released {
		s.log.Warn("device no longer attached to ending session",
			zap.String("session_id", session.ID.String()),
			zap.String("device_id", device.ID.String()),
		)
	}
	return nil
}

// releaseStatus is online or offline per liveness; maintenance is kept.
func (s *Service) releaseStatus(device *devicedomain.Device) string {
	if device.Status == heartbeat.StatusMaintenance {
		return heartbeat.StatusMaintenance
	}
	if s.monitor.EffectiveStatus(heartbeat.StatusOnline, device.LastHeartbeat) == heartbeat.StatusOffline {
		return heartbeat.StatusOffline
	}
	return heartbeat.StatusOnline
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, session *domain.Session) error {
	updated, err := s.repo.Update(ctx, tx, session)
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrConflict
	}
	return nil
}

// afterConflict resolves a lost version race: a session another writer
// ended is returned as a no-op, anything else is surfaced.
func (s *Service) afterConflict(ctx context.Context, orgID, id snowflake.ID) (domain.Outcome, error) {
	session, err := s.load(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Outcome{}, err
	}
	if session.Terminal() {
		return domain.Outcome{Session: *session}, nil
	}
	return domain.Outcome{}, domain.ErrConflict
}

func (s *Service) attachBalance(ctx context.Context, tx *gorm.DB, session *domain.Session, outcome *domain.Outcome) error {
	member, err := s.memberRepo.FindByID(ctx, tx, session.OrgID, *session.MemberID)
	if err != nil {
		return err
	}
	if member != nil {
		outcome.Balance = &member.Credits
	}
	return nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, orgID, id snowflake.ID) (*domain.Session, error) {
	session, err := s.repo.FindByID(ctx, tx, orgID, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func (s *Service) recordEnded(ctx context.Context, session domain.Session) {
	s.metrics.RecordSessionEnded(ctx, session.OrgID.String(), session.Status, session.EndReason)
	s.log.Info("session ended",
		zap.String("session_id", session.ID.String()),
		zap.String("status", session.Status),
		zap.String("reason", session.EndReason),
		zap.Int64("total_seconds_used", session.TotalSecondsUsed),
		zap.String("total_amount", session.TotalAmount.String()),
	)
}

// owedFor is price * seconds / unit, rounded to the ledger precision.
func owedFor(price decimal.Decimal, unitMinutes int, seconds int64) decimal.Decimal {
	if unitMinutes <= 0 || seconds <= 0 {
		return decimal.Zero
	}
	return price.
		Mul(decimal.NewFromInt(seconds)).
		Div(decimal.NewFromInt(int64(unitMinutes) * 60)).
		Round(4)
}
