package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/broadcast"
	commanddomain "github.com/smallbiznis/netcafe/internal/command/domain"
	"github.com/smallbiznis/netcafe/internal/config"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	memberdomain "github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/internal/observability"
	obsmiddleware "github.com/smallbiznis/netcafe/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/netcafe/internal/observability/metrics"
	obstracing "github.com/smallbiznis/netcafe/internal/observability/tracing"
	"github.com/smallbiznis/netcafe/internal/orchestrator"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	"github.com/smallbiznis/netcafe/internal/ratelimit"
	sessiondomain "github.com/smallbiznis/netcafe/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	deviceSvc     devicedomain.Service
	rateSvc       ratedomain.Service
	memberSvc     memberdomain.Service
	billingSvc    billingdomain.Service
	sessionSvc    sessiondomain.Service
	commandSvc    commanddomain.Service
	auditSvc      auditdomain.Service
	orchestrator  *orchestrator.Orchestrator
	broadcaster   *broadcast.Broadcaster
	deviceLimiter *ratelimit.DeviceLimiter
	obsMetrics    *obsmetrics.Metrics

	sseHeartbeat time.Duration
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	DeviceSvc     devicedomain.Service
	RateSvc       ratedomain.Service
	MemberSvc     memberdomain.Service
	BillingSvc    billingdomain.Service
	SessionSvc    sessiondomain.Service
	CommandSvc    commanddomain.Service
	AuditSvc      auditdomain.Service
	Orchestrator  *orchestrator.Orchestrator
	Broadcaster   *broadcast.Broadcaster
	DeviceLimiter *ratelimit.DeviceLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		deviceSvc:     p.DeviceSvc,
		rateSvc:       p.RateSvc,
		memberSvc:     p.MemberSvc,
		billingSvc:    p.BillingSvc,
		sessionSvc:    p.SessionSvc,
		commandSvc:    p.CommandSvc,
		auditSvc:      p.AuditSvc,
		orchestrator:  p.Orchestrator,
		broadcaster:   p.Broadcaster,
		deviceLimiter: p.DeviceLimiter,
		obsMetrics:    p.ObsMetrics,
		sseHeartbeat:  15 * time.Second,
	}

	svc.registerDeviceRoutes()
	svc.registerAdminRoutes()
	svc.registerMemberRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerDeviceRoutes() {
	device := s.engine.Group("/device/v1", OrgContext(), ActorContext(actorDevice), s.DeviceRateLimit())

	device.POST("/devices/:id/heartbeat", s.DeviceHeartbeat)
	device.GET("/devices/:id/commands", s.PollCommands)
	device.GET("/devices/:id/events", s.StreamDeviceEvents)

	device.POST("/sessions/:id/tick", s.TickSession)

	device.POST("/commands/:id/sent", s.AckCommandSent)
	device.POST("/commands/:id/executed", s.AckCommandExecuted)
	device.POST("/commands/:id/failed", s.AckCommandFailed)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1", OrgContext(), ActorContext(actorAdmin))

	admin.GET("/devices", s.ListDevices)
	admin.POST("/devices", s.RegisterDevice)
	admin.GET("/devices/:id", s.GetDevice)
	admin.POST("/devices/:id/rate", s.AssignDeviceRate)
	admin.POST("/devices/:id/maintenance", s.SetDeviceMaintenance)
	admin.POST("/devices/:id/archive", s.ArchiveDevice)
	admin.GET("/devices/:id/commands", s.ListDeviceCommands)
	admin.POST("/devices/:id/commands", s.EnqueueCommand)
	admin.POST("/devices/:id/sessions/guest", s.StartGuestSession)
	admin.POST("/devices/:id/sessions/member", s.StartMemberSession)

	admin.GET("/rates", s.ListRates)
	admin.POST("/rates", s.CreateRate)
	admin.GET("/rates/default", s.GetDefaultRate)
	admin.GET("/rates/:id", s.GetRate)
	admin.POST("/rates/:id/revise", s.ReviseRate)

	admin.GET("/members", s.ListMembers)
	admin.POST("/members", s.CreateMember)
	admin.GET("/members/:id", s.GetMember)
	admin.GET("/members/:id/balance", s.GetMemberBalance)
	admin.GET("/members/:id/transactions", s.ListTransactions)
	admin.POST("/members/:id/topup", s.TopUp)
	admin.POST("/members/:id/refund", s.Refund)
	admin.POST("/members/:id/adjustment", s.Adjustment)
	admin.GET("/members/:id/reconcile", s.ReconcileMember)

	admin.GET("/sessions", s.ListSessions)
	admin.GET("/sessions/:id", s.GetSession)
	admin.POST("/sessions/:id/end", s.EndSession)
	admin.POST("/sessions/:id/pause", s.PauseSession)
	admin.POST("/sessions/:id/resume", s.ResumeSession)

	admin.GET("/commands/:id", s.GetCommand)

	admin.GET("/audit-logs", s.ListAuditLogs)
	admin.GET("/events", s.StreamOrgEvents)
}

func (s *Server) registerMemberRoutes() {
	member := s.engine.Group("/member/v1", OrgContext(), ActorContext(actorMember))

	member.POST("/sessions", s.MemberLogin)
	member.POST("/sessions/:id/logout", s.MemberLogout)
	member.GET("/members/:id/balance", s.MemberBalance)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
