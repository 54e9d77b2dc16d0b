package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatpulse/internal/broker"
	"chatpulse/internal/consumer"
	"chatpulse/internal/scheduler"
)

// PlannerService is the planner surface the control API drives.
type PlannerService interface {
	RunPlanningCycle(ctx context.Context) (int, error)
	Status(ctx context.Context) (*scheduler.PlannerStatus, error)
}

// PromoterService is the promoter surface the control API drives.
type PromoterService interface {
	RunPromotionCycle(ctx context.Context) (int, error)
	PromoteOne(ctx context.Context, id string) error
	SetBatchSize(n int) error
	Status(ctx context.Context) (*scheduler.PromoterStatus, error)
}

// ConsumerService is the consumer surface the control API drives.
type ConsumerService interface {
	Start(ctx context.Context) error
	Stop() error
	Replay(ctx context.Context, id string) error
	CurrentStatus() consumer.Status
	QueueDepth(ctx context.Context) (broker.QueueInfo, error)
}

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the control-surface handlers into a chi router.
type Server struct {
	planner   PlannerService
	promoter  PromoterService
	consumer  ConsumerService
	db        Pinger
	wsHandler http.Handler // optional
	logger    *slog.Logger
	router    chi.Router
}

// ServerConfig holds the dependencies for creating a Server.
type ServerConfig struct {
	Planner   PlannerService
	Promoter  PromoterService
	Consumer  ConsumerService
	DB        Pinger
	WSHandler http.Handler
	Logger    *slog.Logger
}

// NewServer creates the control-surface server and mounts its routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		planner:   cfg.Planner,
		promoter:  cfg.Promoter,
		consumer:  cfg.Consumer,
		db:        cfg.DB,
		wsHandler: cfg.WSHandler,
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Router returns the mounted handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) mountRoutes() {
	s.router.Use(Recoverer(s.logger))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/api/health", s.handleHealth)

	s.router.Route("/api/pipeline", func(r chi.Router) {
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/scheduler/trigger", s.handleSchedulerTrigger)

		r.Get("/promoter/status", s.handlePromoterStatus)
		r.Post("/promoter/trigger", s.handlePromoterTrigger)
		r.Put("/promoter/batch-size", s.handleSetBatchSize)

		r.Get("/consumer/status", s.handleConsumerStatus)
		r.Post("/consumer/start", s.handleConsumerStart)
		r.Post("/consumer/stop", s.handleConsumerStop)
		r.Post("/consumer/replay/{id}", s.handleConsumerReplay)

		r.Get("/queue/info", s.handleQueueInfo)
	})

	if s.wsHandler != nil {
		s.router.Get("/ws", s.wsHandler.ServeHTTP)
	}
}
