package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"courierlive/internal/broker"
	"courierlive/internal/config"
	"courierlive/internal/model"
	"courierlive/internal/notify"
	"courierlive/internal/oracle"
	"courierlive/internal/push"
	"courierlive/internal/state"
	"courierlive/internal/store"
	"courierlive/internal/track"
)

// Geocoder resolves delivery addresses to coordinates. Best effort: a miss
// leaves the delivery without a target.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.GeoPoint, error)
}

type Server struct {
	Store      store.Store
	Machine    *state.Machine
	Engine     *track.Engine
	Broker     broker.Broker
	Dispatcher *notify.Dispatcher
	Push       *push.Worker
	Geocoder   Geocoder
	AdminToken string

	chatLimit int
	log       *zap.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter // route id -> location ingest limiter
	limRate  rate.Limit
	limBurst int
}

// NewServer wires the full service from config. With no DATABASE_URL the
// store is in-memory; with no REDIS_URL broker and flags are in-process.
func NewServer(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = sp
	}

	var b broker.Broker
	var flags notify.FlagStore
	if cfg.RedisURL != "" {
		rb, err := broker.NewRedis(cfg.RedisURL, log)
		if err != nil {
			return nil, err
		}
		b = rb
		rf, err := notify.NewRedisFlags(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		flags = rf
	} else {
		b = broker.NewMemory(0, log)
		flags = notify.NewMemoryFlags()
	}

	var routing track.RoutingOracle
	var geocoder Geocoder
	if cfg.OracleBaseURL != "" {
		oc := oracle.NewClient(cfg.OracleBaseURL)
		routing = oc
		geocoder = oc
	}

	pw := push.NewWorker(cfg.PushGatewayURL, cfg.PushSecret, log)
	disp := notify.NewDispatcher(flags, pw.Sink(), log)
	engine := track.NewEngine(routing, flags, cfg.ProximityThresholdM, time.Duration(cfg.ETARefreshSeconds)*time.Second, log)
	machine := state.New(st, log)

	s := &Server{
		Store:      st,
		Machine:    machine,
		Engine:     engine,
		Broker:     b,
		Dispatcher: disp,
		Push:       pw,
		Geocoder:   geocoder,
		AdminToken: cfg.AdminToken,
		chatLimit:  cfg.ChatHistoryLimit,
		log:        log,
		limiters:   map[string]*rate.Limiter{},
		limRate:    rate.Limit(cfg.LocationRatePerSec),
		limBurst:   cfg.LocationBurst,
	}
	if err := s.warmStart(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// warmStart reloads live routes into the state machine after a restart.
func (s *Server) warmStart(ctx context.Context) error {
	routes, err := s.Store.ListActiveRoutes(ctx)
	if err != nil {
		return err
	}
	for _, r := range routes {
		s.Machine.Load(r)
	}
	if len(routes) > 0 {
		s.log.Info("reloaded active routes", zap.Int("count", len(routes)))
	}
	return nil
}

// ensureLoaded lazily loads a route into the machine from the repository,
// covering pending routes created before a restart.
func (s *Server) ensureLoaded(ctx context.Context, routeID string) error {
	if _, err := s.Machine.Route(routeID); err == nil {
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}
	r, err := s.Store.GetRoute(ctx, routeID)
	if err != nil {
		return err
	}
	s.Machine.Load(r)
	return nil
}

// limiter returns the location ingest limiter for a route.
func (s *Server) limiter(routeID string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[routeID]
	if !ok {
		r := s.limRate
		if r <= 0 {
			r = 2
		}
		burst := s.limBurst
		if burst <= 0 {
			burst = 5
		}
		l = rate.NewLimiter(r, burst)
		s.limiters[routeID] = l
	}
	return l
}

func (s *Server) forgetLimiter(routeID string) {
	s.limMu.Lock()
	delete(s.limiters, routeID)
	s.limMu.Unlock()
}
