package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Triviape/triviape-sub002/internal/api"
	"github.com/Triviape/triviape-sub002/internal/content"
	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/gateway"
	"github.com/Triviape/triviape-sub002/internal/history"
	"github.com/Triviape/triviape-sub002/internal/identity"
	"github.com/Triviape/triviape-sub002/internal/leaderboard"
	"github.com/Triviape/triviape-sub002/internal/session"
	"github.com/Triviape/triviape-sub002/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

type Config struct {
	HTTP struct {
		Port int32
		// AllowedOrigins applies to CORS and the websocket upgrade. Empty allows any origin for CORS
		// reads but only the same origin for the websocket.
		AllowedOrigins []string
	}

	GRPC struct {
		Port int32
	}

	Events struct {
		// PoolSize bounds the event handlers running at the same time.
		PoolSize       int
		HandlerTimeout time.Duration
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Postgres struct {
		History PostgresConfig
		Content PostgresConfig
	}

	NATS struct {
		URL           string
		Subject       string
		MaxReconnects int
		ReconnectWait time.Duration
	}

	Content struct {
		File string
	}

	Auth struct {
		// JWTSecret switches the handshake from opaque player ids to signed tokens.
		JWTSecret string
	}

	Gateway struct {
		HandshakeTimeout  time.Duration
		HeartbeatInterval time.Duration
		MissedHeartbeats  int
	}

	Game struct {
		MaxPlayers         int
		MinPlayers         int
		QuestionCount      int
		TimePerQuestion    time.Duration
		Countdown          time.Duration
		GracePeriod        time.Duration
		TimerInterval      time.Duration
		Retention          time.Duration
		BasePoints         int
		BonusForSpeed      bool
		MaxSpeedMultiplier float64
		LeaderboardTTL     time.Duration
		// LeaderboardInterval is the minimum gap between two leaderboard pushes of a session.
		LeaderboardInterval time.Duration
	}
}

// DefaultConfig is what Load starts from; every value can be overridden by file or environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Events.PoolSize = 1000
	c.Events.HandlerTimeout = 10 * time.Second
	c.Redis.Leaderboard.Prefix = "triviape"
	c.Redis.Pubsub.Prefix = "triviape"
	c.NATS.Subject = "triviape.session.completed"
	c.NATS.MaxReconnects = 10
	c.NATS.ReconnectWait = 2 * time.Second
	c.Gateway.HandshakeTimeout = 10 * time.Second
	c.Gateway.HeartbeatInterval = 30 * time.Second
	c.Gateway.MissedHeartbeats = 2
	c.Game.MaxPlayers = 8
	c.Game.MinPlayers = 2
	c.Game.QuestionCount = 10
	c.Game.TimePerQuestion = 30 * time.Second
	c.Game.Countdown = 3 * time.Second
	c.Game.GracePeriod = 60 * time.Second
	c.Game.TimerInterval = time.Second
	c.Game.Retention = 10 * time.Minute
	c.Game.BasePoints = 100
	c.Game.BonusForSpeed = true
	c.Game.MaxSpeedMultiplier = 1.5
	c.Game.LeaderboardTTL = time.Hour
	c.Game.LeaderboardInterval = 200 * time.Millisecond
	return c
}

func (c Config) settings() domain.Settings {
	return domain.Settings{
		MaxPlayers:      c.Game.MaxPlayers,
		MinPlayers:      c.Game.MinPlayers,
		QuestionCount:   c.Game.QuestionCount,
		TimePerQuestion: c.Game.TimePerQuestion,
		Countdown:       c.Game.Countdown,
		GracePeriod:     c.Game.GracePeriod,
		Scoring: domain.ScoringSettings{
			BasePoints:         c.Game.BasePoints,
			BonusForSpeed:      c.Game.BonusForSpeed,
			MaxSpeedMultiplier: c.Game.MaxSpeedMultiplier,
		},
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			history *pgxpool.Pool
			content *pgxpool.Pool
		}

		nats *nats.Conn
	}

	service struct {
		content     content.Source
		sessions    *session.Manager
		leaderboard *leaderboard.Service
		history     *history.Service
	}

	hub    *gateway.Hub
	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus(
		event.WithPoolSize(c.Events.PoolSize),
		event.WithTimeout(c.Events.HandlerTimeout),
	)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initNATS(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, c RedisConfig) (redis.UniversalClient, error) {
		if len(c.Addrs) == 0 {
			slog.Info("server: redis disabled", "client", name)
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(name string, c PostgresConfig) (*pgxpool.Pool, error) {
		if c.Addr == "" {
			slog.Info("server: postgres disabled", "database", name)
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.history, err = connect("history", s.c.Postgres.History)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	s.infra.postgres.content, err = connect("content", s.c.Postgres.Content)
	if err != nil {
		return fmt.Errorf("content: %w", err)
	}

	return nil
}

func (s *Server) initNATS() (err error) {
	if s.c.NATS.URL == "" {
		slog.Info("server: nats disabled")
		return nil
	}

	opts := []nats.Option{
		nats.Name("triviape"),
		nats.MaxReconnects(s.c.NATS.MaxReconnects),
		nats.ReconnectWait(s.c.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
	}

	s.infra.nats, err = nats.Connect(s.c.NATS.URL, opts...)
	return err
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case s.infra.postgres.content != nil:
		s.service.content = content.NewPostgresSource(s.infra.postgres.content)
	case s.c.Content.File != "":
		bank, err := content.LoadFile(s.c.Content.File)
		if err != nil {
			return fmt.Errorf("content: %w", err)
		}
		slog.Info("server: question bank loaded", "file", s.c.Content.File, "questions", bank.Len())
		s.service.content = bank
	default:
		return errors.New("content: neither a postgres database nor a question file is configured")
	}

	if s.infra.redis.leaderboard != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis.leaderboard,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
			TTL:      s.c.Game.LeaderboardTTL,

			PublishInterval: s.c.Game.LeaderboardInterval,
		})
	}

	var stores []history.Store
	if db := s.infra.postgres.history; db != nil {
		ps := history.NewPostgresStore(db)
		if err := ps.Migrate(ctx); err != nil {
			return fmt.Errorf("history: %w", err)
		}
		stores = append(stores, ps)
	}
	if s.infra.nats != nil {
		stores = append(stores, history.NewNATSPublisher(s.infra.nats, s.c.NATS.Subject))
	}
	if len(stores) > 0 {
		s.service.history = history.NewService(history.Config{
			EventBus: s.eb,
			Stores:   stores,
		})
	}

	s.hub = gateway.NewHub()
	s.service.sessions = session.NewManager(session.Config{
		Broadcaster:   s.hub,
		EventBus:      s.eb,
		Content:       s.service.content,
		Defaults:      s.c.settings(),
		TimerInterval: s.c.Game.TimerInterval,
		Retention:     s.c.Game.Retention,
	})

	return nil
}

func (s *Server) authenticator() identity.Authenticator {
	if s.c.Auth.JWTSecret == "" {
		return identity.Opaque{}
	}
	return identity.NewJWTVerifier(s.c.Auth.JWTSecret)
}

func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.c.HTTP.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return slices.Contains(s.c.HTTP.AllowedOrigins, "*") || slices.Contains(s.c.HTTP.AllowedOrigins, origin)
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	gw := gateway.New(gateway.Config{
		Hub:               s.hub,
		Sessions:          s.service.sessions,
		Auth:              s.authenticator(),
		HandshakeTimeout:  s.c.Gateway.HandshakeTimeout,
		HeartbeatInterval: s.c.Gateway.HeartbeatInterval,
		MissedHeartbeats:  s.c.Gateway.MissedHeartbeats,
		CheckOrigin:       s.allowOrigin,
	})

	ac := api.Config{
		Router:       e,
		EventBus:     s.eb,
		Sessions:     s.service.sessions,
		Leaderboard:  s.service.leaderboard,
		Gateway:      gw,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}
	if s.infra.redis.pubsub != nil {
		ac.Redis = s.infra.redis.pubsub
	}
	api.New(ac)

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.http = &http.Server{
		Addr: fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler: cors.New(cors.Options{
			AllowedOrigins: s.c.HTTP.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		}).Handler(e),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.sessions.Stop()
	s.eb.Stop()
	if s.service.leaderboard != nil {
		s.service.leaderboard.Stop(ctx)
		s.eb.Stop()
	}

	if s.infra.nats != nil {
		if err := s.infra.nats.Drain(); err != nil {
			slog.ErrorContext(ctx, "server: drain nats failed", "error", err)
		}
	}
	for _, db := range []*pgxpool.Pool{s.infra.postgres.history, s.infra.postgres.content} {
		if db != nil {
			db.Close()
		}
	}
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if r != nil {
			_ = r.Close()
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
