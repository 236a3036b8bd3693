package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rtc-service/internal/auth"
	"rtc-service/internal/cache"
	"rtc-service/internal/calls"
	"rtc-service/internal/clock"
	"rtc-service/internal/config"
	"rtc-service/internal/db"
	"rtc-service/internal/delivery"
	"rtc-service/internal/dispatch"
	"rtc-service/internal/e2ee"
	rtcgrpc "rtc-service/internal/grpc"
	"rtc-service/internal/handlers"
	"rtc-service/internal/logging"
	"rtc-service/internal/middleware"
	"rtc-service/internal/observability"
	"rtc-service/internal/presence"
	"rtc-service/internal/rabbitmq"
	"rtc-service/internal/ratelimit"
	"rtc-service/internal/repositories"
	"rtc-service/internal/rtc"
	"rtc-service/internal/session"
	"rtc-service/internal/telemetry"
	"rtc-service/internal/tracing"
	"rtc-service/internal/ws"
)

const serviceName = "rtc-service"

type stores struct {
	rooms      repositories.RoomRepository
	messages   repositories.MessageRepository
	deliveries repositories.DeliveryRepository
	calls      repositories.CallRepository
	users      repositories.UserRepository
	close      func() error
}

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	keyDB, err := openKeyStore(cfg)
	if err != nil {
		return err
	}
	keyStore := e2ee.NewStore(keyDB)
	if err := keyStore.Migrate(ctx); err != nil {
		return err
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	auditor := telemetry.NewAuditEmitter(publisher, "audit.rtc", serviceName, cfg.Environment, logger)

	var unread delivery.UnreadCounter
	var mirror presence.Mirror
	if cfg.RedisAddr != "" {
		kv, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, presence mirror and unread counters disabled", "error", err)
		} else {
			defer kv.Close()
			unread, mirror = kv, kv
		}
	}

	clk := clock.Real()
	dispatcher := dispatch.New(logger, cfg.DispatchTaskExpiry)
	sessions := session.NewRegistry()
	hub := ws.NewHub(sessions, publisher, logger)
	presenceReg := presence.NewRegistry(clk, cfg.PresenceTTL, mirror, logger)
	typing := presence.NewTypingRegistry(clk)

	limiter := ratelimit.New(clk)
	policy := ratelimit.NewPolicy(limiter, cfg)

	inbox := delivery.NewInboxService(st.rooms, st.messages, st.deliveries, hub, unread, clk, logger)
	pipeline := delivery.NewPipeline(st.rooms, st.messages, dispatcher, inbox, hub, publisher, clk, logger)

	callSvc := calls.NewService(st.rooms, st.calls, dispatcher, hub, publisher, clk, logger, calls.Options{
		RingTimeout:     cfg.RingTimeout,
		SignalBufferMax: cfg.SignalBufferMax,
	})
	if err := callSvc.Restore(ctx); err != nil {
		return err
	}

	keySvc := e2ee.NewService(keyStore, auditor, clk, logger)
	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer, st.users, clk)
	turn := rtc.NewTURNIssuer(cfg.TURNURIs, cfg.TURNSecret, cfg.TURNTTL, clk)

	router := ws.NewRouter(ws.RouterDeps{
		Hub:       hub,
		Messages:  pipeline,
		Inbox:     inbox,
		Calls:     callSvc,
		Rooms:     st.rooms,
		Presence:  presenceReg,
		Typing:    typing,
		Limits:    policy,
		TypingTTL: cfg.TypingTTL,
		Logger:    logger,
	})
	wsHandler := ws.NewHandler(hub, router, validator, policy, ws.HandlerConfig{
		Permits:    cfg.WSPermits,
		PermitWait: cfg.WSPermitWait,
	}, logger)

	stats := func() map[string]any {
		return map[string]any{
			"connected_users": sessions.Users(),
			"dispatch_keys":   dispatcher.ActiveKeys(),
			"redis_enabled":   unread != nil,
		}
	}

	engine := newEngine(cfg, validator, auditor, stats, wsHandler,
		handlers.NewMessageHandler(pipeline, inbox),
		handlers.NewCallHandler(callSvc),
		handlers.NewKeyHandler(keySvc, validator, turn),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := rtcgrpc.NewServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error {
		grpcServer.SetServing(true)
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(gctx, grpcLis)
	})
	g.Go(func() error {
		callSvc.RunSweeper(gctx, cfg.CallSweepInterval)
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, cfg.RateLimitPrune, func() {
			if n := limiter.Prune(); n > 0 {
				logger.Debug("rate limit windows pruned", "count", n)
			}
		})
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, time.Second, func() {
			presenceReg.Sweep()
			typing.Sweep()
			observability.SetDispatchActiveKeys(dispatcher.ActiveKeys())
		})
		return nil
	})

	err = g.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := dispatcher.Wait(dctx); werr != nil {
		logger.Warn("dispatcher did not drain", "error", werr)
	}
	return err
}

func newEngine(
	cfg config.Config,
	validator *auth.Validator,
	auditor handlers.Auditor,
	stats handlers.DebugStats,
	wsHandler *ws.Handler,
	messages *handlers.MessageHandler,
	callHistory *handlers.CallHandler,
	keys *handlers.KeyHandler,
) *gin.Engine {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)

	authed := router.Group("/", middleware.AuthMiddleware(validator))

	authed.GET("/rooms/:room_id/messages", messages.History)
	authed.POST("/rooms/:room_id/messages", messages.PostMessage)
	authed.DELETE("/rooms/:room_id/messages/:message_id", messages.DeleteMessage)
	authed.GET("/messages/pending", messages.Pending)
	authed.POST("/messages/:message_id/delivered", messages.Delivered)
	authed.GET("/rooms/:room_id/calls", callHistory.History)

	authed.POST("/e2ee/devices", keys.RegisterDevice)
	authed.GET("/e2ee/users/:user/devices", keys.ListDevices)
	authed.POST("/e2ee/users/:user/devices/:device_id/claim", keys.ClaimBundle)
	authed.GET("/rtc/turn", keys.TURNCredentials)

	handlers.RegisterDebugRoutes(authed, auditor, stats, cfg.Environment != "prod")

	return router
}

// openStores returns the sqlx repositories, or the in-memory store when no
// database is configured.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn("DB_DSN not set, using in-memory store")
		mem := repositories.NewMemoryStore()
		return stores{
			rooms:      mem,
			messages:   mem,
			deliveries: mem,
			calls:      mem,
			users:      mem,
			close:      func() error { return nil },
		}, nil
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return stores{}, err
	}
	return stores{
		rooms:      repositories.NewRoomRepo(database),
		messages:   repositories.NewMessageRepo(database),
		deliveries: repositories.NewDeliveryRepo(database),
		calls:      repositories.NewCallRepo(database),
		users:      repositories.NewUserRepo(database),
		close:      database.Close,
	}, nil
}

func openKeyStore(cfg config.Config) (*gorm.DB, error) {
	if cfg.DatabaseDSN != "" {
		return e2ee.Open(cfg.DatabaseDSN, cfg.LogLevel == "debug")
	}
	keyDB, err := gorm.Open(sqlite.Open("file:e2ee?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := keyDB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return keyDB, nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
