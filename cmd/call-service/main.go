package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"peercall-backend/internal/config"
	"peercall-backend/internal/database"
	callHandler "peercall-backend/internal/handler/http/call"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/history"
	"peercall-backend/internal/identity"
	"peercall-backend/internal/media"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/presence"
	"peercall-backend/internal/repository/cockroach"
	redisRepo "peercall-backend/internal/repository/redis"
	"peercall-backend/internal/session"
	"peercall-backend/internal/signaling"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	// 1. Logger
	if err := logger.Init(&logger.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. JWT Manager
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, 15*time.Minute, cfg.JWTAudience)

	// 3. Redis (signaling bus + presence mirror), degraded mode tolerated
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	})
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. CockroachDB for call history; absence degrades to no persistence
	var sink history.Sink = history.NopSink{}
	var asyncSink *history.AsyncSink
	var store history.Store
	db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB: %v", err)
		log.Println("Running without call history persistence")
	} else {
		defer db.Close()
		callRepo := cockroach.NewCallRepository(db)
		if err := callRepo.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure call history schema: %v", err)
		}
		asyncSink = history.NewAsyncSink(callRepo)
		sink = asyncSink
		store = callRepo
		log.Println("✅ Connected to CockroachDB")
	}

	// 5. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 6. Presence registry mirrored into Redis
	registry := presence.NewRegistry(
		presence.WithMirror(redisRepo.NewPresenceRepository(redisDB, cfg.HeartbeatTTL)),
		presence.WithHeartbeatTTL(cfg.HeartbeatTTL),
		presence.WithOnlineCountHook(appMetrics.SetUsersOnline),
	)
	registry.StartReaper(ctx, cfg.HeartbeatTTL/4)

	// 7. Local capture devices
	device, err := media.NewDevice()
	if err != nil {
		log.Fatalf("Failed to initialize capture devices: %v", err)
	}
	mediaSource := session.ManagerSource{Manager: media.NewManager(device)}
	connector := session.AdapterConnector{Populator: device}

	// 8. Call engine
	engine := session.NewEngine(session.EngineParams{
		Config: session.Config{
			RingTimeout:     cfg.RingTimeout,
			DialTimeout:     cfg.DialTimeout,
			ReconnectWindow: cfg.ReconnectWindow,
			ICEServers:      cfg.ICEServers,
		},
		Bus:        signaling.NewRedisBus(redisDB),
		Presence:   registry,
		Media:      mediaSource,
		Connector:  connector,
		Directory:  identity.NewRedisDirectory(redisDB),
		History:    sink,
		Metrics:    appMetrics,
		SigMetrics: appMetrics,
	})

	// 9. Handlers
	callHdlr := callHandler.NewHandler(engine, store, cfg.ICEServers)
	eventsHdlr := wsHandler.NewEventsHandler(engine, appMetrics)
	dialLimiter := middleware.NewRateLimiter(redisDB, 30, time.Minute)

	// 10. Router
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.JWTAuthMiddleware(jwtManager))
	{
		callHdlr.RegisterRoutes(v1, dialLimiter.Middleware())
		v1.GET("/ws/events", eventsHdlr.Handle)
	}

	// 11. Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", cfg.Port)
		log.Println("📡 Event stream: /v1/ws/events")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	engine.Close(shutdownCtx)
	if asyncSink != nil {
		if err := asyncSink.Drain(shutdownCtx); err != nil {
			log.Printf("Call history drain incomplete: %v", err)
		}
	}

	log.Println("Server exited")
}
