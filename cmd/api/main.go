package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahwlsqja/nonce-guard/docs"
	"github.com/ahwlsqja/nonce-guard/internal/challenge"
	"github.com/ahwlsqja/nonce-guard/internal/common/handler"
	"github.com/ahwlsqja/nonce-guard/internal/common/middleware"
	"github.com/ahwlsqja/nonce-guard/internal/config"
	"github.com/ahwlsqja/nonce-guard/internal/digest"
	pkgdb "github.com/ahwlsqja/nonce-guard/pkg/db"
	"github.com/ahwlsqja/nonce-guard/pkg/nonce"
	pkgredis "github.com/ahwlsqja/nonce-guard/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// @title Nonce Guard API
// @version 1.0
// @description Signed nonce issuance, validation and HTTP Digest authentication
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

func main() {
	// 1) 로거 초기화
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 2) 설정 로드
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting server",
		zap.String("environment", cfg.Server.Environment),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ledger", cfg.Nonce.Ledger),
		zap.String("credentials", cfg.Digest.Credentials),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3) DB 초기화 (mysql 자격증명 사용 시에만, fail-fast)
	var db *sql.DB
	if cfg.NeedsDatabase() {
		db, err = pkgdb.Open(ctx, pkgdb.Config{
			DSN:             cfg.Database.DSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, 5*time.Second)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
	}

	// 4) Redis 초기화 (redis ledger 사용 시에만, fail-fast)
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = pkgredis.New(pkgredis.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pkgredis.Ping(pingCtx, rdb)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
	}

	// 5) 메트릭 레지스트리
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 6) Nonce manager
	manager, err := initManager(cfg, logger, rdb, nonce.NewMetrics(registry))
	if err != nil {
		logger.Fatal("failed to create nonce manager", zap.Error(err))
	}
	defer manager.Close()

	// 7) Digest 인증 메커니즘
	mechanism, err := initMechanism(ctx, cfg, logger, db, manager)
	if err != nil {
		logger.Fatal("failed to create digest mechanism", zap.Error(err))
	}

	// 8) 라우터 구성
	router := setupRouter(cfg, logger, db, rdb, registry, manager, mechanism)

	// 9) HTTP 서버 생성
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 10) 서버 시작 + 종료 시그널 대기 후 graceful shutdown
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.String("addr", cfg.Server.Addr()),
			zap.String("swagger", fmt.Sprintf("http://localhost:%d/swagger/index.html", cfg.Server.Port)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}

	logger.Info("server exited")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func initManager(cfg *config.Config, logger *zap.Logger, rdb *redis.Client, metrics *nonce.Metrics) (*nonce.Manager, error) {
	var ledger nonce.Ledger = nonce.NewMemoryLedger()
	if cfg.Nonce.Ledger == config.LedgerRedis {
		ledger = nonce.NewRedisLedgerWithPrefix(rdb, cfg.Nonce.RedisPrefix, logger)
	}

	return nonce.NewManager(nonce.Config{
		ValidityPeriod:  cfg.Nonce.ValidityPeriod,
		SingleUse:       cfg.Nonce.SingleUse,
		PrivateKeySize:  cfg.Nonce.PrivateKeySize,
		DigestAlgorithm: cfg.Nonce.DigestAlgorithm,
	},
		nonce.WithLogger(logger.Named("nonce")),
		nonce.WithLedger(ledger),
		nonce.WithMetrics(metrics),
	)
}

func initMechanism(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *sql.DB, manager *nonce.Manager) (*digest.Mechanism, error) {
	var credentials digest.CredentialSource
	switch cfg.Digest.Credentials {
	case config.CredentialsMySQL:
		source := digest.NewSQLSource(db)
		if err := source.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if err := source.Seed(ctx, cfg.Digest.Realm, cfg.Digest.Users); err != nil {
			return nil, err
		}
		credentials = source
	default:
		if len(cfg.Digest.Users) == 0 {
			logger.Warn("no digest users configured; every digest request will be rejected")
		}
		credentials = digest.NewStaticSource(cfg.Digest.Realm, cfg.Digest.Users)
	}

	return digest.NewMechanism(digest.Config{
		Realm:     cfg.Digest.Realm,
		Algorithm: cfg.Digest.Algorithm,
	}, manager, credentials, logger.Named("digest"))
}

func setupRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *sql.DB,
	rdb *redis.Client,
	registry *prometheus.Registry,
	manager *nonce.Manager,
	mechanism *digest.Mechanism,
) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger, "/health", "/ready", "/metrics"))

	// Swagger 설정
	docs.SwaggerInfo.Host = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health & metrics endpoints
	healthHandler := handler.NewHealthHandler(db, rdb)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// ============================================================================
	// Service & Handler Setup
	// ============================================================================

	challengeHandler := challenge.NewHandler(challenge.NewService(manager, logger.Named("challenge")))

	// ============================================================================
	// Route Registration
	// ============================================================================

	v1 := router.Group("/api/v1")
	{
		challengeHandler.RegisterRoutes(v1)
		mechanism.RegisterRoutes(v1)
	}

	return router
}
