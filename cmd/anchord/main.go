package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/handler"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/repository"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/service"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"github.com/jmerrifield20/EvidenceAnchor/internal/webhooks"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("anchord exited with error", zap.Error(err))
	}
}

type recordStore interface {
	CreateIfAbsent(ctx context.Context, rec *model.AnchorRecord) (*model.AnchorRecord, bool, error)
	Get(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error)
	Update(ctx context.Context, rec *model.AnchorRecord, from model.Status) error
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.AnchorRecord, error)
	ListRecentByStatus(ctx context.Context, status model.Status, since time.Time, limit int) ([]*model.AnchorRecord, error)
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("anchord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.HealthCheck{}

	// ── Database ─────────────────────────────────────────────────────────────
	var (
		repo  recordStore
		audit auditchain.Log
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		repo = repository.NewPostgresRecordRepository(db)
		audit = auditchain.NewPostgresLog(db, logger)
		checks["postgres"] = db.Ping
	} else {
		logger.Warn("database.url is empty; records and audit chain are kept in memory")
		repo = repository.NewMemoryRecordRepository()
		audit = auditchain.NewMemoryLog()
	}

	if err := audit.Verify(ctx); err != nil {
		logger.Warn("audit chain integrity check FAILED", zap.Error(err))
	} else {
		n, _ := audit.Len(ctx)
		root, _ := audit.Root(ctx)
		logger.Info("audit chain verified", zap.Int("entries", n), zap.String("root", root))
	}

	// ── Locks ────────────────────────────────────────────────────────────────
	var (
		locker    lock.Locker = lock.NewMemoryLocker()
		signerLck lock.Locker
	)
	if addr := viper.GetString("redis.addr"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: viper.GetString("redis.password")})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		rl := lock.NewRedisLocker(rdb, "anchord:lock:", viper.GetDuration("redis.lock_ttl"), logger)
		locker, signerLck = rl, rl
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("redis locker configured", zap.String("addr", addr))
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	var store ledger.Store
	switch backend := viper.GetString("ledger.backend"); backend {
	case "evm":
		evm, err := ledger.DialEVM(ctx, ledger.EVMConfig{
			RPCURL:          viper.GetString("ledger.rpc_url"),
			ContractAddress: viper.GetString("ledger.contract_address"),
			PrivateKey:      viper.GetString("ledger.private_key"),
			ChainID:         viper.GetInt64("ledger.chain_id"),
		}, logger)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		defer evm.Close()
		store = evm
		checks["ledger"] = func(ctx context.Context) error {
			_, err := evm.Head(ctx)
			return err
		}
		logger.Info("ledger: evm",
			zap.String("contract", viper.GetString("ledger.contract_address")),
			zap.String("submitter", evm.Submitter()),
		)
	case "memory":
		store = ledger.NewMemoryStore("anchord")
		logger.Warn("ledger: in-memory simulation; anchors do not survive a restart")
	default:
		return fmt.Errorf("unknown ledger.backend %q", backend)
	}

	seq := ledger.NewSequencer(store, store.Submitter(), signerLck, logger)

	// ── Service ──────────────────────────────────────────────────────────────
	fees := ledger.FeePolicy{
		SingleGas:    viper.GetUint64("fee.single_gas"),
		BatchBaseGas: viper.GetUint64("fee.batch_base_gas"),
		BatchItemGas: viper.GetUint64("fee.batch_item_gas"),
		BumpPercent:  viper.GetInt64("fee.bump_percent"),
	}
	if gwei := viper.GetInt64("fee.max_gas_price_gwei"); gwei > 0 {
		fees.MaxGasPrice = new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
	}

	svc := service.New(repo, store, seq, locker, service.Config{
		Mode:        viper.GetString("orchestrator.mode"),
		MaxInFlight: viper.GetInt("orchestrator.max_in_flight"),
		Batch: service.AggregatorConfig{
			MaxSize: viper.GetInt("batch.max_size"),
			MaxWait: viper.GetDuration("batch.max_wait"),
		},
		Orchestrator: service.OrchestratorConfig{
			Retry: service.RetryPolicy{
				MaxAttempts:    viper.GetInt("orchestrator.max_attempts"),
				BaseDelay:      viper.GetDuration("orchestrator.base_delay"),
				MaxDelay:       viper.GetDuration("orchestrator.max_delay"),
				Jitter:         viper.GetFloat64("orchestrator.jitter"),
				AttemptTimeout: viper.GetDuration("orchestrator.attempt_timeout"),
			},
			Fees: fees,
		},
		Tracker: service.TrackerConfig{
			PollInterval:  viper.GetDuration("tracker.poll_interval"),
			Confirmations: viper.GetUint64("tracker.confirmations"),
			ReorgWindow:   viper.GetDuration("tracker.reorg_window"),
			DropTimeout:   viper.GetDuration("tracker.drop_timeout"),
			ListLimit:     viper.GetInt("tracker.list_limit"),
		},
	}, logger)
	svc.SetAudit(audit)
	svc.SetMetrics(handler.Metrics{})

	var notifier *webhooks.Notifier
	if url := viper.GetString("webhook.url"); url != "" {
		notifier = webhooks.NewNotifier(url, viper.GetString("webhook.secret"), logger)
		notifier.SetMetricsRecorder(handler.RecordWebhookDelivery)
		svc.SetNotifier(notifier)
		logger.Info("webhook notifications enabled", zap.String("url", url))
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start anchoring service: %w", err)
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	anchorHandler := handler.NewAnchorHandler(svc, logger)
	anchorHandler.SetAdminSecret(viper.GetString("server.admin_secret"))
	verifyHandler := handler.NewVerifyHandler(svc, logger)
	auditHandler := handler.NewAuditHandler(audit, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Admin-Secret"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", handler.Healthz(checks))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	anchorHandler.Register(v1)
	verifyHandler.Register(v1)
	auditHandler.Register(v1)

	port := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("anchord HTTP listening",
			zap.Int("port", port),
			zap.String("mode", viper.GetString("orchestrator.mode")),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("HTTP listen error", zap.Error(runErr))
	}
	logger.Info("shutting down anchord...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// Flush buffered requests, then give in-flight writes until the deadline.
	svc.Stop()
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("in-flight writes did not finish before the deadline; aborting")
		svc.Abort()
		<-done
	}
	if notifier != nil {
		if err := notifier.Wait(shutdownCtx); err != nil {
			logger.Warn("pending webhook deliveries dropped", zap.Error(err))
		}
	}

	logger.Info("anchord stopped")
	return runErr
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.admin_secret", "")
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)

	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.lock_ttl", 2*time.Minute)

	viper.SetDefault("ledger.backend", "memory")
	viper.SetDefault("ledger.rpc_url", "")
	viper.SetDefault("ledger.contract_address", "")
	viper.SetDefault("ledger.private_key", "")
	viper.SetDefault("ledger.chain_id", 0)

	viper.SetDefault("fee.single_gas", 250_000)
	viper.SetDefault("fee.batch_base_gas", 100_000)
	viper.SetDefault("fee.batch_item_gas", 50_000)
	viper.SetDefault("fee.bump_percent", 20)
	viper.SetDefault("fee.max_gas_price_gwei", 500)

	viper.SetDefault("orchestrator.mode", service.ModeBatch)
	viper.SetDefault("orchestrator.max_attempts", 5)
	viper.SetDefault("orchestrator.base_delay", time.Second)
	viper.SetDefault("orchestrator.max_delay", 30*time.Second)
	viper.SetDefault("orchestrator.jitter", 0.2)
	viper.SetDefault("orchestrator.attempt_timeout", 30*time.Second)
	viper.SetDefault("orchestrator.max_in_flight", 8)

	viper.SetDefault("batch.max_size", ledger.MaxBatchSize)
	viper.SetDefault("batch.max_wait", 10*time.Second)

	viper.SetDefault("tracker.poll_interval", 15*time.Second)
	viper.SetDefault("tracker.confirmations", 12)
	viper.SetDefault("tracker.reorg_window", time.Hour)
	viper.SetDefault("tracker.drop_timeout", 10*time.Minute)
	viper.SetDefault("tracker.list_limit", 500)

	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.secret", "")
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
