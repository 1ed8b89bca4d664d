package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/handler"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/service"
	"github.com/jmerrifield20/EvidenceAnchor/internal/grpcapi"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("verifier exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	viper.SetConfigName("verifier")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("verifier.grpc_port", 9090)
	viper.SetDefault("verifier.http_port", 9091) // grpc-gateway REST port
	viper.SetDefault("ledger.backend", "memory")
	viper.SetDefault("ledger.rpc_url", "")
	viper.SetDefault("ledger.contract_address", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	grpcPort := viper.GetInt("verifier.grpc_port")
	httpPort := viper.GetInt("verifier.http_port")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ledger (read-only) ────────────────────────────────────────────────────
	var reader ledger.Reader
	switch backend := viper.GetString("ledger.backend"); backend {
	case "evm":
		evm, err := ledger.DialEVMReader(ctx,
			viper.GetString("ledger.rpc_url"),
			viper.GetString("ledger.contract_address"),
			logger,
		)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		defer evm.Close()
		reader = evm
	case "memory":
		reader = ledger.NewMemoryStore("verifier")
		logger.Warn("ledger: in-memory simulation; every fingerprint reads as absent")
	default:
		return fmt.Errorf("unknown ledger.backend %q", backend)
	}

	verifier := service.NewVerifier(reader, logger)
	verifier.SetMetrics(handler.Metrics{})

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcapi.LoggingInterceptor(logger)),
	)
	grpcapi.RegisterVerifierServer(grpcServer, grpcapi.NewServer(verifier, logger))

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// gRPC reflection (for grpcurl and Evans)
	reflection.Register(grpcServer)

	// ── grpc-gateway HTTP/JSON ────────────────────────────────────────────────
	conn, err := grpc.NewClient(
		fmt.Sprintf("localhost:%d", grpcPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("dial local gRPC: %w", err)
	}
	defer conn.Close()

	gwMux := grpcapi.NewGatewayMux()
	if err := grpcapi.RegisterGateway(gwMux, grpcapi.NewVerifierClient(conn)); err != nil {
		return fmt.Errorf("register grpc-gateway: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/", gwMux)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","service":"verifier"}`)
	})
	httpMux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Start both servers ─────────────────────────────────────────────────────
	errCh := make(chan error, 2)
	go func() {
		logger.Info("verifier gRPC listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()
	go func() {
		logger.Info("verifier HTTP/JSON gateway listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP serve: %w", err)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	logger.Info("shutting down verifier...")
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP gateway shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("verifier stopped")
	return runErr
}
