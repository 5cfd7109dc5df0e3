package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"semaphore/qrattendance/internal/attendance"
	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/cache"
	"semaphore/qrattendance/internal/config"
	"semaphore/qrattendance/internal/db"
	attendancegrpc "semaphore/qrattendance/internal/grpc"
	internalhttp "semaphore/qrattendance/internal/http"
	"semaphore/qrattendance/internal/jobs"
	"semaphore/qrattendance/internal/logger"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		log.Fatalf("env file: %v", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, lg); err != nil {
			lg.Fatal("migration failed", zap.Error(err))
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		lg.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()
	store := db.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cacheStore := cache.NewStore(redisClient)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := cacheStore.Ping(pingCtx); err != nil {
		cancel()
		lg.Fatal("redis ping failed", zap.Error(err))
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			lg.Warn("redis close error", zap.Error(err))
		}
	}()

	identity, err := auth.NewCodec(auth.NamespaceIdentity, cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		lg.Fatal("identity codec init failed", zap.Error(err))
	}
	qr, err := auth.NewCodec(auth.NamespaceQR, cfg.QRJWTSecret, cfg.JWTIssuer)
	if err != nil {
		lg.Fatal("qr codec init failed", zap.Error(err))
	}

	attendanceCfg := attendance.DefaultConfig()
	attendanceCfg.QRValidity = cfg.QRValidityWindow
	attendanceCfg.ClockSkew = cfg.ClockSkewTolerance
	attendanceCfg.LateScan = cfg.LateScanTolerance
	attendanceCfg.MaxSubmissionDelay = cfg.MaxSubmissionDelay
	attendanceCfg.Grace = cfg.EphemeralGrace
	attendanceCfg.DefaultSessionMinutes = cfg.DefaultSessionMinutes
	manager, err := attendance.NewManager(store, cacheStore, qr, attendanceCfg, lg.Named("attendance"))
	if err != nil {
		lg.Fatal("attendance manager init failed", zap.Error(err))
	}

	server, err := internalhttp.NewServer(cfg, manager, store, identity, lg.Named("http"))
	if err != nil {
		lg.Fatal("server init failed", zap.Error(err))
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serviceAuthInterceptor, err := attendancegrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
	if err != nil {
		lg.Fatal("grpc service auth init failed", zap.Error(err))
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
	attendancegrpc.RegisterSessionQueryServiceServer(grpcServer, attendancegrpc.NewSessionQueryServer(manager, lg.Named("grpc")))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(attendancegrpc.SessionQueryServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	if _, err := jobs.StartSweepJob(ctx, cfg, manager, lg.Named("sweep")); err != nil {
		lg.Fatal("sweep job init failed", zap.Error(err))
	}

	go func() {
		lg.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server error", zap.Error(err))
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			lg.Fatal("grpc listen error", zap.Error(err))
		}
		lg.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			lg.Fatal("grpc server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
}
