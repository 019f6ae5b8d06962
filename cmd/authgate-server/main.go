// Command authgate-server runs the gate in front of a small demo API.
//
// Settings come from AUTHGATE_* environment variables (see internal/config). Without
// AUTHGATE_REDIS_ADDR it starts an embedded miniredis; without AUTHGATE_DATABASE_URL it
// serves subjects from a static in-memory provider seeded with "alice" (admin) and
// "bob" (member).
//
// Endpoints:
//
//	POST /token        JSON {"subject_id":"alice","fingerprint":"..."}; throttled as "login"
//	POST /refresh      JSON {"refresh_token":"..."}; throttled as "refresh"
//	POST /revoke       JSON {"token":"..."}; revokes an access token or refresh family
//	POST /logout-all   bearer; revokes every token of the caller
//	POST /api-keys     bearer, admin role; JSON {"name":"...","scopes":["read"]}
//	GET  /whoami       bearer or X-API-Key
//	GET  /metrics      Prometheus text format
//
// With AUTHGATE_GRPC_ADDR set it also serves the gRPC health service behind the gate's
// interceptors.
//
// Run:
//
//	AUTHGATE_JWT_SIGNING_METHOD=hs256 \
//	AUTHGATE_JWT_PRIVATE_KEY=0123456789abcdef0123456789abcdef \
//	AUTHGATE_METRICS_ENABLED=true \
//	go run ./cmd/authgate-server
//
// Then:
//
//	curl -s -X POST localhost:8080/token -d '{"subject_id":"alice"}'
//	curl -i localhost:8080/whoami -H "Authorization: Bearer <ACCESS_TOKEN>"
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/identity"
	"github.com/MrEthical07/authgate/internal/config"
	"github.com/MrEthical07/authgate/metrics/export/prometheus"
	"github.com/MrEthical07/authgate/middleware"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json, toml or env)")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(*configPath, log); err != nil {
		log.Error("authgate-server: exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------- infrastructure ----------
	redisAddr := settings.RedisAddr
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return err
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		log.Warn("authgate-server: using embedded miniredis", "addr", redisAddr)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	defer rdb.Close()

	subjects, closeSubjects, err := openSubjects(ctx, settings.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer closeSubjects()

	// ---------- build engine ----------
	engine, err := authgate.New().
		WithConfig(settings.Engine).
		WithRedis(rdb).
		WithLogger(log).
		WithSubjectProvider(subjects).
		WithAuditSink(authgate.NewSlogSink(log)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	report := engine.SecurityReport()
	for _, w := range report.LintWarnings {
		log.Warn("authgate-server: config lint", "code", w.Code, "severity", w.Severity.String(), "message", w.Message)
	}
	if report.ProductionMode {
		if err := report.LintWarnings.AsError(authgate.LintHigh); err != nil {
			return err
		}
	}

	api, err := newServer(engine)
	if err != nil {
		return err
	}
	mux := api.routes(prometheus.NewPrometheusExporter(engine,
		prometheus.WithConstLabels(map[string]string{"service": "authgate-server"}),
	).Handler())

	httpSrv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		log.Info("authgate-server: http listening", "addr", settings.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcSrv *grpc.Server
	if settings.GRPCAddr != "" {
		grpcSrv, err = newGRPCServer(engine)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", settings.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			log.Info("authgate-server: grpc listening", "addr", settings.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return httpSrv.Shutdown(shutdownCtx)
}

func openSubjects(ctx context.Context, dsn string, log *slog.Logger) (identity.Provider, func(), error) {
	if dsn == "" {
		log.Warn("authgate-server: using static subjects")
		return identity.NewStaticProvider(
			identity.Subject{ID: "alice", Role: "admin", Active: true},
			identity.Subject{ID: "bob", Role: "member", Active: true},
		), func() {}, nil
	}
	pg, err := identity.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func newGRPCServer(engine *authgate.Engine) (*grpc.Server, error) {
	gate, err := middleware.NewGate(engine, middleware.GateOptions{AllowAnonymous: true})
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(gate.UnaryServerInterceptor()),
		grpc.StreamInterceptor(gate.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	return srv, nil
}
