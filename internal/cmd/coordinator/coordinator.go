// Package coordinator parses coordinator command flags and starts the runtime.
package coordinator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/chronicle/internal/bus"
	redisbus "github.com/louisbranch/chronicle/internal/bus/redis"
	runtime "github.com/louisbranch/chronicle/internal/coordinator"
	"github.com/louisbranch/chronicle/internal/deadletter"
	entrypoint "github.com/louisbranch/chronicle/internal/platform/cmd"
	"github.com/louisbranch/chronicle/internal/remote"
	"github.com/louisbranch/chronicle/internal/sequence"
	"github.com/louisbranch/chronicle/internal/storage"
	"github.com/louisbranch/chronicle/internal/storage/memory"
	"github.com/louisbranch/chronicle/internal/storage/sqlite"
	"github.com/louisbranch/chronicle/internal/telemetry"
)

// Config holds coordinator command configuration.
type Config struct {
	// StorePath points at the SQLite journal. Empty selects the in-memory
	// store, which does not survive restarts.
	StorePath     string `env:"CHRONICLE_STORE_PATH"`
	RedisAddr     string `env:"CHRONICLE_REDIS_ADDR"`
	RedisPassword string `env:"CHRONICLE_REDIS_PASSWORD"`
	RedisDB       int    `env:"CHRONICLE_REDIS_DB" envDefault:"0"`
	GRPCPort      int    `env:"CHRONICLE_GRPC_PORT" envDefault:"8090"`
	MetricsPort   int    `env:"CHRONICLE_METRICS_PORT" envDefault:"9090"`
	SnapshotEvery uint64 `env:"CHRONICLE_SNAPSHOT_EVERY" envDefault:"0"`
	// BusinessAddr points at a remote business-logic process. Commands for
	// domains without an in-process aggregate are dispatched there.
	BusinessAddr string        `env:"CHRONICLE_BUSINESS_ADDR"`
	DialTimeout  time.Duration `env:"CHRONICLE_DIAL_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "SQLite journal path (empty for in-memory)")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the event bus (empty for in-process)")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The gRPC health port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "The Prometheus metrics port (0 disables)")
	fs.Uint64Var(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "Snapshot cadence in events (0 disables)")
	fs.StringVar(&cfg.BusinessAddr, "business", cfg.BusinessAddr, "Remote business-logic gRPC address (empty disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Registry configures domain components on the coordinator before it starts
// consuming events.
type Registry func(*runtime.Coordinator) error

// Run starts the coordinator runtime with telemetry configured.
func Run(ctx context.Context, cfg Config, register Registry) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCoordinator, func(runCtx context.Context) error {
		return run(runCtx, cfg, register)
	})
}

func openStore(cfg Config) (storage.Store, error) {
	if cfg.StorePath == "" {
		return memory.New(), nil
	}
	return sqlite.Open(cfg.StorePath)
}

func openBus(cfg Config) (bus.EventBus, error) {
	if cfg.RedisAddr == "" {
		return bus.NewMemoryBus(), nil
	}
	return redisbus.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
}

func run(ctx context.Context, cfg Config, register Registry) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	eventBus, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer eventBus.Close()

	engine, err := sequence.NewEngine(store)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	metrics := telemetry.NewMetrics()
	opts := []runtime.Option{
		runtime.WithMetrics(metrics),
		runtime.WithDeadLetterSink(deadletter.NewLogSink(deadletter.NewMemorySink())),
	}
	if cfg.SnapshotEvery > 0 {
		opts = append(opts, runtime.WithSnapshotEvery(cfg.SnapshotEvery))
	}
	if cfg.BusinessAddr != "" {
		business, dialErr := remote.Dial(ctx, cfg.BusinessAddr, cfg.DialTimeout)
		if dialErr != nil {
			return fmt.Errorf("dial business logic: %w", dialErr)
		}
		defer business.Close()
		opts = append(opts, runtime.WithBusinessLogic(business))
	}
	coord, err := runtime.New(store, eventBus, engine, opts...)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if register != nil {
		if err := register(coord); err != nil {
			return fmt.Errorf("register components: %w", err)
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errCh := make(chan error, 3)
	go func() {
		log.Printf("gRPC health listening on %s", listener.Addr())
		errCh <- grpcServer.Serve(listener)
	}()

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			log.Printf("metrics listening on %s", metricsServer.Addr)
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				errCh <- serveErr
			}
		}()
	}

	go func() {
		errCh <- coord.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return err
}
