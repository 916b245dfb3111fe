// Command filterproc runs the gateway as an Envoy external processor: it
// loads the routing configuration, precomputes the prompt-target
// embedding catalog, and serves the ext_proc gRPC service plus a
// Prometheus metrics endpoint until signaled to stop.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/curvegateway/curve-gateway/internal/catalog"
	"github.com/curvegateway/curve-gateway/internal/config"
	"github.com/curvegateway/curve-gateway/internal/dispatch"
	"github.com/curvegateway/curve-gateway/internal/gateway"
	"github.com/curvegateway/curve-gateway/internal/telemetry"
)

// cli is the flag surface for the filterproc binary.
type cli struct {
	ConfigPath  string        `help:"Path to the gateway's YAML configuration file. Watched for changes." required:""`
	ListenAddr  string        `help:"gRPC address for the external processor. For example, :1063 or unix:///tmp/ext_proc.sock." default:":1063"`
	PromAddr    string        `help:"Address for the Prometheus metrics endpoint." default:":9190"`
	LogLevel    string        `help:"One of 'debug', 'info', 'warn', or 'error'." default:"info"`
	WatchPeriod time.Duration `help:"How often the configuration file is polled for changes." default:"5s"`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Name("filterproc"), kong.Description("Inline LLM prompt-routing gateway"))

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", c.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalsChan
		logger.Info("signal received, shutting down")
		cancel()
	}()

	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	tp, err := telemetry.NewTracerProvider(tracingSamplingRate(cfg))
	if err != nil {
		log.Fatalf("failed to build tracer provider: %v", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background(), tp); err != nil {
			logger.Warn("tracer provider shutdown failed", slog.String("error", err.Error()))
		}
	}()

	bases := make(map[string]string, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		bases[name] = ep.Endpoint
	}
	dispatcher := dispatch.New(bases, metrics.ActiveCallsAdjuster("gateway"))
	builder := catalog.NewBuilder(cfg, dispatcher, gateway.ClusterEmbeddings)

	// StartWatcher performs the initial synchronous load through
	// configReceiver.LoadConfig before returning, so the catalog is ready
	// by the time the gRPC server starts accepting streams; it then keeps
	// polling c.ConfigPath at c.WatchPeriod for the lifetime of ctx.
	receiver := configReceiver{builder: builder}
	if err := config.StartWatcher(ctx, c.ConfigPath, receiver, logger, c.WatchPeriod); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}

	srv, err := gateway.NewServer(logger, builder, dispatcher, cfg, metrics)
	if err != nil {
		log.Fatalf("failed to build gateway server: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Handler:           mux,
		Addr:              c.PromAddr,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", slog.String("address", c.PromAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	network, addr := listenAddress(c.ListenAddr)
	lis, err := net.Listen(network, addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", c.ListenAddr, err)
	}

	grpcServer := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(grpcServer, srv)
	grpc_health_v1.RegisterHealthServer(grpcServer, srv)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
		_ = metricsServer.Shutdown(context.Background())
	}()

	logger.Info("starting external processor",
		slog.String("address", c.ListenAddr),
		slog.String("configPath", c.ConfigPath))
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("gRPC server stopped: %v", err)
	}
}

// configReceiver re-runs catalog construction whenever the watcher detects
// a changed configuration file.
type configReceiver struct {
	builder *catalog.Builder
}

func (r configReceiver) LoadConfig(ctx context.Context, cfg *config.Configuration) error {
	return r.builder.Reload(ctx, cfg)
}

func tracingSamplingRate(cfg *config.Configuration) *float64 {
	if cfg.TracingConfig == nil {
		return nil
	}
	return cfg.TracingConfig.SamplingRate
}

func listenAddress(addrFlag string) (string, string) {
	if strings.HasPrefix(addrFlag, "unix://") {
		return "unix", strings.TrimPrefix(addrFlag, "unix://")
	}
	return "tcp", addrFlag
}
