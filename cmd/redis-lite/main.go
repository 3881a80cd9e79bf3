// Command redis-lite runs a redis-lite node as a master or, with -replicaof,
// as a replica of another server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	redislite "github.com/raniellyferreira/redis-lite"
	"github.com/raniellyferreira/redis-lite/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "redis-lite: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port        = flag.Int("port", 6379, "TCP port to listen on")
		bind        = flag.String("bind", "127.0.0.1", "Interface to listen on")
		replicaOf   = flag.String("replicaof", "", `Master to replicate from, as "<host> <port>"`)
		logLevel    = flag.String("loglevel", "info", "Log level: trace, debug, info, warn, error")
		metricsAddr = flag.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint, disabled when empty")
		luaLimit    = flag.Duration("lua-time-limit", 5*time.Second, "Maximum run time of a Lua script, 0 for no limit")
		version     = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(redislite.VersionInfo())
		return nil
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "redis-lite",
		Level: hclog.LevelFromString(*logLevel),
	})

	opts := []redislite.Option{
		redislite.WithPort(*port),
		redislite.WithBindHost(*bind),
		redislite.WithScriptTimeout(*luaLimit),
		redislite.WithLogger(redislite.NewHCLogger(logger)),
	}

	if *replicaOf != "" {
		host, masterPort, err := redislite.ParseReplicaOf(*replicaOf)
		if err != nil {
			return err
		}
		opts = append(opts, redislite.WithReplicaOf(host, masterPort))
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		collector := metrics.NewCollector()
		opts = append(opts, redislite.WithMetrics(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	node, err := redislite.New(opts...)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	if metricsServer != nil {
		go func() {
			logger.Info("Metrics endpoint listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	if node.IsReplica() {
		go func() {
			if err := node.WaitForSync(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Replica is serving without master data", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return node.Close()
}
