package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	nexuslocal "github.com/INLOpen/nexuslocal"
	"github.com/INLOpen/nexuslocal/config"
	"github.com/INLOpen/nexuslocal/reactive"
	"github.com/INLOpen/nexuslocal/shape"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexuslocal")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	shapeURL := flag.String("shape-url", "", "Optional remote shape URL to sync into the demo table")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	cluster, err := nexuslocal.Open(cfg, nil,
		nexuslocal.WithLogger(logger),
		nexuslocal.WithTracerProvider(tp),
	)
	if err != nil {
		logger.Error("Failed to open cluster", "error", err)
		os.Exit(1)
	}
	defer cluster.Close()

	ctx := context.Background()

	// Two connections: the first will win the lease, the second routes
	// everything through it.
	watcher, err := cluster.Connect(ctx)
	if err != nil {
		logger.Error("Failed to connect watcher", "error", err)
		os.Exit(1)
	}
	writer, err := cluster.Connect(ctx)
	if err != nil {
		logger.Error("Failed to connect writer", "error", err)
		os.Exit(1)
	}

	if _, err := writer.Execute(ctx, "CREATE TABLE IF NOT EXISTS todos (id INTEGER PRIMARY KEY, title VARCHAR, done BOOLEAN)"); err != nil {
		logger.Error("Failed to create demo table", "error", err)
		os.Exit(1)
	}

	subscription, err := watcher.Query(ctx, "SELECT id, title, done FROM todos ORDER BY id", nil, func(u reactive.Update) {
		if u.Err != nil {
			logger.Error("Live query terminated", "error", u.Err)
			return
		}
		logger.Info("Live query update",
			"initial", u.Initial, "commit_seq", u.CommitSeq, "rows", len(u.Rows))
	})
	if err != nil {
		logger.Error("Failed to register live query", "error", err)
		os.Exit(1)
	}
	defer subscription.Unsubscribe()

	if *shapeURL != "" {
		handle, err := writer.SyncShapeToTable(ctx, shape.Spec{
			ShapeKey:   "todos",
			Source:     *shapeURL,
			Table:      "todos",
			PrimaryKey: "id",
		})
		if err != nil {
			logger.Error("Failed to start shape sync", "error", err)
			os.Exit(1)
		}
		defer handle.Unsubscribe()
		handle.OnStatusChange(func(s shape.Status) {
			logger.Info("Shape status changed", "shape", "todos", "status", s)
		})
	}

	// A slow trickle of local writes so the live query has something to do.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	next := 1
	for {
		select {
		case <-ticker.C:
			title := fmt.Sprintf("todo #%d", next)
			if _, err := writer.Execute(ctx, "INSERT OR REPLACE INTO todos VALUES (?, ?, false)", next, title); err != nil {
				logger.Error("Demo write failed", "error", err)
				continue
			}
			next++
		case sig := <-done:
			logger.Info("Received signal, shutting down.", "signal", sig.String())
			return
		}
	}
}
