package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/milad/meterpoller/internal/app"
	"github.com/milad/meterpoller/internal/config"
	"github.com/milad/meterpoller/internal/modbus"
	"github.com/milad/meterpoller/internal/schema"
	"github.com/milad/meterpoller/internal/sink"
	grpcserver "github.com/milad/meterpoller/internal/transport/grpc"
	httpserver "github.com/milad/meterpoller/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		cfgPath = flag.String("config", config.Path(), "path to the INI configuration")
		check   = flag.Bool("check", false, "load config and schema, report table problems, then exit")
	)
	flag.Parse()

	if err := run(*cfgPath, *check); err != nil {
		fmt.Fprintf(os.Stderr, "meterpoller: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, check bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if cfg.Used == "" {
		logger.Info("no config file; using defaults", "path", cfgPath)
	}

	// The model must be complete before any job exists.
	schemaPath := schema.Location(cfg.SchemaPath)
	model, err := schema.NewFileSource(schemaPath, logger).Load()
	if err != nil {
		return err
	}
	logger.Info("schema loaded", "path", schemaPath, "meters", len(model.Meters), "tables", len(model.Tables))

	if check {
		return checkModel(os.Stdout, model.TableNames(), func(name string) error { return model.Tables[name].Validate() })
	}

	qdb := sink.NewQuestDB(cfg.QuestDB.Conf(), logger)
	rt, err := app.New(app.Options{
		Model:       model,
		Dialer:      modbus.NewTCPDialer(cfg.Modbus.Timeout, cfg.Modbus.IdleTimeout, logger),
		Sink:        qdb,
		Interval:    cfg.Interval,
		RunOnStart:  cfg.RunOnStart,
		HistorySize: cfg.HistorySize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", cfg.HTTPAddr, err)
	}
	grpcLn, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("listen %q: %w", cfg.GRPCAddr, err)
	}

	h := &http.Server{
		Handler:           httpserver.New(rt, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      httpserver.PreviewTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g := grpc.NewServer()
	grpcserver.RegisterPollerServiceServer(g, grpcserver.New(rt))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)

	if err := rt.Start(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("HTTP listening", "addr", httpLn.Addr().String())
		if err := h.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		logger.Info("gRPC listening", "addr", grpcLn.Addr().String())
		if err := g.Serve(grpcLn); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hs.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = h.Shutdown(shutdownCtx)
		stopGRPC(g, shutdownTimeout)

		// Jobs finish their in-flight tick before sessions close.
		return rt.Stop(shutdownCtx)
	})
	return eg.Wait()
}

func stopGRPC(g *grpc.Server, timeout time.Duration) {
	ch := make(chan struct{})
	go func() {
		g.GracefulStop()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(timeout):
		g.Stop()
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// checkModel prints one line per table and fails if any table is malformed.
func checkModel(w io.Writer, tables []string, validate func(string) error) error {
	var bad int
	for _, name := range tables {
		if err := validate(name); err != nil {
			bad++
			fmt.Fprintf(w, "FAIL %s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "ok   %s\n", name)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d tables malformed", bad, len(tables))
	}
	return nil
}
