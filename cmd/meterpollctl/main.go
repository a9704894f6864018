// Command meterpollctl queries a running meterpoller over gRPC.
//
//	meterpollctl [flags] jobs
//	meterpollctl [flags] sessions
//	meterpollctl [flags] preview <table>
//	meterpollctl [flags] readings [-table t] [-tag k=v]... [-start rfc3339] [-end rfc3339] [-page-size n] [-page-token tok]
//	meterpollctl [flags] reconnect <meter>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/milad/meterpoller/internal/transport/grpc"
)

var errUsage = errors.New("usage: meterpollctl [flags] jobs | sessions | preview <table> | readings [flags] | reconnect <meter>")

func main() {
	var (
		target  = flag.String("addr", envOr("METERPOLL_GRPC_TARGET", "127.0.0.1:9090"), "gRPC target host:port")
		timeout = flag.Duration("timeout", 15*time.Second, "per-call timeout")
		wait    = flag.Duration("wait", 0, "wait up to this long for the server to report healthy")
	)
	flag.Parse()

	if err := run(*target, *timeout, *wait, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "meterpollctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(target string, timeout, wait time.Duration, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial gRPC %q: %w", target, err)
	}
	defer conn.Close()

	ctx := context.Background()
	waitForGRPC(ctx, conn, wait)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := call(ctx, grpcserver.NewClient(conn), args)
	if err != nil {
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func call(ctx context.Context, c *grpcserver.Client, args []string) (*structpb.Struct, error) {
	switch args[0] {
	case "jobs":
		return c.ListJobs(ctx)
	case "sessions":
		return c.ListSessions(ctx)
	case "preview":
		if len(args) != 2 {
			return nil, errUsage
		}
		return c.PreviewTable(ctx, args[1])
	case "readings":
		req, err := parseReadingsArgs(args[1:])
		if err != nil {
			return nil, err
		}
		return c.ListReadings(ctx, req)
	case "reconnect":
		if len(args) != 2 {
			return nil, errUsage
		}
		return c.ReconnectSession(ctx, args[1])
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parseReadingsArgs(args []string) (grpcserver.ReadingsRequest, error) {
	var req grpcserver.ReadingsRequest
	fs := flag.NewFlagSet("readings", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&req.Table, "table", "", "table name")
	fs.Var((*tagFlags)(&req.Tags), "tag", "tag filter key=value, repeatable")
	fs.StringVar(&req.Start, "start", "", "inclusive start, RFC 3339")
	fs.StringVar(&req.End, "end", "", "exclusive end, RFC 3339")
	fs.IntVar(&req.PageSize, "page-size", 0, "page size")
	fs.StringVar(&req.PageToken, "page-token", "", "page token from a previous call")
	if err := fs.Parse(args); err != nil {
		return req, fmt.Errorf("%w: %v", errUsage, err)
	}
	return req, nil
}

// tagFlags collects repeated -tag key=value flags.
type tagFlags map[string]string

func (f *tagFlags) String() string {
	parts := make([]string, 0, len(*f))
	for k, v := range *f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f *tagFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("tag %q: want key=value", v)
	}
	if *f == nil {
		*f = make(tagFlags)
	}
	(*f)[k] = val
	return nil
}

func envOr(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}

func waitForGRPC(ctx context.Context, conn *grpc.ClientConn, maxWait time.Duration) {
	if maxWait <= 0 {
		return
	}

	hc := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(maxWait)

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		_, err := hc.Check(reqCtx, &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
		cancel()
		if err == nil {
			return
		}

		if time.Now().After(deadline) {
			slog.Warn("server not ready; continuing anyway", "waited", maxWait, "err", err)
			return
		}

		time.Sleep(backoff)
		backoff = min(2*backoff, time.Second)
	}
}
