package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/api"
	"github.com/xraph/beacon/dlq"
	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/observability"
)

func runCmd(ctx context.Context, e *env, args []string) error {
	fs := commandFlags("run", e)
	addr := fs.String("admin-addr", e.cfg.Admin.Addr, "admin API listen address, empty to disable")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	opts := []beacon.Option{
		beacon.WithMetrics(observability.NewMetrics(reg)),
		beacon.WithTracer(observability.NewTracer()),
	}

	if path := e.cfg.DeadLetterPath; path != "" {
		w, err := dlq.OpenFile(path, dlq.WithLogger(e.logger))
		if err != nil {
			return err
		}
		defer w.Close()
		opts = append(opts, beacon.WithDropHandler(w))
	}

	b, closeStore, err := e.open(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeStore()

	b.Start(ctx)
	e.logger.Info("beacon started",
		"endpoint", e.cfg.Collector.Endpoint,
		"interval", e.cfg.Submission.Interval,
		"enabled", b.Enabled(),
	)

	var srv *http.Server
	errCh := make(chan error, 1)
	if *addr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.Mount("/", api.NewHandler(b, e.logger))

		srv = &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			e.logger.Info("admin api listening", "addr", *addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	e.logger.Info("beacon stopping")
	grace := e.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = beacon.DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("admin api shutdown", "error", err)
		}
	}
	if err := b.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func statsCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("stats", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := b.QueueStats(ctx)
	if err != nil {
		return err
	}
	return e.printJSON(st)
}

func statusCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("status", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := b.Status(ctx)
	if err != nil {
		return err
	}
	return e.printJSON(st)
}

func flushCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("flush", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx, beacon.WithEnabled(true))
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := b.ForceSubmission(ctx)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(e.stdout, "nothing to submit")
		return nil
	}
	if err := e.printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("submission failed: %s", res.ErrorDetail())
	}
	return nil
}

func clearCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("clear", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := b.ClearQueue(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "cleared %d entries\n", n)
	return nil
}

func cleanupCmd(ctx context.Context, e *env, args []string) error {
	fs := commandFlags("cleanup", e)
	olderThan := fs.Duration("older-than", e.cfg.Queue.Retention, "delete entries queued longer ago than this")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *olderThan <= 0 {
		return errors.New("--older-than must be positive")
	}

	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := b.Cleanup(ctx, *olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "removed %d entries\n", n)
	return nil
}

func pingCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("ping", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if !b.Ping(ctx) {
		return fmt.Errorf("collector %s is unreachable", e.cfg.Collector.Endpoint)
	}
	fmt.Fprintf(e.stdout, "collector %s is reachable\n", e.cfg.Collector.Endpoint)
	return nil
}

func infoCmd(ctx context.Context, e *env, args []string) error {
	if ok, err := parseFlags(commandFlags("info", e), args); !ok {
		return err
	}
	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	info, err := b.ServerInfo(ctx)
	if err != nil {
		return err
	}
	return e.printJSON(info)
}

func recordCmd(ctx context.Context, e *env, args []string) error {
	fs := commandFlags("record", e)
	typ := fs.String("type", "", "event type, for example app.launched")
	session := fs.String("session", "", "session identifier")
	data := fs.String("data", "{}", "event payload as a JSON object")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *typ == "" {
		return errors.New("--type is required")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*data), &payload); err != nil {
		return fmt.Errorf("--data: %w", err)
	}

	b, closeStore, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	evtID, err := b.Record(ctx, &event.Event{
		SessionID: *session,
		Type:      *typ,
		Data:      payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return e.printJSON(map[string]string{"id": evtID.String()})
}

func droppedCmd(_ context.Context, e *env, args []string) error {
	fs := commandFlags("dropped", e)
	path := fs.String("file", e.cfg.DeadLetterPath, "dead-letter log to read")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *path == "" {
		return errors.New("--file is required when dead_letter_path is not configured")
	}

	entries, err := dlq.ReadFile(*path)
	if err != nil {
		return err
	}
	return e.printJSON(entries)
}
