// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/daemon/api"
	"github.com/weftworks/weft/internal/daemon/auth"
	"github.com/weftworks/weft/internal/daemon/sse"
	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/batch"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/dispatch"
	"github.com/weftworks/weft/internal/engine/ingress"
	"github.com/weftworks/weft/internal/engine/run"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/store/memory"
	"github.com/weftworks/weft/internal/engine/store/mongo"
	"github.com/weftworks/weft/internal/engine/task"
	"github.com/weftworks/weft/internal/engine/timer"
	"github.com/weftworks/weft/internal/engine/worker"
	internallog "github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/secrets"
	"github.com/weftworks/weft/internal/tracing"
	"github.com/weftworks/weft/pkg/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon assembles the engine, the store and the HTTP surface of weftd.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	gateway   store.Gateway
	bus       *bus.Bus
	tasks     *task.Service
	runs      *run.Registry
	defs      *workflow.Registry
	wheel     *timer.Wheel
	batches   *batch.Coordinator
	disp      *dispatch.Dispatcher
	callbacks *ingress.Ingress
	hub       *sse.Hub
	pool      *worker.Pool
	telemetry *tracing.Provider

	server  *http.Server
	ln      net.Listener
	pidFile string

	mu      sync.Mutex
	started bool
}

// New builds the daemon: store, engine wiring, definition registry,
// observability and the HTTP server. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	gw, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	telemetry, err := tracing.NewProvider(ctx, tracingConfig(cfg, opts))
	if err != nil {
		closeErr := gw.Close(ctx)
		if closeErr != nil {
			logger.Error("store close after telemetry failure", internallog.Error(closeErr))
		}
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	b := bus.New(internallog.WithComponent(logger, "bus"))
	recorder := activity.NewRecorder(gw, internallog.WithComponent(logger, "activity"))
	tasks := task.NewService(gw, b, recorder, internallog.WithComponent(logger, "task"))

	defs := workflow.NewRegistry(cfg.Definitions.Dir, gw, internallog.WithComponent(logger, "workflow"))

	runs := run.NewRegistry(gw, b, tasks, defs, internallog.WithComponent(logger, "run"))

	wheel := timer.New(gw, cfg.Engine.TimerGranularity, internallog.WithComponent(logger, "timer"))
	batches := batch.NewCoordinator(gw, tasks, wheel, internallog.WithComponent(logger, "batch"))

	resolver, err := buildSecretResolver(cfg, logger)
	if err != nil {
		closeErr := gw.Close(ctx)
		if closeErr != nil {
			logger.Error("store close after secrets failure", internallog.Error(closeErr))
		}
		return nil, err
	}

	disp, err := dispatch.New(gw, b, tasks, runs, batches, wheel,
		internallog.WithComponent(logger, "dispatch"),
		dispatch.Options{
			Secrets:            resolver,
			WebhookBackoffBase: cfg.Engine.WebhookRetry.BackoffBase,
			WebhookBackoffMax:  cfg.Engine.WebhookRetry.BackoffMax,
		})
	if err != nil {
		closeErr := gw.Close(ctx)
		if closeErr != nil {
			logger.Error("store close after dispatch failure", internallog.Error(closeErr))
		}
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	// The activation cycle: run start and batch evaluation activate steps
	// through the dispatcher; every settled task flows back through the
	// coordinator (fan-in counters) and then the dispatcher (run advance).
	runs.SetActivator(disp)
	batches.SetChildActivator(disp)
	tasks.RegisterCompletionHook(func(ctx context.Context, settled *store.Task) {
		batches.OnChildTerminal(ctx, settled)
		disp.HandleTaskTerminal(ctx, settled)
	})

	var ingressOpts ingress.Options
	if cfg.RateLimit.Enabled {
		ingressOpts.CallbackRPS = cfg.RateLimit.CallbacksPerSecond
		ingressOpts.CallbackBurst = cfg.RateLimit.Burst
	}
	callbacks := ingress.New(gw, tasks, batches, internallog.WithComponent(logger, "ingress"), ingressOpts)

	hub := sse.New(b, cfg.Engine.SSEHeartbeat, internallog.WithComponent(logger, "sse"))

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		gateway:   gw,
		bus:       b,
		tasks:     tasks,
		runs:      runs,
		defs:      defs,
		wheel:     wheel,
		batches:   batches,
		disp:      disp,
		callbacks: callbacks,
		hub:       hub,
		pool:      worker.New(cfg.Engine.Workers, internallog.WithComponent(logger, "worker")),
		telemetry: telemetry,
	}

	d.registerTimerHandlers()
	d.wireMetrics()

	authMw := auth.NewMiddleware(auth.Config{
		Mode:      cfg.Auth.Mode,
		APIKeys:   cfg.Auth.APIKeys,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		JWTIssuer: cfg.Auth.JWTIssuer,
	}, internallog.WithComponent(logger, "auth"))

	apiServer := api.NewServer(api.Config{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Runs:      runs,
		Tasks:     tasks,
		Callbacks: callbacks,
		Workflows: defs,
		Events:    hub,
		Metrics:   telemetry.MetricsHandler(),
		Auth:      authMw,
		Telemetry: telemetry,
		Logger:    internallog.WithComponent(logger, "api"),
	})

	d.server = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	return d, nil
}

// openStore builds the configured gateway and verifies it is reachable.
// Mongo failures surface as StoreUnavailableError so main can map them
// to a distinct exit code.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Gateway, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store", slog.String("hint", "state is lost on restart"))
		return memory.New(), nil
	default:
		st, err := mongo.New(ctx, mongo.Options{
			URI:       cfg.Store.URI,
			Database:  cfg.Store.Database,
			OpTimeout: cfg.Store.OpTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			closeErr := st.Close(ctx)
			if closeErr != nil {
				logger.Error("store close after failed ping", internallog.Error(closeErr))
			}
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			closeErr := st.Close(ctx)
			if closeErr != nil {
				logger.Error("store close after failed index build", internallog.Error(closeErr))
			}
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		logger.Info("store ready",
			slog.String("backend", "mongo"),
			slog.String("database", cfg.Store.Database))
		return st, nil
	}
}

// buildSecretResolver chains the environment provider with the optional
// encrypted secrets file.
func buildSecretResolver(cfg *config.Config, logger *slog.Logger) (workflow.SecretResolver, error) {
	chain := secrets.Chain{secrets.EnvProvider{}}
	if cfg.Secrets.File != "" {
		key, err := secrets.MasterKeyFromEnv()
		if err != nil {
			return nil, fmt.Errorf("secrets file configured: %w", err)
		}
		fp, err := secrets.OpenFile(cfg.Secrets.File, key)
		if err != nil {
			return nil, fmt.Errorf("open secrets file: %w", err)
		}
		logger.Info("secrets file loaded",
			slog.String("path", cfg.Secrets.File),
			slog.Int("entries", fp.Len()))
		chain = append(chain, fp)
	}
	return chain, nil
}

// registerTimerHandlers binds each durable timer kind to the component
// that owns its deadline semantics. Fires run on the worker pool so a
// slow handler never stalls the wheel.
func (d *Daemon) registerTimerHandlers() {
	tracer := d.telemetry.Tracer("weft.timer")
	metrics := d.telemetry.Metrics()

	dispatchFire := func(kind store.TimerKind, h timer.Handler) timer.Handler {
		return func(ctx context.Context, claimed *store.Task) {
			submitted := d.pool.Submit(worker.Item{
				Kind:    worker.KindTimer,
				Subject: claimed.ID,
				Fn: func(ctx context.Context) {
					fireCtx, span := tracing.StartTimerSpan(ctx, tracer, string(kind), claimed.ID)
					metrics.RecordTimerFire(fireCtx, string(kind))
					h(fireCtx, claimed)
					span.End()
				},
			})
			if !submitted {
				// Pool draining; the durable schedule was already consumed,
				// so run inline rather than drop the fire.
				h(ctx, claimed)
			}
		}
	}

	d.wheel.Register(store.TimerBatchDeadline, dispatchFire(store.TimerBatchDeadline, d.batches.OnDeadline))
	d.wheel.Register(store.TimerJoinMaxWait, dispatchFire(store.TimerJoinMaxWait, d.batches.OnDeadline))
	d.wheel.Register(store.TimerExternalTimeout, dispatchFire(store.TimerExternalTimeout, d.disp.OnExternalTimeout))
	d.wheel.Register(store.TimerWebhookRetry, dispatchFire(store.TimerWebhookRetry, d.disp.OnWebhookRetry))
}

// wireMetrics feeds the collector from the event bus and the SSE hub.
// Subscribing rather than instrumenting call sites keeps the engine free
// of telemetry imports.
func (d *Daemon) wireMetrics() {
	mc := d.telemetry.Metrics()
	mc.SetSSEClientCounter(d.hub)

	d.bus.Subscribe("*", func(e bus.Event) {
		ctx := context.Background()
		mc.RecordEventPublished(ctx, string(e.Type))

		switch e.Type {
		case bus.EventRunStarted:
			if r, ok := e.Payload.(*store.Run); ok {
				mc.RecordRunStart(ctx, r.ID, r.WorkflowID)
			}
		case bus.EventRunCompleted, bus.EventRunFailed, bus.EventRunCancelled:
			if r, ok := e.Payload.(*store.Run); ok {
				mc.RecordRunComplete(ctx, r.ID, r.WorkflowID, string(r.Status), r.Source, runDuration(r))
			}
		case bus.EventTaskStatusChanged:
			if t, ok := e.Payload.(*store.Task); ok && t.Status.IsTerminal() {
				mc.RecordTaskTerminal(ctx, t.TaskType, string(t.Status), taskDuration(t))
			}
		}
	})
}

func runDuration(r *store.Run) time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

func taskDuration(t *store.Task) time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// Start loads definitions, recovers durable timers and serves HTTP. It
// blocks until the context is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.Server.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		d.pidFile = d.cfg.Server.PIDFile
	}

	if err := d.defs.Load(ctx); err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}
	if d.cfg.Definitions.Watch {
		if err := d.defs.Watch(); err != nil {
			d.logger.Warn("definition watch unavailable", internallog.Error(err))
		}
	}

	d.pool.Start(ctx)

	if n := d.wheel.Recover(ctx); n > 0 {
		d.logger.Info("recovered durable timers", slog.Int("count", n))
	}

	wheelErr := make(chan error, 1)
	go func() {
		wheelErr <- d.wheel.Run(ctx)
	}()

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	d.logger.Info("weftd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen", ln.Addr().String()),
		slog.String("store", d.cfg.Store.Backend),
		slog.String("auth", d.cfg.Auth.Mode))

	serveErr := make(chan error, 1)
	go func() {
		err := d.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	case err := <-wheelErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("timer wheel: %w", err)
		}
		return nil
	}
}

// Addr reports the bound listen address once Start has opened the
// listener; empty before that.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown drains in dependency order: stop intake, drain workers, then
// release streams, telemetry and the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		err := d.server.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			d.logger.Error("http server shutdown", internallog.Error(err))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.DrainTimeout)
	if err := d.pool.Drain(drainCtx); err != nil {
		d.logger.Warn("worker drain timeout",
			slog.Int("queued", d.pool.QueueDepth()),
			slog.Duration("drain_timeout", d.cfg.Server.DrainTimeout))
	}
	cancel()

	if err := d.defs.Close(); err != nil {
		d.logger.Error("definition registry close", internallog.Error(err))
	}
	d.hub.Close()
	d.bus.Close()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := d.telemetry.ForceFlush(flushCtx); err != nil {
		d.logger.Error("telemetry flush", internallog.Error(err))
	}
	if err := d.telemetry.Shutdown(flushCtx); err != nil {
		d.logger.Error("telemetry shutdown", internallog.Error(err))
	}
	cancel()

	closeCtx, cancel := context.WithTimeout(ctx, d.cfg.Store.OpTimeout)
	if err := d.gateway.Close(closeCtx); err != nil {
		d.logger.Error("store close", internallog.Error(err))
	}
	cancel()

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("remove pid file",
				internallog.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.Server.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.Server.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}

// tracingConfig maps daemon observability settings onto the tracing
// provider's config.
func tracingConfig(cfg *config.Config, opts Options) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Observability.Enabled
	if cfg.Observability.ServiceName != "" {
		tc.ServiceName = cfg.Observability.ServiceName
	}
	tc.ServiceVersion = cfg.Observability.ServiceVersion
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = opts.Version
	}

	if !cfg.Observability.Enabled {
		return tc
	}

	exp := tracing.ExporterConfig{
		Endpoint: cfg.Observability.Exporter.Endpoint,
		TLS:      tracing.TLSConfig{Enabled: !cfg.Observability.Exporter.Insecure, VerifyCertificate: true},
	}
	switch cfg.Observability.Exporter.Protocol {
	case "http":
		exp.Type = "otlp_http"
	case "stdout":
		exp.Type = "console"
	default:
		exp.Type = "otlp"
	}
	tc.Exporters = []tracing.ExporterConfig{exp}
	return tc
}
