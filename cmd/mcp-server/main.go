package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/mcp-server/config"
	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/server"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/agentuity/mcp-server/mcp/worker"
	"github.com/agentuity/mcp-server/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const serviceName = "mcp-server"

func main() {
	root := &cobra.Command{
		Use:           "mcp-server",
		Short:         "Model Context Protocol server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP sessions over HTTP",
		RunE:  runServe,
	}
	work := &cobra.Command{
		Use:   "worker",
		Short: "Run queued tool jobs",
		RunE:  runWorker,
	}
	config.RegisterFlags(serve)
	config.RegisterFlags(work)
	root.AddCommand(serve, work)

	if err := root.Execute(); err != nil {
		logger.NewConsoleLogger().Error("%s", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, logger.Logger, func(), error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	log, shutdown, err := config.NewTelemetry(ctx, cfg, serviceName)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, nil, err
	}
	log = log.With(map[string]interface{}{"node": cfg.NodeID})
	for role, endpoint := range cfg.Endpoints() {
		log.Debug("%s backend at %s", role, endpoint)
	}
	return ctx, cancel, cfg, log, shutdown, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel, cfg, log, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer shutdown()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	tools := builtinTools()
	opts := []server.Option{
		server.WithLogger(log),
		server.WithStore(store),
		server.WithNodeID(cfg.NodeID),
		server.WithTools(tools.List()...),
		server.WithPaths(cfg.Paths.Setup, cfg.Paths.Post, cfg.Paths.Duplex),
		server.WithSessionHeader(cfg.SessionHeader),
		server.WithKeepAlive(cfg.KeepAlive),
		server.WithServerInfo(serviceName, version),
	}
	if counter, err := telemetry.NewDroppedCallbackCounter(telemetry.Meter()); err != nil {
		log.Warn("%s", err)
	} else {
		opts = append(opts, server.WithDroppedCallbackCounter(counter))
	}

	var events eventing.Client
	if cfg.Mode == config.ModeQueued || cfg.Shared() {
		var closeEvents closer
		events, closeEvents, err = openEventing(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeEvents()
		opts = append(opts, server.WithEventing(events))
	}
	if cfg.Mode == config.ModeQueued {
		queue := execution.NewEventingQueue(events, cfg.Queue.Subject, server.RelaySubject(cfg.NodeID))
		opts = append(opts, server.WithJobQueue(queue, execution.WithTimeout(cfg.Queue.Timeout)))
	}

	srv, err := server.New(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "error creating server")
	}
	defer srv.Close()
	if err := srv.Listen(ctx); err != nil {
		return err
	}

	if cfg.Mode == config.ModeQueued && cfg.Queue.Backend == config.BackendMemory {
		// an in process queue has no other consumer
		w := newWorker(cfg, events, tools, log)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/", srv.Routes())

	httpServer := &http.Server{Addr: cfg.Addr, Handler: router}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening on %s (%s mode, %s store)", cfg.Addr, cfg.Mode, cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		// streams never finish on their own, close sessions first
		if err := srv.Close(); err != nil {
			log.Warn("error closing sessions: %s", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newWorker(cfg *config.Config, events eventing.Client, tools *tool.Set, log logger.Logger) *worker.Worker {
	return worker.New(events, tools,
		worker.WithLogger(log),
		worker.WithSubject(cfg.Queue.Subject),
		worker.WithQueueGroup(cfg.Queue.Group),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithTimeout(cfg.Worker.Timeout),
	)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel, cfg, log, shutdown, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer shutdown()

	if cfg.Queue.Backend == config.BackendMemory {
		return errors.New("a standalone worker needs a redis or nats queue")
	}
	events, closeEvents, err := openEventing(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEvents()

	w := newWorker(cfg, events, builtinTools(), log)
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("stopping worker")
	return w.Stop()
}
