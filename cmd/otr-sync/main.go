package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/auth"
	"github.com/alexjbarnes/otr-sync/internal/config"
	"github.com/alexjbarnes/otr-sync/internal/cryptobox"
	"github.com/alexjbarnes/otr-sync/internal/engine"
	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/events"
	"github.com/alexjbarnes/otr-sync/internal/logging"
	"github.com/alexjbarnes/otr-sync/internal/mcpserver"
	"github.com/alexjbarnes/otr-sync/internal/outbox"
	"github.com/alexjbarnes/otr-sync/internal/server"
	"github.com/alexjbarnes/otr-sync/internal/state"
	"github.com/alexjbarnes/otr-sync/internal/store"
	"github.com/alexjbarnes/otr-sync/internal/strategy"
	"github.com/alexjbarnes/otr-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle the fingerprint subcommand before the daemon starts.
	if len(os.Args) > 1 && os.Args[1] == "fingerprint" {
		if err := printFingerprint(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printFingerprint prints the identity fingerprint of the local device
// so it can be compared out of band.
func printFingerprint() error {
	path, err := config.DefaultStatePath()
	if err != nil {
		return err
	}

	if p := os.Getenv("STATE_PATH"); p != "" {
		path = p
	}

	appState, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	box, err := cryptobox.Open(appState, logging.Discard())
	if err != nil {
		return fmt.Errorf("opening cryptobox: %w", err)
	}

	fmt.Println(box.Fingerprint())

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("otr-sync starting",
		slog.String("version", Version),
		slog.String("client", cfg.SelfClientID),
		slog.Bool("outbox", cfg.OutboxDir != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	box, err := cryptobox.Open(appState, logging.Component(logger, "cryptobox"))
	if err != nil {
		return fmt.Errorf("opening cryptobox: %w", err)
	}

	logger.Info("identity loaded",
		slog.String("fingerprint", box.Fingerprint()),
		slog.Int("sessions", appState.SessionCount()),
	)

	tasks := transport.NewTasks()
	client := transport.NewClient(cfg.BackendURL, cfg.AccessToken, nil, tasks, logging.Component(logger, "transport"))

	eng, err := engine.New(engine.Options{
		Store:                store.New(cfg.SelfUser(), cfg.SelfClientID, logging.Component(logger, "store")),
		Box:                  box,
		Client:               client,
		Tasks:                tasks,
		Assets:               appState,
		Missing:              appState,
		Sink:                 strategy.NewLogNotifier(logging.Component(logger, "notifications")),
		PrekeyPageSize:       cfg.PrekeyPageSize,
		MessageTimeout:       cfg.MessageTimeout,
		SendDeliveryReceipts: cfg.SendDeliveryReceipts,
		Logger:               logging.Component(logger, "engine"),
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	listener := events.NewListener(events.ListenerConfig{
		URL:    cfg.WebsocketURL,
		Token:  cfg.AccessToken,
		Cursor: appState,
		Sink:   eng.Deliver,
	}, logging.Component(logger, "events"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return ignoreCanceled(listener.Run(gctx))
	})

	// A deleted client only logs; the engine already refuses new work.
	g.Go(func() error {
		err := eng.VerifySelfClient(gctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, syncerr.ErrEngineStopped) {
			logger.Warn("self client check failed", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.OutboxDir != "" {
		w := outbox.NewWatcher(cfg.OutboxDir, eng, appState, logging.Component(logger, "outbox"))

		g.Go(func() error {
			return ignoreCanceled(w.Watch(gctx))
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, eng, logger)
		})
	}

	return g.Wait()
}

// runMCP serves the control surface until ctx is cancelled.
func runMCP(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP_API_KEYS: %w", err)
	}

	mcpLogger := logging.Component(logger, "mcp")

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "otr-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       auth.NewKeys(entries),
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	mcpLogger.Info("starting server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(entries)),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
