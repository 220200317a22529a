package cli

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

	"github.com/spf13/cobra"

	"github.com/openecu/tunegate/internal/api"
	"github.com/openecu/tunegate/internal/catalog"
	"github.com/openecu/tunegate/internal/config"
	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/engines"
	"github.com/openecu/tunegate/internal/journal"
	"github.com/openecu/tunegate/internal/orchestrator"
	"github.com/openecu/tunegate/internal/transport"
)

// NewServeCommand creates the serve command, which hosts the
// orchestrator, the configured engines, and the HTTP API.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunegate server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load configuration", err)
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when omitted)")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	bus := ecu.NewBus()
	defer bus.Close()

	jnl, err := journal.Open(cfg.JournalPath, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "open journal", err)
	}
	defer jnl.Close()
	jnl.Attach(bus)

	orch := orchestrator.New(cfg.ArmCode,
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(log),
		orchestrator.WithSessionTTL(cfg.SessionTTL.Std()),
		orchestrator.WithMaxSessions(cfg.MaxSessions),
	)
	if cfg.SafetyLevel != ecu.LevelSimulate {
		if err := orch.SetSafetyLevel(cfg.SafetyLevel); err != nil {
			return WrapExitError(ExitCommandError, "set safety level", err)
		}
	}

	if err := buildEngines(cfg, orch, bus, log); err != nil {
		return WrapExitError(ExitCommandError, "build engines", err)
	}

	srv, err := api.New(orch, jnl, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "build API server", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweep retires expired sessions even when idle.
	go orch.Run(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "level", string(orch.Level()))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitCommandError, "http server", err)
	}
}

// buildEngines constructs every configured variant, merges any user
// catalogue maps into its spec, and registers it with the orchestrator.
// Bench transports connect eagerly; "none" leaves the engine registered
// but disconnected until an operator connects it.
func buildEngines(cfg config.Config, orch *orchestrator.Orchestrator, bus *ecu.Bus, log *slog.Logger) error {
	specs := make(map[string]engines.Spec)
	for _, spec := range engines.Variants() {
		specs[spec.ID] = spec
	}

	var extra map[string][]ecu.MapDefinition
	if cfg.CatalogueDir != "" {
		cats, err := catalog.LoadDir(cfg.CatalogueDir)
		if err != nil {
			return fmt.Errorf("load catalogues: %w", err)
		}
		extra = make(map[string][]ecu.MapDefinition)
		for _, c := range cats {
			extra[c.Engine] = append(extra[c.Engine], c.Maps...)
		}
	}

	for _, ec := range cfg.Engines {
		spec, ok := specs[ec.ID]
		if !ok {
			return fmt.Errorf("unknown engine variant %q", ec.ID)
		}
		if defs := extra[ec.ID]; len(defs) > 0 {
			merged, err := spec.WithMaps(defs...)
			if err != nil {
				return fmt.Errorf("merge catalogues: %w", err)
			}
			spec = merged
			log.Info("merged catalogue maps", "engine", ec.ID, "maps", len(defs))
		}

		var tr transport.Transport
		switch ec.Transport {
		case "bench":
			tr = engines.NewSimECU(spec).Transport()
		case "none":
			tr = transport.Unreachable{}
		}

		eng := engines.New(spec, tr, orch, bus, engines.WithLogger(log))
		if err := orch.RegisterEngine(eng); err != nil {
			return err
		}
		if ec.Transport == "bench" {
			if err := eng.Connect(context.Background()); err != nil {
				log.Warn("bench engine failed to connect", "engine", ec.ID, "error", err)
			}
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
