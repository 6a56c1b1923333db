// Package main provides the CLI entry point for the OwliaBot agent core.
//
// OwliaBot drives a chat-facing agentic loop backed by Anthropic/OpenAI
// providers, an MCP tool subprocess manager, policy-gated tool execution,
// and an HTTP gateway for paired devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/audit"
	"github.com/owliabot/owliabot/internal/channels"
	"github.com/owliabot/owliabot/internal/channels/discord"
	"github.com/owliabot/owliabot/internal/channels/telegram"
	"github.com/owliabot/owliabot/internal/config"
	"github.com/owliabot/owliabot/internal/gateway"
	"github.com/owliabot/owliabot/internal/mcp"
	"github.com/owliabot/owliabot/internal/policy"
	"github.com/owliabot/owliabot/internal/sessions"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:     "owliabot",
		Short:   "OwliaBot agent core: agentic loop, tool policy, MCP tools, and device gateway",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "owliabot.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the agent core and HTTP device gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	})

	return root
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting owliabot", "version", version, "commit", commit, "config", configPath)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.channels.StartAll(ctx); err != nil {
		logger.Warn("one or more channel adapters failed to start", "error", err)
	}
	if err := app.mcp.Start(ctx); err != nil {
		logger.Warn("one or more mcp servers failed to start", "error", err)
	}
	mcp.RegisterTools(app.mcp, app.registry)

	errCh := make(chan error, 1)
	if app.gatewaySrv != nil {
		go func() { errCh <- app.gatewaySrv.ListenAndServe(ctx) }()
		logger.Info("gateway listening", "addr", cfg.Gateway.Addr)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway server stopped with error", "error", err)
		}
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.mcp.Stop(); err != nil {
		logger.Warn("mcp manager shutdown error", "error", err)
	}
	if err := app.channels.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown error", "error", err)
	}
	if app.auditLogger != nil {
		if err := app.auditLogger.Close(); err != nil {
			logger.Warn("audit logger close error", "error", err)
		}
	}

	logger.Info("owliabot stopped")
	return nil
}

// application bundles every wired subsystem so runServe can start/stop it
// as a unit without threading a dozen variables through main.
type application struct {
	loop        *agent.AgenticLoop
	registry    *agent.ToolRegistry
	channels    *channels.Registry
	mcp         *mcp.Manager
	auditLogger *audit.Logger
	gatewaySrv  *gateway.Server
}

// buildApp is the composition root: it constructs every subsystem from cfg
// and wires them into one AgenticLoop and one gateway.Server, following the
// dependency order each constructor requires.
func buildApp(cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := agent.NewToolRegistry()

	providerList, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	if len(providerList) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	channelRegistry := channels.NewRegistry()
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		channelRegistry.Register(adapter)
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.Token})
		if err != nil {
			return nil, fmt.Errorf("discord adapter: %w", err)
		}
		channelRegistry.Register(adapter)
	}

	if cfg.MCP.RestartPolicy == nil {
		cfg.MCP.RestartPolicy = &cfg.Agent.RestartPolicy
	}
	mcpManager := mcp.NewManager(&cfg.MCP, logger)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(cfg.Audit)
		if err != nil {
			return nil, fmt.Errorf("audit logger: %w", err)
		}
	}

	policies := make(map[string]*policy.Policy, len(cfg.Policies))
	for i := range cfg.Policies {
		p := cfg.Policies[i]
		policies[policy.NormalizeTool(p.Tool)] = &p
	}

	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	loopCfg := &agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxToolCalls:  cfg.Agent.MaxToolCalls,
		MaxWallTime:   cfg.Agent.MaxWallTime,
		ExecutorConfig: &agent.ExecutorConfig{
			MaxConcurrency: cfg.Agent.MaxConcurrency,
			DefaultTimeout: cfg.Agent.DefaultTimeout,
			DefaultRetries: cfg.Agent.DefaultRetries,
		},
		EnableBackpressure: true,
		StreamToolResults:  true,
		Policies:           policies,
		PolicyEngine:       policy.NewEngine(),
		CooldownTracker:    policy.NewCooldownTracker(),
		AnomalyDetector:    policy.NewAnomalyDetector(),
		Providers:          providerList,
		FailoverConfig: &agent.FailoverConfig{
			MaxRetries:              cfg.Agent.FailoverMaxRetries,
			RetryBackoff:            cfg.Agent.FailoverRetryWait,
			MaxRetryBackoff:         5 * time.Second,
			FailoverOnRateLimit:     true,
			FailoverOnServerError:   true,
			CircuitBreakerThreshold: 3,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		AuditLogger:   auditLogger,
		WriteGate:     policy.NewWriteGate(),
		Channels:      channelRegistry,
		EmergencyStop: policy.NewEmergencyStop(),
		SpendTracker:  policy.NewSpendTracker(),
	}

	loop := agent.NewAgenticLoop(providerList[0], registry, sessionStore, loopCfg)

	var gatewaySrv *gateway.Server
	if cfg.Gateway.Enabled {
		gatewaySrv = gateway.NewServer(gateway.Config{
			Addr:             cfg.Gateway.Addr,
			AdminToken:       cfg.Gateway.AdminToken,
			AgentID:          cfg.Agent.AgentID,
			MessageRateLimit: cfg.Gateway.MessageRateLimit,
			MessageRateBurst: cfg.Gateway.MessageRateBurst,
		}, loop, sessionStore, logger)
	}

	return &application{
		loop:        loop,
		registry:    registry,
		channels:    channelRegistry,
		mcp:         mcpManager,
		auditLogger: auditLogger,
		gatewaySrv:  gatewaySrv,
	}, nil
}

func buildProviders(cfg *config.Config) ([]agent.LLMProvider, error) {
	providerList := make([]agent.LLMProvider, 0, len(cfg.Agent.Providers))
	for _, pc := range cfg.Agent.Providers {
		p, err := config.BuildProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		providerList = append(providerList, p)
	}
	return providerList, nil
}

func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	if cfg.Server.SessionDSN == "" {
		return sessions.NewMemoryStore(), nil
	}
	return sessions.NewCockroachStoreFromDSN(cfg.Server.SessionDSN, nil)
}
