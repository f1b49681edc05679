// Command aiwhisperer runs the multi-agent orchestrator: a WebSocket
// gateway over interactive sessions, a conversation replayer, and
// operator utilities for the agent catalog, the tool registry, and
// configured MCP servers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/gateway"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mcp"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observer"
	"github.com/DeanoC/AIWhisperer-sub000/internal/prompts"
	"github.com/DeanoC/AIWhisperer-sub000/internal/replay"
	"github.com/DeanoC/AIWhisperer-sub000/internal/session"
	"github.com/DeanoC/AIWhisperer-sub000/internal/sessions"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools/builtin"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "aiwhisperer",
		Short:         "Interactive multi-agent orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env file is fine; explicit env always wins.
			godotenv.Load()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newReplayCmd(&configPath),
		newAgentsCmd(&configPath),
		newToolsCmd(&configPath),
		newMCPCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// app is the assembled runtime for serve and replay.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry *tools.Registry
	catalog  *agents.Registry
	prompts  *prompts.Loader
	store    sessions.Store
	mailbox  *mailbox.Mailbox
	manager  *session.Manager
	observer *observer.Observer
	pool     *mcp.Pool
	bridge   *mcp.Bridge

	alertLog    *os.File
	stopTracing func(context.Context) error
}

// buildApp wires config into a running core: stores, tools, agents,
// prompts, and the session manager. MCP servers and the observer come
// up only when withInfra is set; replay and inspection commands skip
// them.
func buildApp(ctx context.Context, cfg *config.Config, withInfra bool) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, stopTracing := observability.NewTracer(traceCfg)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     observability.NewMetrics(),
		tracer:      tracer,
		stopTracing: stopTracing,
	}

	policy, err := workspace.NewPolicy(cfg.Paths.Workspace, cfg.Paths.Output)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(cfg.Session)
	if err != nil {
		return nil, err
	}

	a.catalog, err = agents.Load(cfg.Agents.CatalogPath)
	if err != nil {
		return nil, err
	}

	var promptOpts []prompts.Option
	if cfg.Prompts.UserDir != "" {
		promptOpts = append(promptOpts, prompts.WithUserDir(cfg.Prompts.UserDir))
	}
	a.prompts = prompts.NewLoader(cfg.Prompts.SystemDir, logger, promptOpts...)
	if cfg.Prompts.Watch {
		if err := a.prompts.Watch(); err != nil {
			logger.Warn("prompt watch disabled", "error", err)
		}
	}

	a.mailbox = mailbox.New(mailbox.WithDepthGauge(func(priority string, unread float64) {
		a.metrics.MailboxDepth.WithLabelValues(priority).Set(unread)
	}))
	a.registry = tools.NewRegistry(logger)

	a.manager = session.NewManager(session.Deps{
		Catalog:      a.catalog,
		Tools:        a.registry,
		Prompts:      a.prompts,
		Backend:      backendFactory(cfg),
		Store:        a.store,
		Mailbox:      a.mailbox,
		Logger:       logger,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
		Config:       cfg.Session,
		DefaultAgent: cfg.Agents.DefaultAgent,
	})

	if err := builtin.RegisterAll(a.registry, builtin.Deps{
		Policy:    policy,
		Mailbox:   a.mailbox,
		Health:    a.manager,
		Inspector: a.manager,
	}); err != nil {
		return nil, err
	}

	if withInfra {
		if err := a.startInfra(ctx); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// startInfra brings up the MCP pool, bridges auto-start servers into the
// tool registry, and attaches the observer to new sessions.
func (a *app) startInfra(ctx context.Context) error {
	a.pool = mcp.NewPool(a.logger, mcp.WithClientMetrics(a.metrics))
	a.bridge = mcp.NewBridge(a.registry, a.logger)
	if err := a.pool.StartAll(ctx, a.cfg.MCP.Servers); err != nil {
		return fmt.Errorf("mcp startup: %w", err)
	}
	for _, client := range a.pool.Clients() {
		names := a.bridge.RegisterServer(mcp.NewReconnectingClient(client, a.logger))
		a.logger.Info("mcp server bridged", "server", client.Name(), "tools", len(names))
	}

	if a.cfg.Observer.Enabled {
		opts := []observer.Option{observer.WithMetrics(a.metrics)}
		if path := a.cfg.Observer.AlertLogPath; path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				a.logger.Warn("alert log unavailable", "path", path, "error", err)
			} else {
				a.alertLog = f
				opts = append(opts, observer.WithAlertLog(f))
			}
		}
		a.observer = observer.New(a.cfg.Observer, a.logger, opts...)
		a.manager.OnSessionCreated(func(s *session.Session) {
			a.observer.Attach(s)
		})
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("manager shutdown incomplete", "error", err)
	}
	if a.observer != nil {
		a.observer.Close()
	}
	if a.pool != nil {
		if err := a.pool.CloseAll(); err != nil {
			a.logger.Warn("mcp shutdown incomplete", "error", err)
		}
	}
	if a.prompts != nil {
		a.prompts.Close()
	}
	if a.alertLog != nil {
		a.alertLog.Close()
	}
	if a.stopTracing != nil {
		a.stopTracing(ctx)
	}
}

func openStore(cfg config.SessionConfig) (sessions.Store, error) {
	switch cfg.Store {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return sessions.NewSQLiteStore(cfg.SQLitePath)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

// backendFactory resolves per-agent backends, caching one client per
// provider. API keys come from provider config (env-expanded) or the
// conventional environment variables; they are never logged.
func backendFactory(cfg *config.Config) session.BackendFactory {
	var mu sync.Mutex
	cache := map[string]llm.Backend{}

	return func(d *agents.Descriptor) (llm.Backend, error) {
		provider := d.Model.Provider
		if provider == "" {
			provider = cfg.LLM.DefaultProvider
		}

		mu.Lock()
		defer mu.Unlock()
		if backend, ok := cache[provider]; ok {
			return backend, nil
		}

		pcfg := cfg.LLM.Providers[provider]
		if pcfg.APIKey == "" {
			switch strings.ToLower(provider) {
			case "anthropic":
				pcfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
			case "openai":
				pcfg.APIKey = os.Getenv("OPENAI_API_KEY")
			}
		}
		backend, err := llm.New(provider, pcfg)
		if err != nil {
			return nil, err
		}
		cache[provider] = backend
		return backend, nil
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			gw := gateway.NewServer(gateway.Config{
				Manager: a.manager,
				Metrics: a.metrics,
				Logger:  a.logger,
				MCP: &gateway.MCPControl{
					Pool:    a.pool,
					Bridge:  a.bridge,
					Servers: cfg.MCP.Servers,
				},
			})

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			err = gw.ListenAndServe(ctx, addr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
}

func newReplayCmd(configPath *string) *cobra.Command {
	var agent string
	var turnTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "replay <script>",
		Short: "Replay a conversation script against a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			script, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer script.Close()

			opts := []replay.Option{replay.WithTurnTimeout(turnTimeout)}
			if agent != "" {
				opts = append(opts, replay.WithAgent(agent))
			}
			summary, err := replay.NewRunner(a.manager, a.logger, opts...).Run(ctx, script)
			if summary != nil {
				fmt.Fprintln(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent to run the script against")
	cmd.Flags().DurationVar(&turnTimeout, "turn-timeout", 120*time.Second, "per-turn completion timeout")
	return cmd
}

func newAgentsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			catalog, err := agents.Load(cfg.Agents.CatalogPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tSETS\tMAX DEPTH\tEXPLICIT SIGNAL")
			for _, d := range catalog.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%v\n",
					d.ID, d.Name, d.Role,
					strings.Join(d.Tools.Sets, ","),
					d.Continuation.MaxDepth,
					d.Continuation.RequireExplicitSignal)
			}
			return w.Flush()
		},
	}
}

func newToolsCmd(configPath *string) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show the tool registry, optionally resolved for one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			var defs []tools.Definition
			if agentID != "" {
				d, ok := a.catalog.Get(agentID)
				if !ok {
					return fmt.Errorf("unknown agent %q", agentID)
				}
				defs = a.registry.ResolveFor(tools.Selectors{
					Sets:  d.Tools.Sets,
					Tags:  d.Tools.Tags,
					Allow: d.Tools.Allow,
					Deny:  d.Tools.Deny,
				})
			} else {
				for _, name := range a.registry.Names() {
					if def, ok := a.registry.Get(name); ok {
						defs = append(defs, def)
					}
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tDESCRIPTION")
			for _, def := range defs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, def.Category, oneLine(def.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "resolve the tool set for this agent id")
	return cmd
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func newMCPCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server utilities",
	}
	cmd.AddCommand(newMCPProxyCmd(), newMCPListCmd(configPath), newMCPCallCmd(configPath))
	return cmd
}

func newMCPProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy -- <command> [args...]",
		Short: "Run a persistent stdio proxy around a child MCP server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			child := args
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				child = args[dash:]
			}
			if len(child) == 0 {
				return errors.New("proxy requires a child command after --")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logging stays on stderr.
			logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
			p := mcp.NewProxy(child[0], child[1:], logger)
			return p.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}

// connectServer dials one configured MCP server for the operator
// commands.
func connectServer(ctx context.Context, cfg *config.Config, name string) (*mcp.Client, error) {
	for _, server := range cfg.MCP.Servers {
		if server.Name != name {
			continue
		}
		logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})
		client := mcp.NewClient(server, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown mcp server %q", name)
}

func newMCPListCmd(configPath *string) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tools a configured MCP server exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := connectServer(ctx, cfg, server)
			if err != nil {
				return err
			}
			defer client.Close()

			info := client.ServerInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Name, info.Version)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tDESCRIPTION")
			for _, tool := range client.Tools() {
				fmt.Fprintf(w, "%s\t%s\n", tool.Name, oneLine(tool.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "configured server name")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newMCPCallCmd(configPath *string) *cobra.Command {
	var server, tool, argsJSON string

	cmd := &cobra.Command{
		Use:   "call [k=v...]",
		Short: "Invoke one tool on a configured MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			callArgs, err := parseToolArgs(argsJSON, args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			client, err := connectServer(ctx, cfg, server)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.CallTool(ctx, tool, callArgs)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(mcp.StructuredResult(result), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "configured server name")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name on the server")
	cmd.Flags().StringVar(&argsJSON, "args", "", "arguments as a JSON object")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("tool")
	return cmd
}

// parseToolArgs merges --args JSON with positional k=v pairs; pairs win.
func parseToolArgs(argsJSON string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
			return nil, fmt.Errorf("--args: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not k=v", pair)
		}
		out[key] = value
	}
	return out, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "aiwhisperer", version)
		},
	}
}
