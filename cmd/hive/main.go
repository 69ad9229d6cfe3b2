package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hivequery/internal/automator"
	"hivequery/internal/config"
	"hivequery/internal/credstore"
	"hivequery/internal/dispatch"
	"hivequery/internal/llm"
	"hivequery/internal/logging"
	"hivequery/internal/orchestrator"
	"hivequery/internal/router"
	"hivequery/internal/server"
	"hivequery/internal/session"
	"hivequery/internal/synthesis"
	"hivequery/internal/types"
	"hivequery/internal/utility"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose  bool
	homeDir  string
	strategy string

	// ask flags
	askServices     []string
	askConfidential bool
	askStructured   bool
	askTimeout      time.Duration

	// serve flags
	serveAddr string

	// creds flags
	credSecret string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "hivequery - ask one question, synthesize answers from many AI services",
	Long: `hivequery fans a natural-language question out to several conversational AI
web services through automated browser sessions, extracts a structured answer
from whatever each returns, and uses a local language model to judge
completeness, ask follow-ups, and merge everything into one attributed answer.

Two automation strategies are available: direct (a stealth browser this
process controls) and injected (script pairs pasted into a browser you
control).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if homeDir == "" {
			homeDir = config.DefaultHome()
		}
		if err := logging.Initialize(homeDir); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// askCmd runs one full query round from the terminal.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question and print the synthesized answer",
	Long: `Runs the full pipeline for one question: classify and route, dispatch to
the selected services, extract and judge the responses, run at most one
follow-up round, then print the merged attributed answer.

Examples:
  hive ask "compare etcd and consul for service discovery"
  hive ask --confidential "summarize the notes in my last meeting"
  hive ask --services chatgpt,claude "why is my goroutine leaking?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// serveCmd starts the control API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API (HTTP JSON + WebSocket events)",
	RunE:  runServe,
}

// servicesCmd manages service configs.
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List configured chat services",
	RunE:  runServicesList,
}

var servicesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default service config files",
	RunE:  runServicesInit,
}

// credsCmd manages stored credentials.
var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage encrypted service credentials",
}

var credsSetCmd = &cobra.Command{
	Use:   "set [service-id]",
	Short: "Store a credential for a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredsSet,
}

var credsShowCmd = &cobra.Command{
	Use:   "show [service-id]",
	Short: "Show the stored credential for a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredsShow,
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete [service-id]",
	Short: "Delete the stored credential for a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredsDelete,
}

// injectCmd supports the injected-script strategy.
var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Work with the injected-script strategy",
}

var injectGenCmd = &cobra.Command{
	Use:   "gen [service-id] [prompt]",
	Short: "Generate the script pair for one prompt",
	Long: `Writes the prompt-injection and response-monitor scripts for a service.
Paste inject.js into the service tab's console, then monitor.js; when the
response stabilizes the monitor prints and copies the captured text. Feed it
back with "hive inject capture".`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInjectGen,
}

var injectCaptureCmd = &cobra.Command{
	Use:   "capture [service-id] [request-id] [file]",
	Short: "Submit a captured response (from a file, or stdin with no file)",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runInjectCapture,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "data directory (default ~/.hivequery)")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "", "automation strategy: direct or injected (default from config)")

	askCmd.Flags().StringSliceVar(&askServices, "services", nil, "restrict to these service ids")
	askCmd.Flags().BoolVar(&askConfidential, "confidential", false, "never send the query to external services")
	askCmd.Flags().BoolVar(&askStructured, "structured", false, "request a structured JSON envelope from services")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "per-service timeout (default from config)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	credsSetCmd.Flags().StringVar(&credSecret, "secret", "", "secret value (read from stdin when empty)")

	servicesCmd.AddCommand(servicesInitCmd)
	credsCmd.AddCommand(credsSetCmd, credsShowCmd, credsDeleteCmd)
	injectCmd.AddCommand(injectGenCmd, injectCaptureCmd)
	rootCmd.AddCommand(askCmd, serveCmd, servicesCmd, credsCmd, injectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// envKeySource reads the master key from the environment.
type envKeySource struct{}

func (envKeySource) MasterKey() (string, error) {
	if key := os.Getenv("HIVEQUERY_MASTER_KEY"); key != "" {
		return key, nil
	}
	return "", credstore.ErrNoMasterKey
}

// app bundles the wired pipeline for the ask and serve commands.
type app struct {
	cfg      *config.Config
	services map[string]config.ServiceConfig
	store    *credstore.Store
	browsers *automator.BrowserManager
	exchange *automator.ScriptExchange
	registry *automator.Registry
	model    llm.Client
	orch     *orchestrator.Orchestrator
	arena    *session.Arena
}

func (a *app) close() {
	if a.browsers != nil {
		if err := a.browsers.Shutdown(); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *app) strategy() string {
	if strategy != "" {
		return strategy
	}
	return a.cfg.Browser.Strategy
}

// buildApp loads config and wires every component. startBrowser controls
// whether the direct-drive browser is launched now.
func buildApp(ctx context.Context, startBrowser bool) (*app, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.WriteDefaultServices(cfg.ServicesDir()); err != nil {
		return nil, fmt.Errorf("write default services: %w", err)
	}
	services, err := config.LoadServices(cfg.ServicesDir())
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}

	a := &app{cfg: cfg, services: services}

	a.store, err = credstore.Open(cfg.DBPath(), envKeySource{})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	a.model, err = llm.NewFromConfig(ctx, cfg.Model)
	if err != nil {
		logger.Warn("model client unavailable, heuristic fallbacks active", zap.Error(err))
		a.model = nil
	}

	a.exchange, err = automator.NewScriptExchange(filepath.Join(cfg.Home, "exchange"))
	if err != nil {
		return nil, err
	}

	if a.strategy() != "injected" {
		a.browsers = automator.NewBrowserManager(cfg.Browser, cfg.ProfileRoot())
		if startBrowser {
			if err := a.browsers.Start(ctx); err != nil {
				a.close()
				return nil, fmt.Errorf("start browser: %w", err)
			}
		}
	}

	a.registry = automator.BuildRegistry(services, a.browsers, a.exchange, a.strategy(), a.store)
	dispatcher := dispatch.New(a.registry, services, a.store, cfg.Dispatch)
	a.arena = session.NewArena(cfg.Storage.ParsedSessionTTL())
	a.orch = orchestrator.New(cfg, router.New(services), dispatcher, a.model, utility.NewClient(), a.arena)
	a.orch.UseSessionStore(a.store)
	return a, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, strategy != "injected")
	if err != nil {
		return err
	}
	defer a.close()

	req := types.QueryRequest{
		RawText:        strings.Join(args, " "),
		TargetServices: askServices,
		Timeout:        askTimeout,
		Confidential:   askConfidential,
		StructuredMode: askStructured,
	}

	result, err := a.orch.Run(ctx, req)
	if err != nil && result == nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(r *types.SynthesizedResult) {
	if r.RefinedQuery != "" && r.RefinedQuery != r.OriginalQuery {
		fmt.Printf("Refined query: %s\n\n", r.RefinedQuery)
	}
	fmt.Println(r.FinalText)
	if len(r.Contributions) > 0 {
		fmt.Println("\nSources:")
		for _, c := range r.Contributions {
			marker := ""
			if c.FollowedUp {
				marker = " (after follow-up)"
			}
			fmt.Printf("  - %s (confidence %.2f)%s\n", c.ServiceID, c.Confidence, marker)
		}
	}
	fmt.Printf("\nConfidence %.2f, synthesized by %s\n", r.Confidence, r.Synthesizer)
	if r.AllFailed {
		fmt.Printf("Warning: every service failed (stage %s)\n", r.FailedStage)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, strategy != "injected")
	if err != nil {
		return err
	}
	defer a.close()

	// Hot-reload service configs while running.
	watcher, err := config.NewServiceWatcher(a.cfg.ServicesDir(), func(services map[string]config.ServiceConfig) {
		a.registry.UpdateServices(services, a.browsers, a.exchange, a.strategy(), a.store)
	})
	if err != nil {
		logger.Warn("service config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("service config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	if addr == "" {
		addr = "127.0.0.1:8844"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(a.orch, synthesis.NewEngine(a.model)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("control API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runServicesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	services, err := config.LoadServices(cfg.ServicesDir())
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("No services configured. Run: hive services init")
		return nil
	}
	for _, id := range config.ServiceIDs(services) {
		sc := services[id]
		fmt.Printf("%-12s %-28s reliability %.2f  strengths: %s\n",
			sc.ID, sc.BaseURL, sc.Reliability, strings.Join(sc.Strengths, ", "))
	}
	return nil
}

func runServicesInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	if err := config.WriteDefaultServices(cfg.ServicesDir()); err != nil {
		return err
	}
	fmt.Println("Default service configs written to", cfg.ServicesDir())
	return nil
}

func openStore() (*credstore.Store, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, err
	}
	return credstore.Open(cfg.DBPath(), envKeySource{})
}

func runCredsSet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	secret := credSecret
	if secret == "" {
		fmt.Print("Secret: ")
		if _, err := fmt.Scanln(&secret); err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
	}
	cred := types.ServiceCredential{ServiceID: args[0], Secret: secret}
	if err := store.Store(cmd.Context(), cred); err != nil {
		return err
	}
	fmt.Println("Stored credential for", args[0])
	return nil
}

func runCredsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cred, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if cred == nil {
		fmt.Println("No credential stored for", args[0])
		return nil
	}
	fmt.Printf("service: %s\nsecret:  %s\n", cred.ServiceID, cred.Secret)
	if !cred.ExpiresAt.IsZero() {
		fmt.Printf("expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runCredsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("Deleted credential for", args[0])
	return nil
}

func runInjectGen(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	serviceID := args[0]
	sc, ok := a.services[serviceID]
	if !ok {
		return fmt.Errorf("unknown service %q", serviceID)
	}
	prompt := strings.Join(args[1:], " ")

	inj := automator.NewInjectedAutomator(sc, a.exchange)
	requestID := fmt.Sprintf("manual-%d", time.Now().Unix())
	dir, err := a.exchange.WriteScripts(serviceID, requestID, inj.InjectionScript(prompt), inj.MonitorScript())
	if err != nil {
		return err
	}
	fmt.Printf("Scripts written to %s\n", dir)
	fmt.Printf("Submit the captured text with:\n  hive inject capture %s %s <file>\n", serviceID, requestID)
	return nil
}

func runInjectCapture(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	var data []byte
	if len(args) == 3 {
		data, err = os.ReadFile(args[2])
	} else {
		data, err = os.ReadFile("/dev/stdin")
	}
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	if err := a.exchange.SubmitCapture(args[0], args[1], string(data)); err != nil {
		return err
	}
	fmt.Println("Capture submitted for", args[0], args[1])
	return nil
}
