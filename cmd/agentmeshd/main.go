package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agentmesh/controlplane/pkg/alert"
	"github.com/agentmesh/controlplane/pkg/capability"
	"github.com/agentmesh/controlplane/pkg/config"
	"github.com/agentmesh/controlplane/pkg/dispatch"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/healthmonitor"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/notify"
	"github.com/agentmesh/controlplane/pkg/registry"
	agentruntime "github.com/agentmesh/controlplane/pkg/runtime"
	"github.com/agentmesh/controlplane/pkg/secrets"
	"github.com/agentmesh/controlplane/pkg/trace"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/agentmesh/controlplane/pkg/worker"
	"github.com/agentmesh/controlplane/pkg/workflow"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentmeshd",
	Short: "Agent Mesh control plane",
	Long: `agentmeshd is the control plane for the agent mesh: it registers and
versions agents, deploys their worker processes, dispatches invocations,
runs multi-agent workflows, and monitors agent health, all behind a single
binary with a bbolt-backed registry.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentmeshd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/agentmesh", "Registry data directory")
	rootCmd.PersistentFlags().String("config", "", "Path to an AGENTMESH config YAML file")
	rootCmd.PersistentFlags().StringSlice("supported-models", []string{"anthropic/claude"}, "Model identifiers the registry accepts in agent.Configuration[\"model\"]")
	rootCmd.PersistentFlags().String("runtime", "process", "Worker backend for templated agents: process (os/exec) or containerd (OCI image)")
	rootCmd.PersistentFlags().String("containerd-socket", agentruntime.DefaultSocketPath, "containerd socket path, used when --runtime=containerd")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(runWorkflowCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(alertCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// controlPlane bundles every wired component (C1-C12) over one open
// registry store. Built once per process invocation; serve keeps it
// running, the one-shot commands (invoke, run-workflow, capabilities)
// use it for a single call and close the store before returning.
type controlPlane struct {
	store       *registry.BoltStore
	broker      *events.Broker
	reg         *registry.Registry
	metricStore *metricstore.InMemoryStore
	tracer      *trace.Recorder
	allocator   *ids.Allocator
	orch        *worker.Orchestrator
	dispatcher  *dispatch.Dispatcher
	workflows   *workflow.Engine
	notifier    *notify.Notifier
	alerts      *alert.Engine
	monitor     *healthmonitor.Monitor
	collector   *metrics.Collector
	cfg         config.Config
}

func buildControlPlane(dataDir, configPath string, supportedModels []string, runtimeBackend, containerdSocket string) (*controlPlane, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := registry.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	reg := registry.New(store, registry.Config{SupportedModels: supportedModels}).WithPublisher(broker)
	if cfg.Secrets.MasterKey != "" {
		reg = reg.WithSecretBox(secrets.NewBox(cfg.Secrets.MasterKey))
	}

	metricStore := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	tracer := trace.NewRecorder(metricStore, 24*time.Hour)
	allocator := ids.NewAllocator(cfg.Agent.PortBase, cfg.Agent.PortCapacity)

	workerCfg := worker.DefaultConfig()
	workerCfg.WorkDirRoot = dataDir + "/workers"
	workerCfg.StartupDeadline = cfg.StartupDeadline()
	workerCfg.DrainDeadline = cfg.DrainDeadline()
	workerCfg.PortBase = cfg.Agent.PortBase
	workerCfg.PortCapacity = cfg.Agent.PortCapacity
	var workerRuntime worker.Runtime = worker.NewProcessRuntime()
	if runtimeBackend == "containerd" {
		cr, err := agentruntime.NewContainerdRuntime(containerdSocket)
		if err != nil {
			return nil, fmt.Errorf("connect to containerd: %w", err)
		}
		workerRuntime = agentruntime.NewWorkerAdapter(cr)
	}
	orch := worker.NewOrchestrator(reg, reg, allocator, workerRuntime, workerCfg)

	providers := map[string]dispatch.ModelProvider{}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		providers["anthropic/claude"] = dispatch.NewAnthropicProviderFromAPIKey(apiKey, 4096)
	}
	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.DefaultTimeout = cfg.DispatchTimeout()
	dispatcher := dispatch.New(reg, reg, tracer, providers, dispatchCfg)

	workflowEngine := workflow.NewEngine(reg, store, dispatcher).WithPublisher(broker)

	notifier := notify.NewNotifier(metricStore, notify.RetryConfig{
		MaxAttempts: cfg.Notifier.RetryMax,
		BaseBackoff: cfg.NotifierBackoffBase(),
		MaxBackoff:  10 * time.Second,
	})
	alertEngine := alert.NewEngine(metricStore, store, notifier, cfg.AlertsTick())

	monitorCfg := healthmonitor.DefaultConfig()
	monitorCfg.HealthTick = cfg.HealthTick()
	monitorCfg.MetricsTick = cfg.MetricsTick()
	monitor := healthmonitor.NewMonitor(activeAgentSource{reg: reg}, metricStore, orch, healthmonitor.NewHTTPUsageFetcher(nil), monitorCfg)

	collector := metrics.NewCollector(reg, cfg.MetricsTick())

	return &controlPlane{
		store: store, broker: broker, reg: reg, metricStore: metricStore,
		tracer: tracer, allocator: allocator, orch: orch, dispatcher: dispatcher,
		workflows: workflowEngine, notifier: notifier, alerts: alertEngine,
		monitor: monitor, collector: collector, cfg: cfg,
	}, nil
}

// close releases whatever background loops were started and closes
// the registry store. Safe to call whether or not Start() ran.
func (cp *controlPlane) close() {
	cp.alerts.Stop()
	cp.monitor.Stop()
	cp.collector.Stop()
	cp.broker.Stop()
	_ = cp.store.Close()
}

// start launches every background loop; only serve calls this.
func (cp *controlPlane) start() {
	cp.alerts.Start()
	cp.monitor.Start()
	cp.collector.Start()
}

func commonFlags(cmd *cobra.Command) (dataDir, configPath string, supportedModels []string, runtimeBackend, containerdSocket string) {
	dataDir, _ = cmd.Flags().GetString("data-dir")
	configPath, _ = cmd.Flags().GetString("config")
	supportedModels, _ = cmd.Flags().GetStringSlice("supported-models")
	runtimeBackend, _ = cmd.Flags().GetString("runtime")
	containerdSocket, _ = cmd.Flags().GetString("containerd-socket")
	return
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `serve opens the registry, starts the worker orchestrator, dispatcher,
workflow engine, health monitor, alert engine and metrics collector, and
blocks until terminated. The Invocation/Lifecycle HTTP API is out of scope
here; /metrics, /health, /ready and /live are the only HTTP surfaces
exposed, for operational scraping and liveness probes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics, /health, /ready, /live on")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
	if err != nil {
		return err
	}
	defer cp.close()
	cp.start()

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("dispatcher", true, "")
	metrics.RegisterComponent("worker-orchestrator", true, "")
	metrics.SetVersion(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("serve").Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.WithComponent("serve").Info().Str("data_dir", dataDir).Str("metrics_addr", metricsAddr).Msg("agentmeshd started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	log.WithComponent("serve").Info().Msg("agentmeshd stopped")
	return nil
}

// activeAgentSource adapts the Agent Registry to healthmonitor.AgentSource,
// filtering to agents currently reported active.
type activeAgentSource struct {
	reg *registry.Registry
}

func (a activeAgentSource) ActiveAgents() []healthmonitor.AgentView {
	agents, err := a.reg.ListAgents()
	if err != nil {
		return nil
	}
	out := make([]healthmonitor.AgentView, 0, len(agents))
	for _, ag := range agents {
		if ag.Status != types.AgentStatusActive {
			continue
		}
		out = append(out, healthmonitor.AgentView{
			ID:         ag.ID,
			ProbeURL:   ag.ProbeURL,
			MetricsURL: ag.Endpoint + "/metrics",
		})
	}
	return out
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <agent-id>",
	Short: "Invoke a single agent with a JSON input payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvoke,
}

func init() {
	invokeCmd.Flags().String("input", "{}", "JSON input payload")
	invokeCmd.Flags().String("caller-id", "cli", "Caller identity recorded on the trace")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
	inputJSON, _ := cmd.Flags().GetString("input")
	callerID, _ := cmd.Flags().GetString("caller-id")

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
	if err != nil {
		return err
	}
	defer cp.close()

	result, err := cp.dispatcher.Invoke(context.Background(), args[0], input, "", dispatch.Caller{ID: callerID})
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

var runWorkflowCmd = &cobra.Command{
	Use:   "run-workflow <workflow-id>",
	Short: "Execute a workflow with a JSON input payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunWorkflow,
}

func init() {
	runWorkflowCmd.Flags().String("input", "{}", "JSON input payload")
	runWorkflowCmd.Flags().String("caller-id", "cli", "Caller identity recorded on every step's trace")
}

func runRunWorkflow(cmd *cobra.Command, args []string) error {
	dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
	inputJSON, _ := cmd.Flags().GetString("input")
	callerID, _ := cmd.Flags().GetString("caller-id")

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
	if err != nil {
		return err
	}
	defer cp.close()

	exec, err := cp.workflows.Execute(context.Background(), args[0], input, dispatch.Caller{ID: callerID})
	if err != nil && exec == nil {
		return err
	}
	out, _ := json.MarshalIndent(exec, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		return err
	}
	return nil
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <agent-id> <version-id>",
	Short: "Revert an agent to a prior version's configuration, prompt, and tools",
	Long: `rollback copies (configuration, system prompt, tool refs) from a prior
agent version into the agent row and stamps a new version describing the
rollback; the referenced version is left intact.`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
	cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
	if err != nil {
		return err
	}
	defer cp.close()

	agent, err := cp.reg.RevertToVersion(args[0], args[1])
	if err != nil {
		metrics.RolledBackDeploymentsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RolledBackDeploymentsTotal.WithLabelValues("manual").Inc()

	if agent.Kind == types.AgentKindTemplated {
		if err := cp.orch.Restart(agent.ID); err != nil {
			return fmt.Errorf("rolled back agent record but redeploying workers failed: %w", err)
		}
	}

	fmt.Printf("agent %q rolled back to version %q\n", agent.ID, args[1])
	return nil
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted environment secrets",
}

var secretCreateCmd = &cobra.Command{
	Use:   "create <owner-id> <name> <value>",
	Short: "Create an environment secret, sealed under secrets.master_key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		s, err := cp.reg.CreateSecret(args[0], args[1], []byte(args[2]))
		if err != nil {
			return err
		}
		fmt.Printf("secret %q created as %q\n", s.Name, s.ID)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list <owner-id>",
	Short: "List environment secret names for an owner (values never printed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		secretList, err := cp.reg.ListSecrets(args[0])
		if err != nil {
			return err
		}
		for _, s := range secretList {
			fmt.Printf("%s\t%s\n", s.ID, s.Name)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <secret-id>",
	Short: "Delete an environment secret not referenced by any agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		if err := cp.reg.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Printf("secret %q deleted\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretCreateCmd, secretListCmd, secretDeleteCmd)
}

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage alert rules",
}

var alertCreateCmd = &cobra.Command{
	Use:   "create <name> <metric-name> <operator> <threshold> <hold-duration> [severity]",
	Short: "Create an alert rule (operator one of < <= = != >= >, severity defaults to medium)",
	Args:  cobra.RangeArgs(5, 6),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		threshold, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("parse threshold: %w", err)
		}
		hold, err := time.ParseDuration(args[4])
		if err != nil {
			return fmt.Errorf("parse hold-duration: %w", err)
		}
		severity := types.SeverityMedium
		if len(args) == 6 {
			severity = types.AlertSeverity(args[5])
		}

		rule, err := cp.reg.CreateAlertRule(&types.AlertRule{
			Name:         args[0],
			MetricName:   args[1],
			Operator:     types.AlertOperator(args[2]),
			Threshold:    threshold,
			HoldDuration: hold,
			Severity:     severity,
			Enabled:      true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("alert rule %q created as %q\n", rule.Name, rule.ID)
		return nil
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured alert rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		rules, err := cp.reg.ListAlertRules()
		if err != nil {
			return err
		}
		for _, r := range rules {
			fmt.Printf("%s\t%s\t%s %s %g\t%s\n", r.ID, r.Name, r.MetricName, r.Operator, r.Threshold, r.Severity)
		}
		return nil
	},
}

var alertDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
		cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
		if err != nil {
			return err
		}
		defer cp.close()

		if err := cp.reg.DeleteAlertRule(args[0]); err != nil {
			return err
		}
		fmt.Printf("alert rule %q deleted\n", args[0])
		return nil
	},
}

func init() {
	alertCmd.AddCommand(alertCreateCmd, alertListCmd, alertDeleteCmd)
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities <agent-id>",
	Short: "Discover an agent's capabilities and recommend tools for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapabilities,
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	dataDir, configPath, supportedModels, runtimeBackend, containerdSocket := commonFlags(cmd)
	cp, err := buildControlPlane(dataDir, configPath, supportedModels, runtimeBackend, containerdSocket)
	if err != nil {
		return err
	}
	defer cp.close()
	reg := cp.reg

	agent, err := reg.GetAgent(args[0])
	if err != nil {
		return err
	}

	skills := make([]*types.Skill, 0, len(agent.SkillRefs))
	for _, id := range agent.SkillRefs {
		if s, err := reg.GetSkill(id); err == nil {
			skills = append(skills, s)
		}
	}
	tools := make([]*types.Tool, 0, len(agent.ToolRefs))
	for _, id := range agent.ToolRefs {
		if t, err := reg.GetTool(id); err == nil {
			tools = append(tools, t)
		}
	}

	engine := capability.NewEngine()
	caps := engine.Discover(agent, skills, tools)
	fmt.Printf("Discovered %d capabilities for %s:\n", len(caps), agent.Name)
	capNames := make([]string, 0, len(caps))
	for _, c := range caps {
		fmt.Printf("  - %s (category %s, confidence %.2f)\n", c.Name, c.Category, c.Confidence)
		capNames = append(capNames, c.Name)
	}

	allTools, err := reg.ListTools()
	if err != nil {
		return err
	}
	recs := engine.RecommendTools(capability.ToolRequirements{Capabilities: capNames}, allTools)
	if len(recs) > 0 {
		fmt.Println("Recommended tools:")
		for _, r := range recs {
			fmt.Printf("  - %s (score %.2f, integration effort: %s)\n", r.Tool.Name, r.Score, r.IntegrationEffort)
		}
	}
	return nil
}
