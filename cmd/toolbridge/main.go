// toolbridge is the development CLI for the adapter execution engine:
// register tools, run them against a domain object, and inspect results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolbridge/internal/config"
	"toolbridge/internal/engine"
	"toolbridge/internal/history"
	"toolbridge/internal/launcher"
	"toolbridge/internal/logging"
	"toolbridge/internal/oracle"
	"toolbridge/internal/registry"
	"toolbridge/internal/sandbox"
)

var (
	configPath string
	verbose    bool

	// run flags
	domainArg string
	paramsArg string
	budget    int
	timeout   time.Duration

	// add flags
	toolName   string
	scriptPath string
	execType   string
	prePath    string
	postPath   string

	// history flags
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:           "toolbridge",
	Short:         "Run CLI tools through sandboxed, self-repairing adapters",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <tool-id>",
	Short: "Execute a tool against a domain object",
	Long: `Execute a tool: the pre-process adapter turns the domain object into the
tool's input, the tool runs as a child process, and the post-process adapter
folds its output back into the domain object. Failing adapters are repaired
via the configured oracle, up to the repair budget.

Domain and params accept inline JSON or @path/to/file.json.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <tool-id>",
	Short: "Show a tool's metadata and adapter sources",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var addCmd = &cobra.Command{
	Use:   "add <tool-id>",
	Short: "Register a tool with its script and adapter sources",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <tool-id>",
	Short: "Remove a tool from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var historyCmd = &cobra.Command{
	Use:   "history [tool-id]",
	Short: "Show recent executions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "toolbridge.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVarP(&domainArg, "domain", "d", "{}", "Domain object as JSON or @file")
	runCmd.Flags().StringVarP(&paramsArg, "params", "p", "{}", "Tool params as JSON or @file")
	runCmd.Flags().IntVarP(&budget, "budget", "b", -1, "Repair budget override (-1 uses config)")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Tool timeout override")

	addCmd.Flags().StringVar(&toolName, "name", "", "Display name (defaults to the tool ID)")
	addCmd.Flags().StringVar(&scriptPath, "script", "", "Tool script or binary to register (required)")
	addCmd.Flags().StringVar(&execType, "exec-type", launcher.ExecutionBinary, "Execution type: binary or python")
	addCmd.Flags().StringVar(&prePath, "pre", "", "Pre-process adapter source file (required)")
	addCmd.Flags().StringVar(&postPath, "post", "", "Post-process adapter source file (required)")
	_ = addCmd.MarkFlagRequired("script")
	_ = addCmd.MarkFlagRequired("pre")
	_ = addCmd.MarkFlagRequired("post")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Max rows to show")

	rootCmd.AddCommand(runCmd, listCmd, showCmd, addCmd, deleteCmd, historyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stack bundles the wired components for one command invocation.
type stack struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *registry.Store
	history  *history.Store
}

func buildStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Debug = true
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg.RegistryConfig(), log)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, log: log, registry: reg}
	if cfg.History.Enabled {
		hist, err := history.Open(cfg.History.Path, log)
		if err != nil {
			reg.Close()
			return nil, err
		}
		s.history = hist
	}
	return s, nil
}

func (s *stack) close() {
	if s.history != nil {
		s.history.Close()
	}
	s.registry.Close()
	_ = s.log.Sync()
}

// buildEngine wires the full execution engine on top of the stack. The
// oracle is optional: without an API key, repair is simply disabled.
func (s *stack) buildEngine() *engine.Engine {
	var orc engine.Oracle
	if s.cfg.Oracle.APIKey != "" {
		client, err := oracle.New(s.cfg.OracleConfig(), s.log)
		if err != nil {
			s.log.Warn("repair oracle disabled", zap.Error(err))
		} else {
			orc = client
		}
	} else {
		s.log.Warn("no oracle API key configured, repair disabled")
	}

	var hist engine.History
	if s.history != nil {
		hist = s.history
	}

	sb := sandbox.New(s.log, sandbox.WithExtraPackages(s.cfg.Sandbox.ExtraPackages))
	return engine.New(s.cfg.EngineConfig(), s.registry, orc, hist,
		launcher.New(s.cfg.LauncherConfig(), s.log), sb, s.log)
}

func runRun(cmd *cobra.Command, args []string) error {
	domain, err := parseJSONArg(domainArg)
	if err != nil {
		return fmt.Errorf("invalid --domain: %w", err)
	}
	params, err := parseJSONArg(paramsArg)
	if err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	eng := s.buildEngine()
	result := eng.Execute(cmd.Context(), engine.ExecuteRequest{
		ToolID:       args[0],
		Domain:       domain,
		Params:       params,
		RepairBudget: budget,
		Timeout:      timeout,
	})

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Success {
		return fmt.Errorf("execution failed (%s)", result.ErrorKind)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	tools, err := s.registry.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("no tools registered")
		return nil
	}
	for _, tool := range tools {
		fmt.Printf("%-24s %-8s %s\n", tool.ToolID, tool.ExecutionType, tool.ToolName)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	entry, err := s.registry.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	meta, err := json.MarshalIndent(entry.Metadata, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(meta))
	fmt.Printf("\nexecutable: %s (adapter v%d)\n", entry.ExecutablePath, entry.Adapter.Version)
	fmt.Printf("\n--- pre-process ---\n%s\n", strings.TrimSpace(entry.Adapter.PreProcessSource))
	fmt.Printf("\n--- post-process ---\n%s\n", strings.TrimSpace(entry.Adapter.PostProcessSource))
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	toolID := args[0]

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	preSource, err := os.ReadFile(prePath)
	if err != nil {
		return fmt.Errorf("reading pre-process source: %w", err)
	}
	postSource, err := os.ReadFile(postPath)
	if err != nil {
		return fmt.Errorf("reading post-process source: %w", err)
	}
	if execType != launcher.ExecutionBinary && execType != launcher.ExecutionPython {
		return fmt.Errorf("unknown exec type %q", execType)
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	name := toolName
	if name == "" {
		name = toolID
	}
	meta := engine.ToolMetadata{
		ToolID:        toolID,
		ToolName:      name,
		ExecutionType: execType,
		FileName:      baseName(scriptPath),
		CreatedAt:     time.Now().UTC(),
	}
	adapter := engine.AdapterCode{
		ToolID:            toolID,
		PreProcessSource:  string(preSource),
		PostProcessSource: string(postSource),
		Version:           1,
	}

	id, err := s.registry.Save(cmd.Context(), meta, adapter, string(script))
	if err != nil {
		return err
	}
	fmt.Printf("registered %s\n", id)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	deleted, err := s.registry.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("tool %q not found", args[0])
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	if s.history == nil {
		return fmt.Errorf("history is disabled in the config")
	}

	toolID := ""
	if len(args) == 1 {
		toolID = args[0]
	}
	records, err := s.history.Recent(cmd.Context(), toolID, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no executions recorded")
		return nil
	}
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = string(rec.ErrorKind)
		}
		fmt.Printf("%s  %-24s %-20s repairs=%d  %s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.ToolID, status, rec.RepairAttempts, rec.Duration.Round(time.Millisecond))
	}
	return nil
}

// parseJSONArg decodes inline JSON, or the contents of a file when the
// argument starts with @.
func parseJSONArg(arg string) (map[string]any, error) {
	text := strings.TrimSpace(arg)
	if strings.HasPrefix(text, "@") {
		data, err := os.ReadFile(text[1:])
		if err != nil {
			return nil, err
		}
		text = string(data)
	}
	if text == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func baseName(path string) string {
	if idx := strings.LastIndexAny(path, `/\`); idx != -1 {
		return path[idx+1:]
	}
	return path
}
