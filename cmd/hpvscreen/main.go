package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"hpvscreen/internal/audit"
	"hpvscreen/internal/cascade"
	"hpvscreen/internal/engine"
	"hpvscreen/internal/logging"
	"hpvscreen/internal/scenario"
	"hpvscreen/internal/workspace"
)

const (
	appName       = "hpvscreen"
	envEngineCmd  = "HPVSCREEN_ENGINE_CMD"
	defaultEngine = "reference"
)

func main() {
	flag.String("workspace", ".", "Path to workspace root")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s: HPV screen-and-treat scenario runner\n\n", appName)
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [command] [flags]\n\n", appName)
		fmt.Fprintln(os.Stderr, "With no command, runs the baseline vs improved screen & treat comparison")
		fmt.Fprintln(os.Stderr, "and saves plots/cancers.png.")
		fmt.Fprintln(os.Stderr, "\nCommands:")
		fmt.Fprintln(os.Stderr, "  init     Initialize a workspace with template scenarios")
		fmt.Fprintln(os.Stderr, "  cascade  Print the screen & treat cascade for given coverage")
		fmt.Fprintln(os.Stderr, "  run      Run one scenario (or replicates of it)")
		fmt.Fprintln(os.Stderr, "  compare  Run two or more scenarios and plot an outcome")
		fmt.Fprintln(os.Stderr, "  diff     Show a unified diff of two scenario configs")
		fmt.Fprintln(os.Stderr, "  results  List or show saved runs")
		fmt.Fprintln(os.Stderr, "  audit    Show recent audit events")
		fmt.Fprintln(os.Stderr, "  help     Show this help")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}

	workspacePath, remaining, err := extractWorkspaceFlag(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if strings.TrimSpace(workspacePath) == "" {
		workspacePath = "."
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := remaining
	if len(args) > 0 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
		flag.Usage()
		return
	}

	var cmdErr error
	if len(args) == 0 {
		cmdErr = runCompare(ctx, nil, workspacePath)
	} else {
		switch args[0] {
		case "init":
			cmdErr = runInit(args[1:], workspacePath)
		case "cascade":
			cmdErr = runCascade(args[1:])
		case "run":
			cmdErr = runRun(ctx, args[1:], workspacePath)
		case "compare":
			cmdErr = runCompare(ctx, args[1:], workspacePath)
		case "diff":
			cmdErr = runDiff(args[1:], workspacePath)
		case "results":
			cmdErr = runResults(args[1:], workspacePath)
		case "audit":
			cmdErr = runAudit(args[1:], workspacePath)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
			flag.Usage()
			stop()
			os.Exit(1)
		}
	}
	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, cmdErr)
		stop()
		os.Exit(1)
	}
}

func extractWorkspaceFlag(args []string) (string, []string, error) {
	var workspacePath string
	remaining := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--workspace" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--workspace requires a value")
			}
			workspacePath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--workspace=") {
			workspacePath = strings.TrimPrefix(arg, "--workspace=")
			continue
		}
		remaining = append(remaining, arg)
	}
	return workspacePath, remaining, nil
}

// engineFlags are shared by commands that run simulations.
type engineFlags struct {
	name    *string
	command *string
	verbose *bool
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	return engineFlags{
		name:    fs.String("engine", defaultEngine, "Engine: reference or exec"),
		command: fs.String("engine-cmd", "", "Command line for the exec engine (default: $"+envEngineCmd+")"),
		verbose: fs.Bool("v", false, "Verbose operational logging to stderr"),
	}
}

func (f engineFlags) build() (engine.Engine, *zap.Logger, error) {
	log, err := logging.New(*f.verbose)
	if err != nil {
		return nil, nil, err
	}
	switch *f.name {
	case "reference":
		return &engine.Reference{Log: log}, log, nil
	case "exec":
		cmdLine := *f.command
		if strings.TrimSpace(cmdLine) == "" {
			cmdLine = os.Getenv(envEngineCmd)
		}
		if strings.TrimSpace(cmdLine) == "" {
			return nil, nil, fmt.Errorf("exec engine requires --engine-cmd or %s", envEngineCmd)
		}
		e, err := engine.NewExec(cmdLine)
		if err != nil {
			return nil, nil, err
		}
		e.Log = log
		return e, log, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine: %s", *f.name)
	}
}

func resolveWorkspace(path string) (*workspace.Workspace, error) {
	ws, err := workspace.Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}
	return ws, nil
}

func runInit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	root, err := workspace.ResolveRoot(workspacePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	ws, err := resolveWorkspace(root)
	if err != nil {
		return err
	}

	logger := audit.NewLogger(ws.AuditDBPath)
	if err := logger.LogEvent("cli", "workspace_init_started", map[string]any{"workspace": ws.Root}); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}
	created, finishErr := scenario.WriteTemplates(ws.ScenariosDir, scenario.Default())
	finishPayload := map[string]any{
		"workspace": ws.Root,
		"created":   created,
	}
	if finishErr != nil {
		finishPayload["error"] = finishErr.Error()
	}
	if err := logger.LogEvent("cli", "workspace_init_finished", finishPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}
	if finishErr != nil {
		return finishErr
	}

	fmt.Fprintf(os.Stdout, "Initialized workspace: %s\n", ws.Root)
	for _, path := range created {
		fmt.Fprintf(os.Stdout, "  wrote %s\n", path)
	}
	fmt.Fprintln(os.Stdout, "Next steps:")
	fmt.Fprintf(os.Stdout, "  %s --workspace %s run --scenario baseline\n", appName, ws.Root)
	fmt.Fprintf(os.Stdout, "  %s --workspace %s compare --baseline baseline --scenario scenario\n", appName, ws.Root)
	return nil
}

func runCascade(args []string) error {
	def := cascade.DefaultCoverage()
	fs := flag.NewFlagSet("cascade", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	product := fs.String("product", def.Product, "Screening product")
	screen := fs.Float64("screen-coverage", def.ScreenCoverage, "Target screening coverage of the age window")
	treat := fs.Float64("treat-coverage", def.TreatCoverage, "Treatment coverage")
	startYear := fs.Int("start-year", def.StartYear, "First year of screening")
	ageLo := fs.Float64("age-lo", def.AgeRange[0], "Lower edge of the screening age window")
	ageHi := fs.Float64("age-hi", def.AgeRange[1], "Upper edge of the screening age window")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := cascade.Build(cascade.Coverage{
		Product:        *product,
		ScreenCoverage: *screen,
		TreatCoverage:  *treat,
		AgeRange:       [2]float64{*ageLo, *ageHi},
		StartYear:      *startYear,
	})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cascade: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func runDiff(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%s diff: expected two scenario names", appName)
	}
	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return err
	}
	set, err := scenario.LoadFromDir(ws.ScenariosDir)
	if err != nil {
		return err
	}
	a, err := set.Get(fs.Arg(0))
	if err != nil {
		return err
	}
	b, err := set.Get(fs.Arg(1))
	if err != nil {
		return err
	}
	text, err := scenario.Diff(a, b)
	if err != nil {
		return err
	}
	if text == "" {
		fmt.Fprintln(os.Stdout, "No differences.")
		return nil
	}
	fmt.Fprint(os.Stdout, text)
	return nil
}
