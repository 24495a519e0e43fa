package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"hpvscreen/internal/audit"
	"hpvscreen/internal/cascade"
	"hpvscreen/internal/engine"
	"hpvscreen/internal/plot"
	"hpvscreen/internal/results"
	"hpvscreen/internal/runner"
	"hpvscreen/internal/scenario"
	"hpvscreen/internal/workspace"
)

var summarySeries = []string{
	engine.SeriesCancers,
	engine.SeriesCancerDeaths,
	engine.SeriesInfections,
	engine.SeriesCINs,
	engine.SeriesScreened,
	engine.SeriesTreated,
}

func runRun(ctx context.Context, args []string, workspacePath string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("scenario", "", "Scenario name from <workspace>/scenarios")
	seed := fs.Int64("seed", 0, "Override the scenario seed")
	replicates := fs.Int("replicates", 1, "Number of seeds to run, starting at the scenario seed")
	parallel := fs.Int("parallel", 2, "Replicates run concurrently")
	noSave := fs.Bool("no-save", false, "Do not write results/<location>.sim")
	keepPeople := fs.Bool("keep-people", false, "Keep the per-person snapshot in the result")
	debug := fs.Bool("debug", false, "Use the small debug population")
	timeout := fs.Duration("timeout", 0, "Per-run timeout (0 disables)")
	step := fs.String("step", "", "Only print outcome counts for this cascade step")
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("--scenario is required")
	}
	if *replicates < 1 {
		return fmt.Errorf("--replicates must be at least 1")
	}

	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	set, err := scenario.LoadFromDir(ws.ScenariosDir)
	if err != nil {
		return err
	}
	sc, err := set.Get(*name)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			sc.Seed = *seed
		}
	})
	if *debug {
		sc.Debug = true
	}
	intv, err := sc.Cascade()
	if err != nil {
		return err
	}
	if *step != "" {
		if _, err := intv.Lookup(*step); err != nil {
			return fmt.Errorf("--step: %w", err)
		}
	}

	eng, log, err := ef.build()
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	store, err := results.Open(ws.ResultsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := runner.Options{
		Engine:     eng,
		Workspace:  ws,
		Store:      store,
		Audit:      audit.NewLogger(ws.AuditDBPath),
		Log:        log,
		Actor:      "cli",
		Save:       !*noSave,
		KeepPeople: *keepPeople,
		Timeout:    *timeout,
	}

	if *replicates > 1 {
		opts.Save = false
		seeds := make([]int64, *replicates)
		for i := range seeds {
			seeds[i] = sc.Seed + int64(i)
		}
		out, err := runner.RunReplicates(ctx, opts, sc, seeds, *parallel)
		if err != nil {
			return err
		}
		return printReplicates(out)
	}

	res, err := runner.Run(ctx, opts, sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Ran %s (%s) with %s engine\n", sc.Name, res.Label, res.Engine)
	if err := printSummary(res); err != nil {
		return err
	}
	if err := printOutcomes(res, intv, *step); err != nil {
		return err
	}
	if opts.Save {
		fmt.Fprintf(os.Stdout, "Saved %s\n", results.SimPath(ws.ResultsDir, res.Meta["location"]))
	}
	return nil
}

func printSummary(res *engine.Result) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "series\ttotal\tlast")
	for _, name := range summarySeries {
		values, err := res.Get(name)
		if err != nil {
			continue
		}
		var total float64
		for _, v := range values {
			total += v
		}
		last := 0.0
		if len(values) > 0 {
			last = values[len(values)-1]
		}
		fmt.Fprintf(tw, "%s\t%.0f\t%.0f\n", name, total, last)
	}
	return tw.Flush()
}

// printOutcomes prints cumulative bucket counts per cascade step, in cascade order.
func printOutcomes(res *engine.Result, c *cascade.Cascade, step string) error {
	if c == nil {
		return nil
	}
	labels := c.Labels()
	if step != "" {
		pos, err := c.Lookup(step)
		if err != nil {
			return err
		}
		labels = labels[pos : pos+1]
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "step\toutcome\tcount")
	for _, label := range labels {
		buckets := res.Outcomes[label]
		names := make([]string, 0, len(buckets))
		for name := range buckets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", label, name, buckets[name])
		}
	}
	return tw.Flush()
}

func printReplicates(out []*engine.Result) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "label\tcancers\tcancer_deaths\tn_screened")
	for _, res := range out {
		row := []string{res.Label}
		for _, name := range []string{engine.SeriesCancers, engine.SeriesCancerDeaths, engine.SeriesScreened} {
			values, _ := res.Get(name)
			var total float64
			for _, v := range values {
				total += v
			}
			row = append(row, fmt.Sprintf("%.0f", total))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func runCompare(ctx context.Context, args []string, workspacePath string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseline := fs.String("baseline", "", "Baseline scenario name (default: built-in baseline)")
	other := fs.String("scenario", "", "Comparison scenario name (default: built-in improved scenario)")
	what := fs.String("what", engine.SeriesCancers, "Outcome series to plot")
	skip := fs.Int("skip", plot.DefaultSkip, "Leading years to drop from the plot")
	out := fs.String("out", "", "Plot path, .png/.svg/.pdf (default: plots/<what>.png)")
	table := fs.Bool("table", false, "Also print the plotted values as a table")
	debug := fs.Bool("debug", false, "Use the small debug population")
	save := fs.Bool("save", false, "Write each run to results/<location>.sim")
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*baseline == "") != (*other == "") {
		return fmt.Errorf("--baseline and --scenario must be given together")
	}

	began := time.Now()
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}

	var scenarios []scenario.Scenario
	if *baseline == "" {
		scenarios = scenario.Default()
	} else {
		set, err := scenario.LoadFromDir(ws.ScenariosDir)
		if err != nil {
			return err
		}
		for _, name := range append([]string{*baseline, *other}, fs.Args()...) {
			sc, err := set.Get(name)
			if err != nil {
				return err
			}
			scenarios = append(scenarios, sc)
		}
	}
	labels := make([]string, 0, len(scenarios))
	for i := range scenarios {
		if *debug {
			scenarios[i].Debug = true
		}
		labels = append(labels, scenarios[i].Label)
	}

	outPath := *out
	if outPath == "" {
		outPath = filepath.Join("plots", *what+".png")
	}
	outPath, err = ws.ResolvePath(outPath)
	if err != nil {
		return fmt.Errorf("resolve --out: %w", err)
	}

	eng, log, err := ef.build()
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	logger := audit.NewLogger(ws.AuditDBPath)
	names := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		names = append(names, sc.Name)
	}
	if err := logger.LogEvent("cli", "compare_started", map[string]any{
		"scenarios": names,
		"what":      *what,
		"engine":    eng.Name(),
	}); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}

	opts := runner.Options{
		Engine:    eng,
		Workspace: ws,
		Audit:     logger,
		Log:       log,
		Actor:     "cli",
		Save:      *save,
	}
	if *save {
		store, err := results.Open(ws.ResultsDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}

	finishErr := func() error {
		res, err := runner.RunScenarios(ctx, opts, scenarios)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return fmt.Errorf("create plot dir: %w", err)
		}
		if err := plot.Compare(plot.CompareOptions{
			What:    *what,
			Skip:    *skip,
			Results: res,
			Labels:  labels,
			Out:     outPath,
		}); err != nil {
			return err
		}
		if *table {
			lines, err := plot.Lines(*what, *skip, res, labels)
			if err != nil {
				return err
			}
			return plot.Table(os.Stdout, lines)
		}
		return nil
	}()

	finishPayload := map[string]any{
		"scenarios": names,
		"what":      *what,
		"plot":      outPath,
	}
	if finishErr != nil {
		finishPayload["error"] = finishErr.Error()
	}
	if err := logger.LogEvent("cli", "compare_finished", finishPayload); err != nil {
		fmt.Fprintln(os.Stderr, "audit log failed:", err)
	}
	if finishErr != nil {
		return finishErr
	}

	fmt.Fprintf(os.Stdout, "Saved plot: %s\n", outPath)
	fmt.Fprintf(os.Stdout, "Done (elapsed %s)\n", time.Since(began).Round(time.Millisecond))
	return nil
}

func runResults(args []string, workspacePath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s results: missing subcommand (list, show)", appName)
	}
	switch args[0] {
	case "list":
		return runResultsList(args[1:], workspacePath)
	case "show":
		return runResultsShow(args[1:], workspacePath)
	default:
		return fmt.Errorf("%s results: unknown subcommand %q", appName, args[0])
	}
}

func runResultsList(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("results list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "Maximum runs to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	store, err := results.Open(ws.ResultsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(*limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tcreated\tscenario\tlabel\tengine")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.CreatedAt.Local().Format(time.DateTime), run.Scenario, run.Label, run.Engine)
	}
	return tw.Flush()
}

func runResultsShow(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("results show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "Run id from results list")
	what := fs.String("what", engine.SeriesCancers, "Series to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	ws, err := resolveWorkspace(workspacePath)
	if err != nil {
		return err
	}
	store, err := results.Open(ws.ResultsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	years, values, err := store.LoadSeries(*id, *what)
	if err != nil {
		if errors.Is(err, results.ErrRunNotFound) {
			return fmt.Errorf("%w (see %s results list)", err, appName)
		}
		return err
	}
	return plot.Table(os.Stdout, []plot.Line{{Label: *what, X: years, Y: values}})
}

func runAudit(args []string, workspacePath string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "Maximum events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return err
	}
	events, err := audit.NewLogger(ws.AuditDBPath).Recent(*limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tts\tactor\ttype\terror")
	for _, ev := range events {
		errText := ""
		if msg, ok := ev.Payload["error"].(string); ok {
			errText = msg
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.ID, ev.TS.Local().Format(time.DateTime), ev.Actor, ev.Type, errText)
	}
	return tw.Flush()
}
