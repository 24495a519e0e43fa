// Package runner turns scenarios into engine jobs, runs them and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hpvscreen/internal/audit"
	"hpvscreen/internal/engine"
	"hpvscreen/internal/logging"
	"hpvscreen/internal/results"
	"hpvscreen/internal/scenario"
	"hpvscreen/internal/workspace"
)

// DefaultVerbose is the engine verbosity used when Options leaves it unset.
const DefaultVerbose = 0.2

// Options configures how scenarios are run. Workspace is required when saving or when
// the engine needs an artifacts directory.
type Options struct {
	Engine     engine.Engine
	Workspace  *workspace.Workspace
	Store      *results.Store
	Audit      *audit.Logger
	Log        *zap.Logger
	Actor      string
	Save       bool
	KeepPeople bool
	Verbose    *float64
	Timeout    time.Duration
}

// Label is the run label for a location and seed.
func Label(location string, seed int64) string {
	return fmt.Sprintf("%s--%d", location, seed)
}

// Run executes one scenario and returns its result.
func Run(ctx context.Context, opts Options, sc scenario.Scenario) (*engine.Result, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Save && opts.Workspace == nil {
		return nil, errors.New("workspace is required to save results")
	}
	log := logging.OrNop(opts.Log)
	actor := opts.Actor
	if actor == "" {
		actor = "runner"
	}

	pars, err := sc.Pars()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	intv, err := sc.Cascade()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	pars.Verbose = DefaultVerbose
	if opts.Verbose != nil {
		pars.Verbose = *opts.Verbose
	}

	label := Label(pars.Location, pars.RandSeed)
	job := engine.Job{
		Label:   label,
		Pars:    pars,
		Cascade: intv,
		Timeout: opts.Timeout,
	}
	if opts.Workspace != nil {
		job.ArtifactsDir = opts.Workspace.RunArtifactsDir(sc.Name + "--" + label)
	}

	startPayload := map[string]any{
		"scenario": sc.Name,
		"label":    label,
		"engine":   opts.Engine.Name(),
		"location": pars.Location,
		"seed":     pars.RandSeed,
		"end":      pars.End,
	}
	if intv != nil {
		startPayload["screen_coverage"] = intv.Coverage.ScreenCoverage
		startPayload["treat_coverage"] = intv.Coverage.TreatCoverage
	}
	logAudit(opts.Audit, log, actor, "sim_run_started", startPayload)

	began := time.Now()
	res, runErr := opts.Engine.Run(ctx, job)

	finishPayload := map[string]any{
		"scenario":    sc.Name,
		"label":       label,
		"engine":      opts.Engine.Name(),
		"duration_ms": time.Since(began).Milliseconds(),
	}
	var exitErr *engine.ExitError
	if errors.As(runErr, &exitErr) {
		finishPayload["exit_code"] = exitErr.Code
		finishPayload["transcript"] = exitErr.TranscriptPath
	}
	if runErr != nil {
		finishPayload["error"] = runErr.Error()
		logAudit(opts.Audit, log, actor, "sim_run_finished", finishPayload)
		return nil, fmt.Errorf("run %s (%s): %w", sc.Name, label, runErr)
	}

	res.Meta = withMeta(res.Meta, sc, pars.Location, pars.RandSeed)
	if !opts.KeepPeople {
		res.Shrink()
	}

	if opts.Save {
		path, err := save(opts, sc, res, pars.Location, pars.RandSeed)
		if err != nil {
			finishPayload["error"] = err.Error()
			logAudit(opts.Audit, log, actor, "sim_run_finished", finishPayload)
			return nil, err
		}
		finishPayload["sim_path"] = path
	}
	logAudit(opts.Audit, log, actor, "sim_run_finished", finishPayload)

	log.Info("scenario finished",
		zap.String("scenario", sc.Name),
		zap.String("label", label),
		zap.Duration("elapsed", time.Since(began)),
	)
	return res, nil
}

// RunScenarios runs each scenario in order and stops at the first failure.
func RunScenarios(ctx context.Context, opts Options, scenarios []scenario.Scenario) ([]*engine.Result, error) {
	out := make([]*engine.Result, 0, len(scenarios))
	for _, sc := range scenarios {
		res, err := Run(ctx, opts, sc)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// RunReplicates runs sc once per seed with at most parallel runs in flight. Results
// keep the order of seeds; the first failure cancels the remaining runs.
func RunReplicates(ctx context.Context, opts Options, sc scenario.Scenario, seeds []int64, parallel int) ([]*engine.Result, error) {
	if opts.Save {
		return nil, errors.New("replicates share a location and cannot be saved individually")
	}
	if parallel <= 0 {
		parallel = 1
	}
	out := make([]*engine.Result, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, seed := range seeds {
		i := i
		replicate := sc
		replicate.Seed = seed
		g.Go(func() error {
			res, err := Run(gctx, opts, replicate)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func withMeta(meta map[string]string, sc scenario.Scenario, location string, seed int64) map[string]string {
	out := make(map[string]string, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	out["location"] = location
	out["scenario"] = sc.Name
	out["scenario_label"] = sc.Label
	out["seed"] = strconv.FormatInt(seed, 10)
	return out
}

func save(opts Options, sc scenario.Scenario, res *engine.Result, location string, seed int64) (string, error) {
	path := results.SimPath(opts.Workspace.ResultsDir, location)
	if err := results.WriteSim(path, res); err != nil {
		return "", fmt.Errorf("save %s: %w", sc.Name, err)
	}
	if opts.Store != nil {
		if _, err := opts.Store.SaveRun(results.Run{
			Label:    res.Label,
			Location: location,
			Seed:     seed,
			Engine:   res.Engine,
			Scenario: sc.Name,
			SimPath:  path,
			Meta:     res.Meta,
		}, res); err != nil {
			return "", fmt.Errorf("record %s: %w", sc.Name, err)
		}
	}
	return path, nil
}

func logAudit(logger *audit.Logger, log *zap.Logger, actor, eventType string, payload map[string]any) {
	if logger == nil {
		return
	}
	if err := logger.LogEvent(actor, eventType, payload); err != nil {
		log.Warn("audit log failed", zap.String("event", eventType), zap.Error(err))
	}
}
