package runner

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"hpvscreen/internal/audit"
	"hpvscreen/internal/cascade"
	"hpvscreen/internal/engine"
	"hpvscreen/internal/results"
	"hpvscreen/internal/scenario"
	"hpvscreen/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu   sync.Mutex
	jobs []engine.Job
	run  func(ctx context.Context, job engine.Job) (*engine.Result, error)
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Run(ctx context.Context, job engine.Job) (*engine.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, job)
	}
	return fakeResult(job), nil
}

func fakeResult(job engine.Job) *engine.Result {
	return &engine.Result{
		Label:  job.Label,
		Engine: "fake",
		Meta:   map[string]string{"engine_version": "1"},
		Series: map[string][]float64{
			engine.SeriesYear:    {2000, 2001},
			engine.SeriesCancers: {1, 2},
		},
		People: []engine.Person{{UID: 1}},
	}
}

func debugScenario(name string) scenario.Scenario {
	cov := cascade.DefaultCoverage()
	cov.StartYear = 1985
	return scenario.Scenario{
		Name:          name,
		Label:         "Debug " + name,
		Location:      "kenya",
		End:           2000,
		Seed:          3,
		Debug:         true,
		Interventions: &cov,
	}
}

func TestRunBuildsJobAndMeta(t *testing.T) {
	eng := &fakeEngine{}
	res, err := Run(context.Background(), Options{Engine: eng}, debugScenario("baseline"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(eng.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(eng.jobs))
	}
	job := eng.jobs[0]
	if job.Label != "kenya--3" || job.Pars.RandSeed != 3 || job.Pars.Location != "kenya" {
		t.Fatalf("unexpected job identity %q seed=%d loc=%s", job.Label, job.Pars.RandSeed, job.Pars.Location)
	}
	if job.Pars.Verbose != DefaultVerbose || job.Pars.NAgents != 1000 {
		t.Fatalf("unexpected pars verbose=%v n=%d", job.Pars.Verbose, job.Pars.NAgents)
	}
	if job.Cascade == nil || len(job.Cascade.Steps) != 5 {
		t.Fatalf("expected five-step cascade, got %+v", job.Cascade)
	}
	if job.ArtifactsDir != "" {
		t.Fatalf("no workspace should mean no artifacts dir, got %s", job.ArtifactsDir)
	}

	want := map[string]string{
		"engine_version": "1",
		"location":       "kenya",
		"scenario":       "baseline",
		"scenario_label": "Debug baseline",
		"seed":           "3",
	}
	if diff := cmp.Diff(want, res.Meta); diff != "" {
		t.Fatalf("meta (-want +got):\n%s", diff)
	}
	if res.People != nil {
		t.Fatalf("result should be shrunk by default")
	}
}

func TestRunKeepPeopleAndVerbose(t *testing.T) {
	eng := &fakeEngine{}
	quiet := 0.0
	res, err := Run(context.Background(), Options{Engine: eng, KeepPeople: true, Verbose: &quiet}, debugScenario("baseline"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.People) != 1 {
		t.Fatalf("people dropped despite KeepPeople")
	}
	if eng.jobs[0].Pars.Verbose != 0 {
		t.Fatalf("verbose override ignored")
	}
}

func TestRunWithoutInterventions(t *testing.T) {
	eng := &fakeEngine{}
	sc := debugScenario("natural")
	sc.Interventions = nil
	if _, err := Run(context.Background(), Options{Engine: eng}, sc); err != nil {
		t.Fatal(err)
	}
	if eng.jobs[0].Cascade != nil {
		t.Fatalf("expected nil cascade")
	}
}

func TestRunPreconditions(t *testing.T) {
	if _, err := Run(context.Background(), Options{}, debugScenario("x")); err == nil {
		t.Fatalf("expected error without engine")
	}
	if _, err := Run(context.Background(), Options{Engine: &fakeEngine{}, Save: true}, debugScenario("x")); err == nil {
		t.Fatalf("expected error saving without workspace")
	}
	bad := debugScenario("x")
	bad.Interventions.ScreenCoverage = 2
	eng := &fakeEngine{}
	if _, err := Run(context.Background(), Options{Engine: eng}, bad); err == nil {
		t.Fatalf("expected cascade build error")
	}
	if len(eng.jobs) != 0 {
		t.Fatalf("engine called despite invalid coverage")
	}
}

func TestRunSavesAndAudits(t *testing.T) {
	root := t.TempDir()
	ws, err := workspace.Resolve(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	store, err := results.Open(ws.ResultsDBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	logger := audit.NewLogger(ws.AuditDBPath)

	opts := Options{Engine: &engine.Reference{}, Workspace: ws, Store: store, Audit: logger, Actor: "test", Save: true}
	res, err := Run(context.Background(), opts, debugScenario("baseline"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	path := results.SimPath(ws.ResultsDir, "kenya")
	saved, err := results.ReadSim(path)
	if err != nil {
		t.Fatalf("read sim: %v", err)
	}
	if diff := cmp.Diff(res, saved); diff != "" {
		t.Fatalf("saved sim differs (-run +saved):\n%s", diff)
	}

	runs, err := store.ListRuns(0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %v %v", runs, err)
	}
	if runs[0].Scenario != "baseline" || runs[0].Engine != "reference" || runs[0].SimPath != path {
		t.Fatalf("unexpected run record %+v", runs[0])
	}

	events, err := logger.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Type != "sim_run_started" || events[0].Type != "sim_run_finished" {
		t.Fatalf("unexpected audit events %+v", events)
	}
	if events[0].Payload["sim_path"] != path || events[0].Actor != "test" {
		t.Fatalf("finish payload missing sim_path: %+v", events[0])
	}
}

func TestRunPropagatesEngineError(t *testing.T) {
	errBoom := errors.New("boom")
	dir := t.TempDir()
	logger := audit.NewLogger(dir + "/audit.sqlite")
	eng := &fakeEngine{run: func(context.Context, engine.Job) (*engine.Result, error) {
		return nil, &engine.ExitError{Code: 7, TranscriptPath: "t.log", Err: errBoom}
	}}
	_, err := Run(context.Background(), Options{Engine: eng, Audit: logger}, debugScenario("baseline"))
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected engine error to propagate, got %v", err)
	}
	events, err := logger.Recent(1)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected finish event: %v %v", events, err)
	}
	if events[0].Payload["error"] == nil || events[0].Payload["exit_code"] != float64(7) {
		t.Fatalf("finish payload missing failure details: %+v", events[0].Payload)
	}
}

func TestRunScenariosInOrder(t *testing.T) {
	eng := &fakeEngine{}
	a, b := debugScenario("a"), debugScenario("b")
	b.Seed = 9
	out, err := RunScenarios(context.Background(), Options{Engine: eng}, []scenario.Scenario{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Meta["scenario"] != "a" || out[1].Meta["scenario"] != "b" {
		t.Fatalf("results out of order")
	}

	calls := 0
	failing := &fakeEngine{run: func(_ context.Context, job engine.Job) (*engine.Result, error) {
		calls++
		return nil, errors.New("nope")
	}}
	if _, err := RunScenarios(context.Background(), Options{Engine: failing}, []scenario.Scenario{a, b}); err == nil {
		t.Fatalf("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected to stop after first failure, got %d calls", calls)
	}
}

func TestRunReplicatesOrderAndLimit(t *testing.T) {
	var inFlight, peak int32
	eng := &fakeEngine{run: func(_ context.Context, job engine.Job) (*engine.Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Duration(10-job.Pars.RandSeed) * 5 * time.Millisecond)
		return fakeResult(job), nil
	}}

	seeds := []int64{1, 2, 3, 4, 5, 6}
	out, err := RunReplicates(context.Background(), Options{Engine: eng}, debugScenario("rep"), seeds, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, seed := range seeds {
		if out[i].Label != Label("kenya", seed) {
			t.Fatalf("result %d has label %s", i, out[i].Label)
		}
	}
	if peak > 2 {
		t.Fatalf("parallel limit exceeded: %d", peak)
	}
}

func TestRunReplicatesCancelsOnFailure(t *testing.T) {
	errBad := errors.New("bad seed")
	eng := &fakeEngine{run: func(ctx context.Context, job engine.Job) (*engine.Result, error) {
		if job.Pars.RandSeed == 2 {
			return nil, errBad
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return fakeResult(job), nil
		}
	}}
	start := time.Now()
	_, err := RunReplicates(context.Background(), Options{Engine: eng}, debugScenario("rep"), []int64{1, 2, 3}, 3)
	if !errors.Is(err, errBad) {
		t.Fatalf("expected first failure, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("remaining replicates were not cancelled")
	}
}

func TestRunReplicatesRejectsSave(t *testing.T) {
	ws, err := workspace.Resolve(os.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := RunReplicates(context.Background(), Options{Engine: &fakeEngine{}, Workspace: ws, Save: true}, debugScenario("rep"), []int64{1}, 1); err == nil {
		t.Fatalf("expected error")
	}
}
