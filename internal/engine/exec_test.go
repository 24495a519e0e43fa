package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hpvscreen/internal/cascade"
)

// TestHelperProcess stands in for an external engine when re-invoked by helperEngine.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("HPVSCREEN_WANT_HELPER") != "1" {
		return
	}
	mode := os.Getenv("HELPER_MODE")
	switch mode {
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	case "silent":
		os.Exit(0)
	}

	var job Job
	if err := json.NewDecoder(os.Stdin).Decode(&job); err != nil {
		fmt.Fprintln(os.Stderr, "decode job:", err)
		os.Exit(2)
	}
	if os.Getenv(EnvLabel) != job.Label {
		fmt.Fprintln(os.Stderr, "label mismatch")
		os.Exit(2)
	}
	n := job.Pars.End - job.Pars.Start
	years := make([]float64, n)
	cancers := make([]float64, n)
	for i := range years {
		years[i] = float64(job.Pars.Start + i)
	}
	if mode == "ragged" {
		cancers = cancers[:1]
	}
	steps := 0
	if job.Cascade != nil {
		steps = len(job.Cascade.Steps)
	}
	res := Result{
		Meta:   map[string]string{"steps": fmt.Sprint(steps)},
		Series: map[string][]float64{SeriesYear: years, SeriesCancers: cancers},
	}
	data, _ := json.Marshal(res)
	if err := os.WriteFile(os.Getenv(EnvResult), data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write result:", err)
		os.Exit(2)
	}
	fmt.Println("helper engine done")
	os.Exit(0)
}

func helperEngine(mode string) *Exec {
	return &Exec{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"HPVSCREEN_WANT_HELPER": "1",
			"HELPER_MODE":           mode,
		},
	}
}

func TestExecRoundTrip(t *testing.T) {
	cov := cascade.DefaultCoverage()
	job := debugJob(t, &cov)
	job.ArtifactsDir = t.TempDir()

	res, err := helperEngine("ok").Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Engine != "exec" || res.Label != "test" {
		t.Fatalf("unexpected identity %q %q", res.Engine, res.Label)
	}
	if res.Meta["steps"] != "5" {
		t.Fatalf("helper saw %q cascade steps", res.Meta["steps"])
	}
	years, err := res.Get(SeriesYear)
	if err != nil || len(years) != 20 {
		t.Fatalf("years = %v, %v", years, err)
	}

	if _, err := os.Stat(filepath.Join(job.ArtifactsDir, "job.json")); err != nil {
		t.Fatalf("job.json missing: %v", err)
	}
	transcript, err := os.ReadFile(filepath.Join(job.ArtifactsDir, "transcript.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(transcript), "helper engine done") {
		t.Fatalf("transcript missing output: %q", transcript)
	}
}

func TestExecTimeout(t *testing.T) {
	job := debugJob(t, nil)
	job.ArtifactsDir = t.TempDir()
	job.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := helperEngine("sleep").Run(context.Background(), job)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != ExitCodeTimeout {
		t.Fatalf("exit code = %d, want %d", exitErr.Code, ExitCodeTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 20*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestExecFailure(t *testing.T) {
	job := debugJob(t, nil)
	job.ArtifactsDir = t.TempDir()

	_, err := helperEngine("fail").Run(context.Background(), job)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	transcript, _ := os.ReadFile(exitErr.TranscriptPath)
	if !strings.Contains(string(transcript), "boom") {
		t.Fatalf("stderr not captured: %q", transcript)
	}
}

func TestExecInvalidResult(t *testing.T) {
	for _, mode := range []string{"ragged", "silent"} {
		job := debugJob(t, nil)
		job.ArtifactsDir = t.TempDir()
		if _, err := helperEngine(mode).Run(context.Background(), job); !errors.Is(err, ErrInvalidResult) {
			t.Fatalf("%s: expected ErrInvalidResult, got %v", mode, err)
		}
	}
}

func TestExecPreconditions(t *testing.T) {
	job := debugJob(t, nil)
	if _, err := helperEngine("ok").Run(context.Background(), job); err == nil {
		t.Fatalf("expected error without artifacts dir")
	}
	if _, err := NewExec("   "); err == nil {
		t.Fatalf("expected error for empty command line")
	}
	e, err := NewExec("python3 driver.py --fast")
	if err != nil {
		t.Fatal(err)
	}
	if e.Command != "python3" || len(e.Args) != 2 {
		t.Fatalf("unexpected split %q %v", e.Command, e.Args)
	}
}
