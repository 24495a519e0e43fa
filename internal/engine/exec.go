package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"hpvscreen/internal/logging"
)

// Environment variables handed to an external engine.
const (
	EnvJob    = "HPVSCREEN_JOB"
	EnvResult = "HPVSCREEN_RESULT"
	EnvLabel  = "HPVSCREEN_LABEL"
)

// ExitCodeTimeout is reported when the job deadline expires.
const ExitCodeTimeout = 124

// ExitError reports a failed external engine run.
type ExitError struct {
	Code           int
	TranscriptPath string
	Err            error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("engine command exited with code %d (transcript: %s): %v", e.Code, e.TranscriptPath, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exec shells out to an external simulation program. The program reads the job from stdin
// (or the file named by HPVSCREEN_JOB) and writes a Result as JSON to HPVSCREEN_RESULT.
type Exec struct {
	Command string
	Args    []string
	Env     map[string]string
	Log     *zap.Logger
}

// NewExec splits a command line on whitespace into an Exec engine.
func NewExec(commandLine string) (*Exec, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("engine command is required")
	}
	return &Exec{Command: fields[0], Args: fields[1:]}, nil
}

func (e *Exec) Name() string {
	return "exec"
}

func (e *Exec) Run(ctx context.Context, job Job) (*Result, error) {
	if strings.TrimSpace(e.Command) == "" {
		return nil, errors.New("engine command is required")
	}
	if job.ArtifactsDir == "" {
		return nil, errors.New("artifacts dir is required")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrNop(e.Log)

	artifactsDir, err := filepath.Abs(job.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts dir: %w", err)
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	jobPath := filepath.Join(artifactsDir, "job.json")
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(jobPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write job.json: %w", err)
	}

	resultPath := filepath.Join(artifactsDir, "result.json")
	if err := os.Remove(resultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear stale result: %w", err)
	}

	transcriptPath := filepath.Join(artifactsDir, "transcript.log")
	transcriptFile, err := os.OpenFile(transcriptPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() {
		_ = transcriptFile.Close()
	}()

	jobFile, err := os.Open(jobPath)
	if err != nil {
		return nil, fmt.Errorf("open job: %w", err)
	}
	defer func() {
		_ = jobFile.Close()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	env := map[string]string{}
	for k, v := range e.Env {
		env[k] = v
	}
	env[EnvJob] = jobPath
	env[EnvResult] = resultPath
	env[EnvLabel] = job.Label

	cmd := exec.CommandContext(runCtx, e.Command, e.Args...)
	cmd.Dir = artifactsDir
	cmd.Stdin = jobFile
	cmd.Stdout = transcriptFile
	cmd.Stderr = transcriptFile
	cmd.Env = mergeEnv(os.Environ(), env)

	log.Debug("starting engine command",
		zap.String("command", e.Command),
		zap.Strings("args", e.Args),
		zap.String("artifacts", artifactsDir),
	)
	if err := cmd.Run(); err != nil {
		code := exitCodeFromError(err)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			code = ExitCodeTimeout
			err = fmt.Errorf("%w after %s", context.DeadlineExceeded, job.Timeout)
		}
		return nil, &ExitError{Code: code, TranscriptPath: transcriptPath, Err: err}
	}

	res, err := readResult(resultPath)
	if err != nil {
		return nil, err
	}
	if res.Label == "" {
		res.Label = job.Label
	}
	res.Engine = e.Name()
	return res, nil
}

func readResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: engine wrote no result at %s", ErrInvalidResult, path)
		}
		return nil, fmt.Errorf("read result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidResult, path, err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

func exitCodeFromError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitCodeTimeout
	}
	return 1
}
