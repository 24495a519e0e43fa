package harness

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Run executes the CLI in workDir with a clean hpvscreen environment.
func Run(t *testing.T, binPath, workDir string, args []string) (string, string, int) {
	t.Helper()
	return run(t, binPath, workDir, args, nil)
}

// RunWithEnv executes the CLI with environment overrides on top of the clean environment.
func RunWithEnv(t *testing.T, binPath, workDir string, args []string, env map[string]string) (string, string, int) {
	t.Helper()
	return run(t, binPath, workDir, args, env)
}

// MustRun runs a command against workspace and fails the test on a non-zero exit.
func MustRun(t *testing.T, binPath, workspace string, args ...string) string {
	t.Helper()
	full := append([]string{"--workspace", workspace}, args...)
	stdout, stderr, code := run(t, binPath, t.TempDir(), full, nil)
	if code != 0 {
		t.Fatalf("hpvscreen %s exit code %d\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), code, stdout, stderr)
	}
	return stdout
}

func run(t *testing.T, binPath, workDir string, args []string, env map[string]string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binPath, args...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), isolatedEnv(t), env)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			t.Fatalf("run %s: %v", binPath, err)
		}
	}

	return stdout.String(), stderr.String(), exitCode
}

// isolatedEnv keeps a developer's HPVSCREEN_* settings out of the binary under test.
// A stray audit write lands in a per-test file instead of the caller's database.
func isolatedEnv(t *testing.T) map[string]string {
	return map[string]string{
		"HPVSCREEN_AUDIT_DB":   filepath.Join(t.TempDir(), "stray-audit.sqlite"),
		"HPVSCREEN_ENGINE_CMD": "",
	}
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	env := make(map[string]string, len(base))
	for _, entry := range base {
		key, val, _ := strings.Cut(entry, "=")
		env[key] = val
	}
	for _, layer := range layers {
		for k, v := range layer {
			env[k] = v
		}
	}

	merged := make([]string, 0, len(env))
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	sort.Strings(merged)
	return merged
}
