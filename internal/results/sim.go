// Package results persists finished runs: the .sim artifact per location and a SQLite index.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hpvscreen/internal/engine"
)

const SimSchemaVersion = 1

// SimFile is the on-disk envelope of a saved run.
type SimFile struct {
	SchemaVersion int            `json:"schema_version"`
	SavedAt       string         `json:"saved_at"`
	Result        *engine.Result `json:"result"`
}

// SimPath returns the artifact path for a location.
func SimPath(dir, location string) string {
	return filepath.Join(dir, location+".sim")
}

// WriteSim atomically writes res to path.
func WriteSim(path string, res *engine.Result) error {
	if path == "" {
		return fmt.Errorf("sim path is required")
	}
	if err := res.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(SimFile{
		SchemaVersion: SimSchemaVersion,
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
		Result:        res,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sim: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure results dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp sim: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp sim: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename sim: %w", err)
	}
	return nil
}

// ReadSim loads a saved run.
func ReadSim(path string) (*engine.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sim: %w", err)
	}
	var file SimFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode sim: %w", err)
	}
	if file.SchemaVersion != SimSchemaVersion {
		return nil, fmt.Errorf("unsupported sim schema_version %d", file.SchemaVersion)
	}
	if err := file.Result.Validate(); err != nil {
		return nil, fmt.Errorf("sim %s: %w", path, err)
	}
	return file.Result, nil
}
