package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunRecord holds host run history that survives restarts.
type RunRecord struct {
	// LastStart is when the VM was last brought online.
	LastStart time.Time `json:"last_start,omitempty"`

	// LastExit is when the main isolate last finished.
	LastExit time.Time `json:"last_exit,omitempty"`

	// RunCount is the number of times the VM has been started.
	RunCount int `json:"run_count"`

	// ScriptURI is the main isolate of the last run.
	ScriptURI string `json:"script_uri,omitempty"`

	// Precompiled records whether the last run used an AOT payload.
	Precompiled bool `json:"precompiled"`

	// SnapshotFingerprint identifies the VM-isolate snapshot of the last run.
	SnapshotFingerprint string `json:"snapshot_fingerprint,omitempty"`

	// CleanExit indicates if the last run ended without error.
	CleanExit bool `json:"clean_exit"`
}

// RunFile manages run history storage.
type RunFile struct {
	path string
}

// NewRunFile creates a run history file manager.
func NewRunFile(dataDir string) *RunFile {
	return &RunFile{
		path: filepath.Join(dataDir, "run.json"),
	}
}

// Load reads the record from disk.
func (r *RunFile) Load() (*RunRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &RunRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run file: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse run file: %w", err)
	}

	return &rec, nil
}

// Save writes the record to disk.
func (r *RunFile) Save(rec *RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	// Write atomically
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write run file: %w", err)
	}

	return os.Rename(tmpPath, r.path)
}

// RecordStart updates the record for a new run.
func (r *RunFile) RecordStart(scriptURI string, precompiled bool, fingerprint string) error {
	rec, err := r.Load()
	if err != nil {
		return err
	}

	rec.LastStart = time.Now()
	rec.RunCount++
	rec.ScriptURI = scriptURI
	rec.Precompiled = precompiled
	rec.SnapshotFingerprint = fingerprint
	rec.CleanExit = false

	return r.Save(rec)
}

// RecordExit updates the record when the main isolate finishes.
func (r *RunFile) RecordExit(clean bool) error {
	rec, err := r.Load()
	if err != nil {
		return err
	}

	rec.LastExit = time.Now()
	rec.CleanExit = clean

	return r.Save(rec)
}

// Path returns the run file path.
func (r *RunFile) Path() string {
	return r.path
}
