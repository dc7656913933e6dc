// Package testutil provides common test helpers for isohost tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/javanstorm/isohost/internal/bundle"
	"github.com/javanstorm/isohost/internal/settings"
)

// TestSettings returns Settings suitable for testing. The observatory is
// off and every directory is a t.TempDir(), so nothing outlives the test.
func TestSettings(t *testing.T) *settings.Settings {
	t.Helper()

	s := settings.Default()
	s.EnableObservatory = false
	s.ObservatoryPort = 0
	s.DataDir = t.TempDir()
	s.TempDirectoryPath = t.TempDir()
	return s
}

// CreateTestBundle writes a bundle holding script as its snapshot entry
// and returns its path.
func CreateTestBundle(t *testing.T, dir string, script []byte) string {
	t.Helper()

	path := filepath.Join(dir, "app.bundle")
	if err := bundle.Create(path, map[string][]byte{bundle.SnapshotKey: script}); err != nil {
		t.Fatalf("failed to create test bundle at %s: %v", path, err)
	}
	return path
}

// CreateTempSettingsFile writes s as a YAML settings file in a temporary
// directory and returns the path.
func CreateTempSettingsFile(t *testing.T, s *settings.Settings) string {
	t.Helper()

	v := viper.New()
	v.Set("enable_observatory", s.EnableObservatory)
	v.Set("observatory_port", s.ObservatoryPort)
	v.Set("start_paused", s.StartPaused)
	v.Set("trace_startup", s.TraceStartup)
	v.Set("enable_dart_checked_mode", s.EnableDartCheckedMode)
	v.Set("temp_directory_path", s.TempDirectoryPath)
	v.Set("aot_snapshot_path", s.AOTSnapshotPath)
	v.Set("dart_flags", s.DartFlags)
	v.Set("snapshot_mode", s.SnapshotMode)
	v.Set("application_library_path", s.ApplicationLibraryPath)
	v.Set("data_dir", s.DataDir)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := v.WriteConfigAs(path); err != nil {
		t.Fatalf("failed to write settings file: %v", err)
	}
	return path
}
