// Package settings provides configuration management for isohost.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for isohost.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/isohost
	// Linux: ~/.config/isohost (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir is the directory for run history and AOT snapshots.
	// All platforms: ~/.isohost
	DataDir string

	// TempDir is the scratch directory handed to the VM's IO natives.
	// Empty means the system default.
	TempDir string

	// ConfigFile is the path to the main settings file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for isohost.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}

	// Data directory is always ~/.isohost
	p.DataDir = filepath.Join(home, ".isohost")

	// Config directory is platform-specific
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "isohost")
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "isohost")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "isohost")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "settings.yaml")

	return p, nil
}

// RuntimePaths returns the directories a run writes to. Settings win over
// the platform defaults; no config directory is included.
func RuntimePaths(s *Settings) *Paths {
	return &Paths{
		DataDir: s.DataDir,
		TempDir: s.TempDirectoryPath,
	}
}

// EnsureDirectories creates every directory that is set.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.TempDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
