package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds the host configuration read by the embedder. It is
// populated once at startup and read-only afterwards.
type Settings struct {
	// EnableObservatory starts the diagnostic server in the service isolate.
	EnableObservatory bool `mapstructure:"enable_observatory"`

	// ObservatoryPort is the loopback port of the diagnostic server
	// (0 = pick a free port).
	ObservatoryPort int `mapstructure:"observatory_port"`

	// StartPaused holds every isolate at its entry point until resumed.
	StartPaused bool `mapstructure:"start_paused"`

	// TraceStartup records the VM timeline from bring-up.
	TraceStartup bool `mapstructure:"trace_startup"`

	// EnableDartCheckedMode turns on assertions and type checks when not
	// running precompiled code.
	EnableDartCheckedMode bool `mapstructure:"enable_dart_checked_mode"`

	// TempDirectoryPath overrides the temp directory reported to isolates.
	TempDirectoryPath string `mapstructure:"temp_directory_path"`

	// AOTSnapshotPath is the directory holding the AOT snapshot asset files.
	AOTSnapshotPath string `mapstructure:"aot_snapshot_path"`

	// DartFlags is a space separated list of extra VM flags.
	DartFlags string `mapstructure:"dart_flags"`

	// SnapshotMode selects the snapshot lookup strategy:
	// static, library or assets.
	SnapshotMode string `mapstructure:"snapshot_mode"`

	// ApplicationLibraryPath is the optional library searched in library mode.
	ApplicationLibraryPath string `mapstructure:"application_library_path"`

	// DataDir is where run history is kept.
	DataDir string `mapstructure:"data_dir"`
}

// Default returns Settings with sensible defaults.
func Default() *Settings {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir: "/tmp/isohost",
		}
	}

	return &Settings{
		EnableObservatory:      true,
		ObservatoryPort:        8181,
		StartPaused:            false,
		TraceStartup:           false,
		EnableDartCheckedMode:  false,
		TempDirectoryPath:      "",
		AOTSnapshotPath:        "",
		DartFlags:              "",
		SnapshotMode:           "static",
		ApplicationLibraryPath: "",
		DataDir:                paths.DataDir,
	}
}

// Global holds the loaded settings.
var Global *Settings

// Load reads settings from file, environment, and defaults into Global.
func Load() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}

	s, err := load(viper.GetViper(), paths.DataDir, paths.ConfigDir)
	if err != nil {
		return err
	}
	Global = s
	return nil
}

// LoadFile reads settings from an explicit file instead of the search
// paths. A missing file is an error.
func LoadFile(path string) error {
	viper.SetConfigFile(path)
	s, err := load(viper.GetViper())
	if err != nil {
		return err
	}
	Global = s
	return nil
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("enable_observatory", defaults.EnableObservatory)
	v.SetDefault("observatory_port", defaults.ObservatoryPort)
	v.SetDefault("start_paused", defaults.StartPaused)
	v.SetDefault("trace_startup", defaults.TraceStartup)
	v.SetDefault("enable_dart_checked_mode", defaults.EnableDartCheckedMode)
	v.SetDefault("temp_directory_path", defaults.TempDirectoryPath)
	v.SetDefault("aot_snapshot_path", defaults.AOTSnapshotPath)
	v.SetDefault("dart_flags", defaults.DartFlags)
	v.SetDefault("snapshot_mode", defaults.SnapshotMode)
	v.SetDefault("application_library_path", defaults.ApplicationLibraryPath)
	v.SetDefault("data_dir", defaults.DataDir)
}

func load(v *viper.Viper, configPaths ...string) (*Settings, error) {
	SetDefaults(v)

	// Settings file (optional). An explicit file set with SetConfigFile wins;
	// SetConfigName would clear it.
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		for _, p := range configPaths {
			v.AddConfigPath(p)
		}
	}

	// Environment variable support: ISOHOST_OBSERVATORY_PORT, ISOHOST_DART_FLAGS, etc.
	v.SetEnvPrefix("ISOHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		// Settings file not found is OK - we use defaults
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}

// ConfigFileUsed returns the path of the settings file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
