package embedder

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
)

const ignoreUnrecognizedFlags = "--ignore-unrecognized-flags"

var (
	checkedModeFlags = []string{
		"--enable_asserts",
		"--enable_type_checks",
		"--error_on_bad_type",
		"--error_on_bad_override",
	}
	startPausedFlags  = []string{"--pause_isolates_on_start"}
	traceStartupFlags = []string{
		"--timeline_streams=Compiler,Dart,Embedder,GC",
		"--timeline_recorder=endless",
	}
)

// VMConfig is the VM policy assembled once before bring-up.
type VMConfig struct {
	// ProfilePeriod is the sampling profiler period in microseconds.
	ProfilePeriod int

	// DisableProfiler turns the profiler off where the platform debugger
	// cannot cope with SIGPROF.
	DisableProfiler bool

	Mirrors               bool
	BackgroundCompilation bool
	Precompiled           bool
	CheckedMode           bool
	StartPaused           bool
	TraceStartup          bool

	// ExtraFlags are operator flags appended verbatim.
	ExtraFlags []string
}

// NewVMConfig builds the VM policy from settings and the snapshot locator.
func NewVMConfig(s *settings.Settings, locator snapshot.Locator) VMConfig {
	precompiled := snapshot.IsRunningPrecompiled(locator)
	return VMConfig{
		ProfilePeriod:         1000,
		DisableProfiler:       runtime.GOOS == "darwin" || runtime.GOOS == "ios",
		Mirrors:               false,
		BackgroundCompilation: true,
		Precompiled:           precompiled,
		CheckedMode:           shouldEnableCheckedMode(precompiled, s.EnableDartCheckedMode),
		StartPaused:           s.StartPaused,
		TraceStartup:          s.TraceStartup,
		ExtraFlags:            strings.Fields(s.DartFlags),
	}
}

// Checked mode is never enabled for precompiled code.
func shouldEnableCheckedMode(precompiled, setting bool) bool {
	if precompiled {
		return false
	}
	if strictBuild {
		return true
	}
	return setting
}

// BuildFlags returns the VM flag vector. The order is fixed: the ignore
// guard, profiling, mirrors, background compilation, precompilation,
// checked mode, start paused, trace startup and then the operator flags.
func BuildFlags(cfg VMConfig) []string {
	args := []string{ignoreUnrecognizedFlags}

	args = append(args, fmt.Sprintf("--profile_period=%d", cfg.ProfilePeriod))
	if cfg.DisableProfiler {
		args = append(args, "--no-profiler")
	}

	args = append(args, fmt.Sprintf("--enable_mirrors=%t", cfg.Mirrors))

	if cfg.BackgroundCompilation {
		args = append(args, "--background_compilation")
	}

	if cfg.Precompiled {
		args = append(args, "--precompilation")
	}

	if cfg.CheckedMode {
		args = append(args, checkedModeFlags...)
	}

	if cfg.StartPaused {
		args = append(args, startPausedFlags...)
	}

	if cfg.TraceStartup {
		args = append(args, traceStartupFlags...)
	}

	return append(args, cfg.ExtraFlags...)
}
