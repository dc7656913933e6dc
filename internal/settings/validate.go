package settings

import (
	"fmt"
	"os"
	"strings"
)

// Snapshot lookup modes accepted in snapshot_mode.
var snapshotModes = []string{"static", "library", "assets"}

// ValidationError represents a settings issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// Validate checks settings for values the embedder cannot use.
// Returns a list of validation errors/warnings.
func Validate(s *Settings) []ValidationError {
	var errors []ValidationError

	mode := s.SnapshotMode
	if mode == "" {
		mode = "static"
	}
	known := false
	for _, m := range snapshotModes {
		if mode == m {
			known = true
		}
	}
	if !known {
		errors = append(errors, ValidationError{
			Field:   "SnapshotMode",
			Message: fmt.Sprintf("Unknown snapshot mode %q (want one of %s)", s.SnapshotMode, strings.Join(snapshotModes, ", ")),
			Fatal:   true,
		})
	}

	if mode == "assets" && s.AOTSnapshotPath == "" {
		errors = append(errors, ValidationError{
			Field:   "AOTSnapshotPath",
			Message: "Assets snapshot mode requires aot_snapshot_path",
			Fatal:   true,
		})
	}

	if mode == "library" && s.ApplicationLibraryPath == "" {
		errors = append(errors, ValidationError{
			Field:   "ApplicationLibraryPath",
			Message: "No application library set; only linked snapshots will be found",
			Fatal:   false,
		})
	}

	if s.ObservatoryPort < 0 || s.ObservatoryPort > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ObservatoryPort",
			Message: fmt.Sprintf("Port %d out of range", s.ObservatoryPort),
			Fatal:   true,
		})
	}

	if s.StartPaused && !s.EnableObservatory {
		errors = append(errors, ValidationError{
			Field:   "StartPaused",
			Message: "Isolates start paused but the observatory is disabled; nothing can resume them",
			Fatal:   false,
		})
	}

	if s.TempDirectoryPath != "" {
		if info, err := os.Stat(s.TempDirectoryPath); err != nil || !info.IsDir() {
			errors = append(errors, ValidationError{
				Field:   "TempDirectoryPath",
				Message: fmt.Sprintf("%s is not a directory", s.TempDirectoryPath),
				Fatal:   false,
			})
		}
	}

	return errors
}

// HasFatal reports whether any error prevents startup.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Settings warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
