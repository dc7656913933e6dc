package wazerovm

import (
	"fmt"
	"strings"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

const ignoreUnrecognized = "ignore-unrecognized-flags"

// knownFlags are the flag names this backend accepts. Most are accepted for
// compatibility and have no effect on a WebAssembly engine.
var knownFlags = map[string]bool{
	ignoreUnrecognized:        true,
	"profile_period":          true,
	"no-profiler":             true,
	"enable_mirrors":          true,
	"background_compilation":  true,
	"precompilation":          true,
	"enable_asserts":          true,
	"enable_type_checks":      true,
	"error_on_bad_type":       true,
	"error_on_bad_override":   true,
	"pause_isolates_on_start": true,
	"timeline_streams":        true,
	"timeline_recorder":       true,
}

type flagSet struct {
	pauseOnStart bool
	recorder     string
	streams      []string
}

// parseFlags validates a flag vector. Unknown flags are an error unless the
// ignore guard appeared before them.
func parseFlags(flags []string) (flagSet, error) {
	var fs flagSet
	ignore := false
	for _, f := range flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if !strings.HasPrefix(f, "--") || !knownFlags[name] {
			if ignore {
				continue
			}
			return flagSet{}, fmt.Errorf("%w: %s", vmapi.ErrUnrecognizedFlag, f)
		}

		switch name {
		case ignoreUnrecognized:
			ignore = true
		case "pause_isolates_on_start":
			fs.pauseOnStart = !hasValue || value != "false"
		case "timeline_recorder":
			fs.recorder = value
		case "timeline_streams":
			fs.streams = strings.Split(value, ",")
		}
	}
	return fs, nil
}
