package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show settings, snapshot and run history",
	Long: `Display the settings in effect, where each snapshot blob was found and
the history of the last run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := currentSettings()
		locator, err := newLocator(s)
		if err != nil {
			fmt.Printf("Snapshot: unavailable (%v)\n", err)
		}
		printInfo(os.Stdout, s, locator, state.NewRunFile(s.DataDir))
		return nil
	},
}

func printInfo(w io.Writer, s *settings.Settings, locator snapshot.Locator, runFile *state.RunFile) {
	if used := settings.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Settings: %s\n", used)
	} else {
		fmt.Fprintf(w, "Settings: defaults\n")
	}
	if s.EnableObservatory {
		fmt.Fprintf(w, "  Observatory: 127.0.0.1:%d\n", s.ObservatoryPort)
	} else {
		fmt.Fprintf(w, "  Observatory: disabled\n")
	}
	fmt.Fprintf(w, "  Data dir: %s\n", s.DataDir)

	fmt.Fprintln(w)

	// Snapshot blobs
	fmt.Fprintf(w, "Snapshot mode: %s\n", s.SnapshotMode)
	if locator != nil {
		for _, sym := range snapshot.Symbols {
			data := locator.Lookup(sym)
			if data == nil {
				fmt.Fprintf(w, "  %s: not found\n", sym)
				continue
			}
			fmt.Fprintf(w, "  %s: %d bytes (%s)\n", sym, len(data), snapshot.Fingerprint(data))
		}
		fmt.Fprintf(w, "  Precompiled: %t\n", snapshot.IsRunningPrecompiled(locator))
	}

	fmt.Fprintln(w)

	// Run history
	rec, err := runFile.Load()
	switch {
	case err != nil:
		fmt.Fprintf(w, "Runs: error loading (%v)\n", err)
	case rec.RunCount == 0:
		fmt.Fprintf(w, "Runs: never run\n")
	default:
		fmt.Fprintf(w, "Runs:\n")
		fmt.Fprintf(w, "  Run count: %d\n", rec.RunCount)
		fmt.Fprintf(w, "  Last script: %s\n", rec.ScriptURI)
		if !rec.LastStart.IsZero() {
			fmt.Fprintf(w, "  Last start: %s\n", rec.LastStart.Format("2006-01-02 15:04:05"))
		}
		if !rec.LastExit.IsZero() {
			fmt.Fprintf(w, "  Last exit: %s\n", rec.LastExit.Format("2006-01-02 15:04:05"))
			if rec.CleanExit {
				fmt.Fprintf(w, "  Exit type: clean\n")
			} else {
				fmt.Fprintf(w, "  Exit type: error\n")
			}
		}
	}
}
