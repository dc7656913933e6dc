// Package cli provides the command-line interface for isohost.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/javanstorm/isohost/internal/settings"
)

var (
	cfgFile string
	verbose bool

	// log is replaced in PersistentPreRunE once the flags are parsed.
	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "isohost",
	Short: "isohost - embed a VM and run isolates from script bundles",
	Long: `isohost brings a VM online inside this process and runs the script
snapshot of a bundle in a fresh isolate.

Snapshots are located statically, in the application library or in asset
files next to the binary. A diagnostic server is started in the service
isolate unless it is disabled in the settings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(verbose)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		log = l

		// Skip settings loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		if cfgFile != "" {
			return settings.LoadFile(cfgFile)
		}
		return settings.Load()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Encoding = "console"
	cfg.DisableStacktrace = !verbose
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// currentSettings returns the loaded settings, or the defaults when the
// command ran without loading them.
func currentSettings() *settings.Settings {
	if settings.Global != nil {
		return settings.Global
	}
	return settings.Default()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "settings file (default: search ~/.isohost and the config dir)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose development logging")
	flags.BoolVarP(&quietMode, "quiet", "q", false, "minimal output")
	flags.String("dart-flags", "", "extra VM flags, space separated")
	flags.Int("observatory-port", 0, "diagnostic server port (0 = any free port)")
	_ = viper.BindPFlag("dart_flags", flags.Lookup("dart-flags"))
	_ = viper.BindPFlag("observatory_port", flags.Lookup("observatory-port"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(infoCmd)
}
