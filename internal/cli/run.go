package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javanstorm/isohost/internal/embedder"
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/internal/timing"
	"github.com/javanstorm/isohost/pkg/vmapi"
	"github.com/javanstorm/isohost/pkg/vmapi/wazerovm"
)

// Startup timing (ISOHOST_TIMING=1):
//   - settings_validate: settings checks and flag overrides
//   - snapshot_locate:   locator selection, asset mapping is lazy
//   - vm_init:           flags, callbacks, VM bring-up and service isolate
//   - isolate_create:    bundle read, natives and script load
//
// The VM timeline sees the same process start as EngineMainEnter.

// quietMode suppresses informational output.
var quietMode bool

// SetQuietMode enables or disables quiet mode (minimal output).
func SetQuietMode(quiet bool) {
	quietMode = quiet
}

// printIfNotQuiet prints only when not in quiet mode.
func printIfNotQuiet(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

var runCmd = &cobra.Command{
	Use:   "run <bundle>",
	Short: "Bring the VM online and run a bundle in a new isolate",
	Long: `Bring the VM online and run the script snapshot of a bundle.

The bundle is a zip archive holding the script snapshot. When an AOT
payload is available the bundle is not read and the precompiled code runs
instead. The command returns when the main isolate finishes or on SIGINT.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runMain        string
	runPaused      bool
	runInterpreter bool
	runTimeout     time.Duration
)

func init() {
	runCmd.Flags().StringVar(&runMain, "main", "main", "entry point exported by the script")
	runCmd.Flags().BoolVar(&runPaused, "pause", false, "hold isolates at their entry point until resumed")
	runCmd.Flags().BoolVar(&runInterpreter, "interpreter", false, "use the interpreter instead of the compiler")
	runCmd.Flags().DurationVar(&runTimeout, "shutdown-timeout", 5*time.Second, "how long to wait for a clean shutdown")
}

func runRun(cmd *cobra.Command, args []string) error {
	// Initialize timing if ISOHOST_TIMING=1
	var timer *timing.Timer
	processStart := time.Now()
	if os.Getenv("ISOHOST_TIMING") == "1" {
		timer = timing.New()
		processStart = timer.Start()
	}

	s := currentSettings()
	if runPaused {
		s.StartPaused = true
	}
	if err := checkSettings(s); err != nil {
		return err
	}
	if timer != nil {
		timer.Mark("settings_validate")
	}

	locator, err := newLocator(s)
	if err != nil {
		return abortOnViolation(err)
	}
	if timer != nil {
		timer.Mark("snapshot_locate")
	}

	uri, err := bundleURI(args[0])
	if err != nil {
		return err
	}

	io := natives.NewIO(os.Stdout, os.Stderr)
	vmOpts := []wazerovm.Option{
		wazerovm.WithOutput(io.Writer(natives.StreamStdout), io.Writer(natives.StreamStderr)),
		wazerovm.WithServiceIsolate(embedder.ServiceIsolateSupported),
		wazerovm.WithLogger(log.Named("vm")),
	}
	if runInterpreter {
		vmOpts = append(vmOpts, wazerovm.WithInterpreter())
	}
	vm := wazerovm.New(vmOpts...)

	emb := embedder.New(embedder.Options{
		VM:           vm,
		Settings:     s,
		Locator:      locator,
		IO:           io,
		ProcessStart: processStart,
		Logger:       log.Named("embedder"),
	})
	installHooks(emb, s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := emb.Close(shutdownCtx); err != nil {
			log.Warn("diagnostic server shutdown", zap.Error(err))
		}
		if err := vm.Close(shutdownCtx); err != nil {
			log.Warn("VM shutdown", zap.Error(err))
		}
	}()

	// The temp directory must exist before the IO natives are bootstrapped.
	runFile, err := openRunFile(s)
	if err != nil {
		log.Warn("run history unavailable", zap.Error(err))
	}

	if err := emb.InitVM(ctx); err != nil {
		return abortOnViolation(err)
	}
	if timer != nil {
		timer.Mark("vm_init")
	}
	if url := emb.ObservatoryURL(); url != "" {
		printIfNotQuiet("Observatory listening on %s\n", url)
	}

	if runFile != nil {
		fingerprint := snapshot.Fingerprint(locator.Lookup(snapshot.VMIsolateSnapshot))
		if err := runFile.RecordStart(uri, emb.Precompiled(), fingerprint); err != nil {
			log.Warn("could not record start", zap.Error(err))
		}
	}

	iso, err := emb.CreateIsolate(ctx, vmapi.IsolateRequest{ScriptURI: uri, Main: runMain})
	if err != nil {
		return abortOnViolation(err)
	}
	if timer != nil {
		timer.Mark("isolate_create")
		timer.Report(os.Stderr)
	}

	waitErr := iso.Wait(ctx)
	if runFile != nil {
		if err := runFile.RecordExit(waitErr == nil); err != nil {
			log.Warn("could not record exit", zap.Error(err))
		}
	}
	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			log.Info("interrupted", zap.String("uri", uri))
			return nil
		}
		return fmt.Errorf("isolate %s exited with error: %w", uri, waitErr)
	}
	return nil
}

// checkSettings prints settings warnings and fails on fatal ones.
func checkSettings(s *settings.Settings) error {
	problems := settings.Validate(s)
	if len(problems) == 0 {
		return nil
	}
	fmt.Fprint(os.Stderr, settings.FormatValidationErrors(problems))
	if settings.HasFatal(problems) {
		return errors.New("invalid settings")
	}
	return nil
}

// newLocator picks the snapshot strategy named by the settings.
func newLocator(s *settings.Settings) (snapshot.Locator, error) {
	return snapshot.NewLocator(snapshot.Mode(s.SnapshotMode), snapshot.Config{
		LibraryPath:     s.ApplicationLibraryPath,
		AOTSnapshotPath: s.AOTSnapshotPath,
	})
}

// bundleURI turns a bundle path into the file:// URI the embedder expects.
// URIs are passed through.
func bundleURI(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve bundle path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// openRunFile creates the run directories and returns the run history.
func openRunFile(s *settings.Settings) (*state.RunFile, error) {
	if s.DataDir == "" {
		return nil, errors.New("no data directory")
	}
	if err := settings.RuntimePaths(s).EnsureDirectories(); err != nil {
		return nil, err
	}
	return state.NewRunFile(s.DataDir), nil
}

// installHooks registers the service and tracing callbacks before the VM
// comes up.
func installHooks(emb *embedder.Embedder, s *settings.Settings) {
	if err := emb.SetRegisterNativeServiceProtocolExtensionHook(func(precompiled bool) {
		log.Debug("service protocol extensions registered", zap.Bool("precompiled", precompiled))
	}); err != nil {
		log.Warn("extension hook rejected", zap.Error(err))
	}
	if !s.TraceStartup {
		return
	}
	emb.SetTracingCallbacks(&embedder.TracingCallbacks{
		Start: func() { log.Info("timeline recording started") },
		Stop:  func() { log.Info("timeline recording stopped") },
	})
}

// abortOnViolation terminates the process on an embedding contract
// violation. Other errors are returned to the caller.
func abortOnViolation(err error) error {
	if errors.Is(err, embedder.ErrContractViolation) {
		log.Fatal("embedding contract violated", zap.Error(err))
	}
	return err
}
