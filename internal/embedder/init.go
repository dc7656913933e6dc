package embedder

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// InitVM brings the VM online. It runs once per Embedder; every failure is
// a *ContractViolation.
func (e *Embedder) InitVM(ctx context.Context) error {
	defer trace.StartRegion(ctx, "InitVM").End()

	if !e.initialized.CompareAndSwap(false, true) {
		return e.fail("InitVM", ErrAlreadyInitialized)
	}

	e.io.Bootstrap()
	if dir := e.settings.TempDirectoryPath; dir != "" {
		e.io.SetSystemTempDirectory(dir)
	}

	e.watcher = natives.StartHandleWatcher(e.log.Named("handles"))
	e.interop.SetHandleWatcherProducerHandle(e.watcher.ProducerHandle())

	e.config = NewVMConfig(e.settings, e.locator)
	flags := BuildFlags(e.config)
	if err := e.vm.SetFlags(flags); err != nil {
		return e.fail("SetFlags", err)
	}
	e.log.Debug("VM flags set", zap.String("flags", strings.Join(flags, " ")))

	// The debugger must exist before the VM comes up.
	e.initDebugger()

	e.ui.InitForGlobal()
	e.platform.initGlobal()

	// Tracing hooks go in before Initialize so recording cannot start
	// without them.
	e.vm.SetEmbedderTimelineCallbacks(e.timelineStartRecording, e.timelineStopRecording)

	e.vm.SetFileModifiedCallback(FileModified)

	region := trace.StartRegion(ctx, "VM.Initialize")
	err := e.vm.Initialize(ctx, vmapi.InitParams{
		VMIsolateSnapshot: e.locator.Lookup(snapshot.VMIsolateSnapshot),
		Instructions:      e.locator.Lookup(snapshot.Instructions),
		Data:              e.locator.Lookup(snapshot.Data),
		Callbacks:         e,
		ServiceAssets:     serviceAssets(),
	})
	region.End()
	if err != nil {
		return e.fail("Initialize", fmt.Errorf("error while initializing the VM: %w", err))
	}

	// Duration event so tools treat the process start as time zero.
	if !e.processStart.IsZero() {
		ts := e.processStart.UnixMicro()
		e.vm.TimelineEvent(vmapi.TimelineEvent{
			Label:               "EngineMainEnter",
			Timestamp0:          ts,
			Timestamp1OrAsyncID: ts,
			Type:                vmapi.TimelineDuration,
		})
	}

	e.vm.SetServiceStreamCallbacks(e.StreamListen, e.StreamCancel)

	e.log.Info("VM online",
		zap.String("vm", e.vm.Version()),
		zap.Bool("precompiled", e.config.Precompiled),
		zap.Bool("checked_mode", e.config.CheckedMode))
	return nil
}
