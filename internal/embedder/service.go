//go:build !product

package embedder

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/internal/diagnostics"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// ServiceIsolateSupported reports whether this build bootstraps a service
// isolate.
const ServiceIsolateSupported = true

const observatoryHost = "127.0.0.1"

func serviceAssets() func() []byte {
	return diagnostics.DefaultAssets
}

func (e *Embedder) initDebugger() {
	e.debugger = diagnostics.InitDebugger(e.vm, e.log.Named("debugger"))
}

// createServiceIsolate bootstraps the diagnostic isolate. The service
// isolate hook runs inside it; the protocol extension hook runs after the
// one-time flag is set, outside the isolate.
func (e *Embedder) createServiceIsolate(ctx context.Context, req vmapi.IsolateRequest) (vmapi.Isolate, error) {
	const op = "CreateServiceIsolate"

	st := state.New(nil)
	iso, err := e.vm.CreateIsolate(ctx, vmapi.CreateParams{
		ScriptURI: req.ScriptURI,
		Main:      "main",
		Snapshot:  e.locator.Lookup(snapshot.IsolateSnapshot),
		State:     st,
	})
	if err != nil {
		return nil, e.fail(op, fmt.Errorf("create service isolate: %w", err))
	}
	st.SetIsolate(iso)

	if err := iso.SetLibraryTagHandler(e.LibraryTagHandler); err != nil {
		e.abandon(ctx, iso)
		return nil, e.fail(op, fmt.Errorf("set library tag handler: %w", err))
	}
	if !e.vm.IsServiceIsolate(iso) {
		e.abandon(ctx, iso)
		return nil, e.fail(op, ErrNotServiceIsolate)
	}

	precompiled := e.Precompiled()
	if err := e.initServiceIsolate(ctx, iso, precompiled); err != nil {
		e.abandon(ctx, iso)
		return nil, e.fail(op, err)
	}
	iso.Exit()

	if hook := e.markServiceInitialized(); hook != nil {
		hook(precompiled)
	}
	e.log.Info("service isolate started", zap.Bool("observatory", e.settings.EnableObservatory))
	return iso, nil
}

func (e *Embedder) initServiceIsolate(ctx context.Context, iso vmapi.Isolate, precompiled bool) error {
	if err := iso.EnterScope(); err != nil {
		return err
	}
	defer iso.ExitScope()

	if err := e.io.InitForIsolate(iso); err != nil {
		return err
	}
	if err := e.ui.InitForIsolate(iso); err != nil {
		return err
	}
	if err := e.interop.InitForIsolate(iso); err != nil {
		return err
	}
	if err := e.hooks.Install(iso, ""); err != nil {
		return err
	}

	if e.settings.EnableObservatory {
		srv, err := diagnostics.Startup(ctx, diagnostics.Options{
			Host:               observatoryHost,
			Port:               e.settings.ObservatoryPort,
			Isolate:            iso,
			TagHandler:         e.LibraryTagHandler,
			Precompiled:        precompiled,
			DisableOriginCheck: false,
			Service:            e.vm,
			Debugger:           e.debugger,
			Logger:             e.log.Named("observatory"),
		})
		if err != nil {
			return fmt.Errorf("start observatory: %w", err)
		}
		e.io.SetSink(func(streamID string, data []byte) {
			srv.Publish(streamID, map[string]string{
				"kind":  "WriteEvent",
				"bytes": base64.StdEncoding.EncodeToString(data),
			})
		})
		e.serverMu.Lock()
		e.server = srv
		e.serverMu.Unlock()
	}

	if hook := e.takeServiceHook(); hook != nil {
		hook(precompiled)
	}
	return nil
}
