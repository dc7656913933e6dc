package embedder

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/internal/bundle"
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// CreateIsolate is the VM's isolate-creation callback. The service isolate
// name is routed to the service bootstrap; every other URI must name a
// file:// bundle unless AOT code is in use.
func (e *Embedder) CreateIsolate(ctx context.Context, req vmapi.IsolateRequest) (vmapi.Isolate, error) {
	defer trace.StartRegion(ctx, "CreateIsolate").End()

	if req.ScriptURI == vmapi.ServiceIsolateName {
		return e.createServiceIsolate(ctx, req)
	}

	const op = "CreateIsolate"

	var snapshotData []byte
	if !e.Precompiled() {
		data, err := e.readSnapshot(req.ScriptURI)
		if err != nil {
			return nil, e.fail(op, err)
		}
		snapshotData = data
	}

	parent, err := e.parentState(req.Parent)
	if err != nil {
		return nil, e.fail(op, err)
	}
	st := parent.CreateForChild()

	iso, err := e.vm.CreateIsolate(ctx, vmapi.CreateParams{
		ScriptURI: req.ScriptURI,
		Main:      req.Main,
		Snapshot:  e.locator.Lookup(snapshot.IsolateSnapshot),
		Flags:     req.Flags,
		State:     st,
	})
	if err != nil {
		return nil, e.fail(op, fmt.Errorf("create %s: %w", req.ScriptURI, err))
	}
	st.SetIsolate(iso)

	if err := iso.SetLibraryTagHandler(e.LibraryTagHandler); err != nil {
		e.abandon(ctx, iso)
		return nil, e.fail(op, fmt.Errorf("set library tag handler: %w", err))
	}

	if err := e.initIsolate(ctx, iso, st, req.ScriptURI, snapshotData); err != nil {
		e.abandon(ctx, iso)
		return nil, e.fail(op, err)
	}
	iso.Exit()

	if err := iso.MakeRunnable(ctx); err != nil {
		e.abandon(ctx, iso)
		return nil, e.fail(op, fmt.Errorf("make %s runnable: %w", req.ScriptURI, err))
	}
	st.MarkRunnable()

	if e.debugger != nil {
		e.debugger.Track(iso)
	}
	e.log.Debug("isolate created",
		zap.String("uri", req.ScriptURI),
		zap.String("main", req.Main),
		zap.Int("snapshot_bytes", len(snapshotData)))
	return iso, nil
}

// initIsolate wires the natives and loads the script inside an API scope.
func (e *Embedder) initIsolate(ctx context.Context, iso vmapi.Isolate, st *state.IsolateState, uri string, snapshotData []byte) error {
	if err := iso.EnterScope(); err != nil {
		return err
	}
	defer iso.ExitScope()

	if err := e.io.InitForIsolate(iso); err != nil {
		return fmt.Errorf("init %s: %w", natives.IOLibrary, err)
	}
	if err := e.ui.InitForIsolate(iso); err != nil {
		return fmt.Errorf("init %s: %w", natives.UILibrary, err)
	}
	if err := e.interop.InitForIsolate(iso); err != nil {
		return fmt.Errorf("init %s: %w", natives.InteropLibrary, err)
	}
	if err := e.hooks.Install(iso, uri); err != nil {
		return fmt.Errorf("install runtime hooks: %w", err)
	}

	if err := st.ClassLibrary().AddProvider("ui", natives.UILibrary); err != nil {
		return err
	}
	if err := e.platform.initIsolate(iso, st); err != nil {
		return fmt.Errorf("init platform interop: %w", err)
	}

	// An empty snapshot is not an error; the isolate just has no script.
	if len(snapshotData) > 0 {
		if err := iso.LoadScriptFromSnapshot(ctx, snapshotData); err != nil {
			return fmt.Errorf("load script from snapshot: %w", err)
		}
	}

	st.Client().DidCreateSecondaryIsolate(iso)
	return nil
}

// readSnapshot reads the script snapshot out of the bundle named by uri.
func (e *Embedder) readSnapshot(uri string) ([]byte, error) {
	path, ok := strings.CutPrefix(uri, fileURIPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFileURI, uri)
	}
	b, err := e.openBundle(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer b.Close()

	data, ok := b.GetAsBuffer(bundle.SnapshotKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSnapshotMissing, bundle.SnapshotKey, path)
	}
	return data, nil
}

func (e *Embedder) parentState(parent any) (*state.IsolateState, error) {
	switch p := parent.(type) {
	case nil:
		return e.root, nil
	case *state.IsolateState:
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadParentState, parent)
	}
}

// abandon tears down a half-built isolate. The VM still reports its state
// through IsolateShutdown.
func (e *Embedder) abandon(ctx context.Context, iso vmapi.Isolate) {
	iso.ExitScope()
	iso.Exit()
	if err := iso.Shutdown(ctx); err != nil {
		e.log.Warn("shutdown of failed isolate", zap.String("uri", iso.URI()), zap.Error(err))
	}
}

// IsolateShutdown is the only place an isolate state is released.
func (e *Embedder) IsolateShutdown(data any) {
	st, ok := data.(*state.IsolateState)
	if !ok {
		e.log.Warn("shutdown callback with foreign state", zap.String("type", fmt.Sprintf("%T", data)))
		return
	}
	var uri string
	if iso := st.Isolate(); iso != nil {
		uri = iso.URI()
	}
	if err := st.Shutdown(); err != nil {
		e.log.Warn("isolate state released twice", zap.String("uri", uri), zap.Error(err))
		return
	}
	e.log.Debug("isolate shut down", zap.String("uri", uri))
}

// ThreadExit is called by the VM on every thread it retires.
func (e *Embedder) ThreadExit() {
	e.platform.threadExit()
}
