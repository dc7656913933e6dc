package embedder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/isohost/internal/bundle"
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
	"github.com/javanstorm/isohost/pkg/vmapi/vmtest"
)

type fakeLocator map[snapshot.Symbol][]byte

func (l fakeLocator) Lookup(sym snapshot.Symbol) []byte { return l[sym] }

type memBundle map[string][]byte

func (b memBundle) GetAsBuffer(key string) ([]byte, bool) {
	data, ok := b[key]
	return data, ok
}

func (b memBundle) Close() error { return nil }

// bundles serves in-memory bundles by path and counts opens.
type bundles struct {
	mu     sync.Mutex
	byPath map[string]memBundle
	opens  int
}

func (b *bundles) open(path string) (Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	mb, ok := b.byPath[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return mb, nil
}

func (b *bundles) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type recordingClient struct {
	mu      sync.Mutex
	created []string
}

func (c *recordingClient) DidCreateSecondaryIsolate(iso vmapi.Isolate) {
	c.mu.Lock()
	c.created = append(c.created, iso.URI())
	c.mu.Unlock()
}

func (c *recordingClient) Created() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...)
}

type fixture struct {
	vm      *vmtest.VM
	emb     *Embedder
	bundles *bundles
	client  *recordingClient
	locator fakeLocator
}

var (
	vmSnapshot  = []byte("vm-isolate-snapshot")
	isoSnapshot = []byte("isolate-snapshot")
	blob        = bytes.Repeat([]byte{0x5a}, 100)
)

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	s := settings.Default()
	s.EnableObservatory = false

	f := &fixture{
		vm: vmtest.New(),
		bundles: &bundles{byPath: map[string]memBundle{
			"/app/bundle": {bundle.SnapshotKey: blob},
		}},
		client: &recordingClient{},
		locator: fakeLocator{
			snapshot.VMIsolateSnapshot: vmSnapshot,
			snapshot.IsolateSnapshot:   isoSnapshot,
		},
	}
	opts := Options{
		VM:         f.vm,
		Settings:   s,
		Locator:    f.locator,
		IO:         natives.NewIO(&bytes.Buffer{}, &bytes.Buffer{}),
		Client:     f.client,
		OpenBundle: f.bundles.open,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.emb = New(opts)
	t.Cleanup(func() { f.emb.Close(context.Background()) })
	return f
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	require.NoError(t, f.emb.InitVM(context.Background()))
}

func TestBuildFlagsCheckedMode(t *testing.T) {
	flags := BuildFlags(VMConfig{
		ProfilePeriod:         1000,
		BackgroundCompilation: true,
		CheckedMode:           true,
	})

	assert.Equal(t, []string{
		"--ignore-unrecognized-flags",
		"--profile_period=1000",
		"--enable_mirrors=false",
		"--background_compilation",
		"--enable_asserts",
		"--enable_type_checks",
		"--error_on_bad_type",
		"--error_on_bad_override",
	}, flags)
	assert.NotContains(t, flags, "--precompilation")
	assert.NotContains(t, flags, "--pause_isolates_on_start")
}

func TestBuildFlagsFull(t *testing.T) {
	flags := BuildFlags(VMConfig{
		ProfilePeriod:         1000,
		DisableProfiler:       true,
		BackgroundCompilation: true,
		Precompiled:           true,
		StartPaused:           true,
		TraceStartup:          true,
		ExtraFlags:            []string{"--trace_isolates", "--verbose_gc"},
	})

	assert.Equal(t, []string{
		"--ignore-unrecognized-flags",
		"--profile_period=1000",
		"--no-profiler",
		"--enable_mirrors=false",
		"--background_compilation",
		"--precompilation",
		"--pause_isolates_on_start",
		"--timeline_streams=Compiler,Dart,Embedder,GC",
		"--timeline_recorder=endless",
		"--trace_isolates",
		"--verbose_gc",
	}, flags)
}

func TestNewVMConfig(t *testing.T) {
	s := settings.Default()
	s.EnableDartCheckedMode = true
	s.StartPaused = true
	s.DartFlags = "  --trace_isolates   --verbose_gc "

	cfg := NewVMConfig(s, fakeLocator{})
	assert.False(t, cfg.Precompiled)
	assert.True(t, cfg.CheckedMode)
	assert.True(t, cfg.StartPaused)
	assert.Equal(t, 1000, cfg.ProfilePeriod)
	assert.False(t, cfg.Mirrors)
	assert.Equal(t, []string{"--trace_isolates", "--verbose_gc"}, cfg.ExtraFlags)

	aot := NewVMConfig(s, fakeLocator{snapshot.Instructions: []byte{0xc3}})
	assert.True(t, aot.Precompiled)
	assert.False(t, aot.CheckedMode, "checked mode never applies to precompiled code")

	s.EnableDartCheckedMode = false
	assert.Equal(t, strictBuild, NewVMConfig(s, fakeLocator{}).CheckedMode)
}

func TestPrecompiledFollowsInstructions(t *testing.T) {
	loc := fakeLocator{}
	f := newFixture(t, func(o *Options) { o.Locator = loc })
	assert.False(t, f.emb.Precompiled())

	loc[snapshot.Data] = []byte{1}
	assert.False(t, f.emb.Precompiled(), "data segment alone does not mean precompiled")

	loc[snapshot.Instructions] = []byte{1}
	assert.True(t, f.emb.Precompiled())
}

func TestFileModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.wasm")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	before := mtime.Add(-time.Minute).UnixMilli()
	after := mtime.Add(time.Minute).UnixMilli()

	tests := []struct {
		name  string
		url   string
		since int64
		want  bool
	}{
		{"non-file scheme", "http://example.com/lib.wasm", after, true},
		{"dart scheme", "dart:io", after, true},
		{"newer file", "file://" + path, before, true},
		{"older file", "file://" + path, after, false},
		{"single slash form", "file:" + path, after, false},
		{"missing file", "file://" + path + ".missing", after, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileModified(tt.url, tt.since))
		})
	}
}

func TestInitVMInstallsCallbacksInOrder(t *testing.T) {
	start := time.Unix(1700000000, 123000)
	f := newFixture(t, func(o *Options) { o.ProcessStart = start })
	f.init(t)

	order := []string{
		"SetFlags",
		"SetEmbedderTimelineCallbacks",
		"SetFileModifiedCallback",
		"Initialize",
		"TimelineEvent",
		"SetServiceStreamCallbacks",
	}
	if ServiceIsolateSupported {
		order = append(order[:1], append([]string{"SetDebugEventHandler"}, order[1:]...)...)
	}
	prev := -1
	for _, call := range order {
		idx := f.vm.CallIndex(call)
		require.NotEqual(t, -1, idx, "%s was not called", call)
		assert.Greater(t, idx, prev, "%s out of order in %v", call, f.vm.Calls())
		prev = idx
	}

	params := f.vm.Params()
	assert.Equal(t, vmSnapshot, params.VMIsolateSnapshot)
	assert.Nil(t, params.Instructions)
	assert.Nil(t, params.Data)
	assert.Same(t, f.emb, params.Callbacks)
	assert.Nil(t, params.Interrupt)
	assert.Nil(t, params.UnhandledException)
	assert.Nil(t, params.FileIO)
	assert.Nil(t, params.Entropy)
	assert.Equal(t, ServiceIsolateSupported, params.ServiceAssets != nil)

	events := f.vm.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "EngineMainEnter", events[0].Label)
	assert.Equal(t, start.UnixMicro(), events[0].Timestamp0)
	assert.Equal(t, start.UnixMicro(), events[0].Timestamp1OrAsyncID)
	assert.Equal(t, vmapi.TimelineDuration, events[0].Type)

	assert.True(t, f.emb.IO().Bootstrapped())
	assert.NotNil(t, f.vm.FileModified())
}

func TestInitVMWithoutProcessStart(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	assert.Equal(t, -1, f.vm.CallIndex("TimelineEvent"))
}

func TestInitVMPassesAOTPayload(t *testing.T) {
	f := newFixture(t)
	f.locator[snapshot.Instructions] = []byte("instr")
	f.locator[snapshot.Data] = []byte("rodata")
	f.init(t)

	params := f.vm.Params()
	assert.Equal(t, []byte("instr"), params.Instructions)
	assert.Equal(t, []byte("rodata"), params.Data)
	assert.Contains(t, f.vm.Flags(), "--precompilation")
	assert.True(t, f.emb.Config().Precompiled)
}

func TestInitVMTempDirectory(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, func(o *Options) { o.Settings.TempDirectoryPath = dir })
	f.init(t)
	assert.Equal(t, dir, f.emb.IO().TempDir())
}

func TestInitVMTwice(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	err := f.emb.InitVM(context.Background())
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitVMFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("flags rejected", func(t *testing.T) {
		f := newFixture(t)
		f.vm.SetFlagsErr = boom
		err := f.emb.InitVM(context.Background())

		var cv *ContractViolation
		require.ErrorAs(t, err, &cv)
		assert.Equal(t, "SetFlags", cv.Op)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, -1, f.vm.CallIndex("Initialize"), "VM must not come up with rejected flags")
	})

	t.Run("bring-up fails", func(t *testing.T) {
		f := newFixture(t)
		f.vm.InitErr = boom
		err := f.emb.InitVM(context.Background())

		var cv *ContractViolation
		require.ErrorAs(t, err, &cv)
		assert.Equal(t, "Initialize", cv.Op)
		assert.ErrorIs(t, err, ErrContractViolation)
		assert.Equal(t, -1, f.vm.CallIndex("SetServiceStreamCallbacks"))
	})
}

func TestStreamCallbacks(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	io := f.emb.IO()

	assert.True(t, f.vm.StreamListen(natives.StreamStdout))
	assert.True(t, io.Capturing(natives.StreamStdout))

	assert.False(t, f.vm.StreamListen("Unknown"))
	assert.False(t, io.Capturing("Unknown"))
	assert.False(t, io.Capturing(natives.StreamStderr), "unknown stream must not touch stderr")

	assert.True(t, f.vm.StreamListen(natives.StreamStderr))
	assert.True(t, io.Capturing(natives.StreamStderr))
	f.vm.StreamCancel(natives.StreamStderr)
	assert.False(t, io.Capturing(natives.StreamStderr))
	assert.True(t, io.Capturing(natives.StreamStdout))

	f.vm.StreamCancel("Unknown")
}

func TestTracingCallbacks(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	// Unset callbacks are a silent no-op.
	f.vm.StartRecording()
	f.vm.StopRecording()

	var starts, stops atomic.Int32
	f.emb.SetTracingCallbacks(&TracingCallbacks{
		Start: func() { starts.Add(1) },
		Stop:  func() { stops.Add(1) },
	})
	f.vm.StartRecording()
	f.vm.StopRecording()
	f.vm.StopRecording()
	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, int32(2), stops.Load())

	f.emb.SetTracingCallbacks(nil)
	f.vm.StartRecording()
	assert.Equal(t, int32(1), starts.Load())
}

func TestCreateIsolateFromBundle(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	iso, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{
		ScriptURI: "file:///app/bundle",
		Main:      "main",
	})
	require.NoError(t, err)

	fake := iso.(*vmtest.Isolate)
	st, ok := iso.State().(*state.IsolateState)
	require.True(t, ok)

	p, ok := st.ClassLibrary().Provider("ui")
	require.True(t, ok, "ui provider missing")
	assert.Equal(t, natives.UILibrary, p.LibraryURI)
	assert.Same(t, st, p.State)

	assert.True(t, fake.Runnable())
	assert.Equal(t, state.LifecycleRunnable, st.Lifecycle())
	assert.Same(t, iso, st.Isolate())
	assert.Equal(t, blob, fake.Loaded())
	assert.Equal(t, isoSnapshot, fake.Snapshot)
	assert.False(t, fake.Entered(), "isolate must be exited before it is made runnable")
	assert.False(t, fake.Scoped())
	assert.NotNil(t, fake.TagHandler())

	for _, lib := range []string{natives.IOLibrary, natives.UILibrary, natives.InteropLibrary, natives.IsolateLibrary} {
		_, ok := fake.Natives(lib)
		assert.True(t, ok, "%s natives not registered", lib)
	}
	assert.Equal(t, []string{"file:///app/bundle"}, f.client.Created())
}

func TestCreateIsolateEmptySnapshotSkipsLoad(t *testing.T) {
	f := newFixture(t)
	f.bundles.byPath["/app/empty"] = memBundle{bundle.SnapshotKey: {}}
	f.init(t)

	iso, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{ScriptURI: "file:///app/empty"})
	require.NoError(t, err)
	assert.Nil(t, iso.(*vmtest.Isolate).Loaded())
	assert.True(t, iso.(*vmtest.Isolate).Runnable())
}

func TestCreateIsolateBundleErrors(t *testing.T) {
	f := newFixture(t)
	f.bundles.byPath["/app/nosnapshot"] = memBundle{"other.bin": {1}}
	f.init(t)

	tests := []struct {
		name  string
		uri   string
		cause error
	}{
		{"not a file URI", "http://example.com/app", ErrNotFileURI},
		{"bundle missing", "file:///app/missing", os.ErrNotExist},
		{"no snapshot entry", "file:///app/nosnapshot", ErrSnapshotMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{ScriptURI: tt.uri})
			assert.ErrorIs(t, err, ErrContractViolation)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
	assert.Empty(t, f.vm.Isolates(), "no isolate may be created without its snapshot")
}

func TestCreateIsolatePrecompiledSkipsBundle(t *testing.T) {
	f := newFixture(t)
	f.locator[snapshot.Instructions] = []byte("instr")
	f.init(t)

	iso, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{ScriptURI: "main.dart"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.bundles.Opens())
	assert.Nil(t, iso.(*vmtest.Isolate).Loaded())
}

func TestSpawnDerivesChildState(t *testing.T) {
	f := newFixture(t)
	f.bundles.byPath["/app/child"] = memBundle{bundle.SnapshotKey: []byte{1, 2, 3}}
	f.init(t)
	ctx := context.Background()

	parent, err := f.emb.CreateIsolate(ctx, vmapi.IsolateRequest{ScriptURI: "file:///app/bundle"})
	require.NoError(t, err)
	child, err := f.vm.Spawn(ctx, parent, "file:///app/child", "main")
	require.NoError(t, err)

	ps := parent.State().(*state.IsolateState)
	cs := child.State().(*state.IsolateState)
	assert.NotSame(t, ps, cs)
	assert.Same(t, ps.Client(), cs.Client())
	assert.NotSame(t, ps.ClassLibrary(), cs.ClassLibrary())
	assert.Equal(t, []string{"file:///app/bundle", "file:///app/child"}, f.client.Created())
}

func TestCreateIsolateBadParent(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	_, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{
		ScriptURI: "file:///app/bundle",
		Parent:    "not a state",
	})
	assert.ErrorIs(t, err, ErrBadParentState)
}

func TestCreateIsolateVMRejections(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		set    func(vm *vmtest.VM)
		bound  bool
		loaded bool
	}{
		{"create", func(vm *vmtest.VM) { vm.CreateErr = boom }, false, false},
		{"tag handler", func(vm *vmtest.VM) { vm.TagHandlerErr = boom }, true, false},
		{"load", func(vm *vmtest.VM) { vm.LoadErr = boom }, true, false},
		{"make runnable", func(vm *vmtest.VM) { vm.MakeRunnableErr = boom }, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.init(t)
			tt.set(f.vm)

			_, err := f.emb.CreateIsolate(context.Background(), vmapi.IsolateRequest{ScriptURI: "file:///app/bundle"})
			var cv *ContractViolation
			require.ErrorAs(t, err, &cv)
			assert.Equal(t, "CreateIsolate", cv.Op)
			assert.ErrorIs(t, err, boom)

			isolates := f.vm.Isolates()
			if !tt.bound {
				assert.Empty(t, isolates)
				return
			}
			require.Len(t, isolates, 1)
			iso := isolates[0]
			assert.True(t, iso.IsShutdown(), "failed isolate must be torn down")
			st := iso.State().(*state.IsolateState)
			assert.Equal(t, state.LifecycleShutdown, st.Lifecycle())
			assert.Equal(t, tt.loaded, iso.Loaded() != nil)
		})
	}
}

func TestIsolateShutdownReleasesState(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	ctx := context.Background()

	iso, err := f.emb.CreateIsolate(ctx, vmapi.IsolateRequest{ScriptURI: "file:///app/bundle"})
	require.NoError(t, err)
	st := iso.State().(*state.IsolateState)

	require.NoError(t, iso.Shutdown(ctx))
	assert.Equal(t, state.LifecycleShutdown, st.Lifecycle())
	assert.Nil(t, st.Isolate())

	// A repeated or foreign callback is logged, never fatal.
	f.emb.IsolateShutdown(st)
	f.emb.IsolateShutdown(42)
	f.emb.ThreadExit()
}

func TestLibraryTagHandler(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	ctx := context.Background()

	iso, err := f.emb.CreateIsolate(ctx, vmapi.IsolateRequest{ScriptURI: "file:///app/bundle"})
	require.NoError(t, err)
	h := f.emb.LibraryTagHandler

	canon := func(library, url string) string {
		lib, err := h(ctx, iso, vmapi.TagCanonicalizeURL, library, url)
		require.NoError(t, err)
		return lib.URL
	}
	assert.Equal(t, "file:///app/util.wasm", canon("file:///app/bundle", "util.wasm"))
	assert.Equal(t, "file:///lib/x.wasm", canon("file:///app/bundle", "/lib/x.wasm"))
	assert.Equal(t, "dart:io", canon("file:///app/bundle", "dart:io"))
	assert.Equal(t, "dart:ui", canon("file:///app/bundle", "ui"), "class provider names resolve to their library")

	lib, err := h(ctx, iso, vmapi.TagImport, "", "dart:io")
	require.NoError(t, err)
	assert.True(t, lib.Native)

	lib, err = h(ctx, nil, vmapi.TagImport, "", "dart:vmservice_io")
	require.NoError(t, err)
	assert.True(t, lib.Native)

	_, err = h(ctx, iso, vmapi.TagImport, "", "dart:mirrors")
	assert.ErrorIs(t, err, ErrUnknownLibrary)

	lib, err = h(ctx, iso, vmapi.TagImport, "", "file:///app/util.wasm")
	require.NoError(t, err)
	assert.False(t, lib.Native)
	assert.Nil(t, lib.Source, "file sources are fetched with TagSource")

	_, err = h(ctx, iso, vmapi.TagImport, "", "https://example.com/lib.wasm")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	path := filepath.Join(t.TempDir(), "util.wasm")
	require.NoError(t, os.WriteFile(path, []byte("\x00asm"), 0644))
	lib, err = h(ctx, iso, vmapi.TagSource, "util.wasm", "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00asm"), lib.Source)

	_, err = h(ctx, iso, vmapi.TagSource, "gone.wasm", "file://"+path+".gone")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestContractViolationError(t *testing.T) {
	err := error(&ContractViolation{Op: "Initialize", Err: errors.New("no snapshot")})
	assert.Equal(t, "embedder: contract violation in Initialize: no snapshot", err.Error())
	assert.ErrorIs(t, err, ErrContractViolation)
}
