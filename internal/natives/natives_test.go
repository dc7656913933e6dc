package natives

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/isohost/pkg/vmapi"
	"github.com/javanstorm/isohost/pkg/vmapi/vmtest"
)

type linearMemory []byte

func (m linearMemory) Read(offset, size uint32) ([]byte, bool) {
	if uint64(offset)+uint64(size) > uint64(len(m)) {
		return nil, false
	}
	return m[offset : offset+size], true
}

func (m linearMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m)) {
		return false
	}
	copy(m[offset:], data)
	return true
}

// scopedIsolate returns a fake isolate with an open API scope.
func scopedIsolate(t *testing.T, uri string) *vmtest.Isolate {
	t.Helper()
	vm := vmtest.New()
	require.NoError(t, vm.Initialize(context.Background(), vmapi.InitParams{Callbacks: nopCallbacks{}}))
	iso, err := vm.CreateIsolate(context.Background(), vmapi.CreateParams{ScriptURI: uri})
	require.NoError(t, err)
	require.NoError(t, iso.EnterScope())
	return iso.(*vmtest.Isolate)
}

type nopCallbacks struct{}

func (nopCallbacks) CreateIsolate(context.Context, vmapi.IsolateRequest) (vmapi.Isolate, error) {
	return nil, errors.New("not supported")
}
func (nopCallbacks) IsolateShutdown(any) {}
func (nopCallbacks) ThreadExit()         {}

func call(t *testing.T, m vmapi.NativeModule, name string, iso vmapi.Isolate, mem vmapi.Memory, stack ...uint64) []uint64 {
	t.Helper()
	fn, ok := m.Lookup(name)
	require.True(t, ok, "native %s not registered", name)
	if len(stack) < len(fn.Results) {
		stack = append(stack, make([]uint64, len(fn.Results)-len(stack))...)
	}
	fn.Func(context.Background(), iso, mem, stack)
	return stack
}

func TestIOCapture(t *testing.T) {
	n := NewIO(&bytes.Buffer{}, &bytes.Buffer{})

	assert.True(t, n.SetCapture(StreamStdout, true))
	assert.True(t, n.Capturing(StreamStdout))
	assert.False(t, n.Capturing(StreamStderr))

	assert.False(t, n.SetCapture("Unknown", true))
	assert.False(t, n.Capturing("Unknown"))

	assert.True(t, n.SetCapture(StreamStderr, true))
	assert.True(t, n.SetCapture(StreamStderr, false))
	assert.False(t, n.Capturing(StreamStderr))
}

func TestIOWriteNative(t *testing.T) {
	var stdout, stderr bytes.Buffer
	n := NewIO(&stdout, &stderr)

	var mu sync.Mutex
	captured := map[string]string{}
	n.SetSink(func(id string, data []byte) {
		mu.Lock()
		captured[id] += string(data)
		mu.Unlock()
	})
	n.SetCapture(StreamStdout, true)

	iso := scopedIsolate(t, "file:///io")
	require.NoError(t, n.InitForIsolate(iso))
	m, ok := iso.Natives(IOLibrary)
	require.True(t, ok)

	mem := linearMemory(make([]byte, 64))
	copy(mem[8:], "hello")
	copy(mem[16:], "oops")

	res := call(t, m, "stdout_write", iso, mem, 8, 5)
	assert.Equal(t, uint64(5), res[0])
	res = call(t, m, "stderr_write", iso, mem, 16, 4)
	assert.Equal(t, uint64(4), res[0])
	res = call(t, m, "stdout_write", iso, mem, 60, 10)
	assert.Equal(t, uint64(0), res[0], "out of bounds read writes nothing")
	res = call(t, m, "stdout_write", iso, nil, 0, 1)
	assert.Equal(t, uint64(0), res[0], "no memory writes nothing")

	assert.Equal(t, "hello", stdout.String())
	assert.Equal(t, "oops", stderr.String())
	assert.Equal(t, map[string]string{StreamStdout: "hello"}, captured)
}

func TestIOTempDir(t *testing.T) {
	n := NewIO(nil, nil)
	assert.NotEmpty(t, n.TempDir())
	n.SetSystemTempDirectory("/data/tmp")
	assert.Equal(t, "/data/tmp", n.TempDir())

	assert.False(t, n.Bootstrapped())
	n.Bootstrap()
	n.Bootstrap()
	assert.True(t, n.Bootstrapped())
}

func TestUIRequiresGlobalInit(t *testing.T) {
	var ui UI
	iso := scopedIsolate(t, "file:///ui")
	assert.ErrorIs(t, ui.InitForIsolate(iso), ErrUINotInitialized)

	ui.InitForGlobal()
	ui.InitForGlobal()
	require.NoError(t, ui.InitForIsolate(iso))

	m, ok := iso.Natives(UILibrary)
	require.True(t, ok)
	call(t, m, "schedule_frame", iso, nil)
	call(t, m, "schedule_frame", iso, nil)
	assert.Equal(t, int64(2), ui.FrameRequests())
	assert.Equal(t, uint64(2), call(t, m, "frame_count", iso, nil)[0])
}

func TestUIRegistrationNeedsScope(t *testing.T) {
	var ui UI
	ui.InitForGlobal()
	iso := scopedIsolate(t, "file:///ui")
	iso.ExitScope()
	assert.ErrorIs(t, ui.InitForIsolate(iso), vmapi.ErrNoScope)
}

func TestHandleWatcher(t *testing.T) {
	w := StartHandleWatcher(nil)
	other := StartHandleWatcher(nil)
	defer other.Stop()

	assert.NotZero(t, w.ProducerHandle())
	assert.NotEqual(t, w.ProducerHandle(), other.ProducerHandle())

	got := make(chan uint32, 1)
	require.NoError(t, w.Signal(42, func(h uint32) { got <- h }))
	select {
	case h := <-got:
		assert.Equal(t, uint32(42), h)
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not delivered")
	}

	w.Stop()
	w.Stop()
	assert.ErrorIs(t, w.Signal(1, func(uint32) {}), ErrWatcherStopped)
}

func TestInteropProducerHandle(t *testing.T) {
	var interop Interop
	w := StartHandleWatcher(nil)
	defer w.Stop()
	interop.SetHandleWatcherProducerHandle(w.ProducerHandle())

	iso := scopedIsolate(t, "file:///interop")
	require.NoError(t, interop.InitForIsolate(iso))
	m, ok := iso.Natives(InteropLibrary)
	require.True(t, ok)
	assert.Equal(t, uint64(w.ProducerHandle()), call(t, m, "handle_watcher_producer", iso, nil)[0])
}

type recordingSpawner struct {
	parent vmapi.Isolate
	uri    string
	err    error
}

func (s *recordingSpawner) Spawn(ctx context.Context, parent vmapi.Isolate, scriptURI, main string) (vmapi.Isolate, error) {
	s.parent, s.uri = parent, scriptURI
	return nil, s.err
}

func TestRuntimeHooks(t *testing.T) {
	spawner := &recordingSpawner{}
	hooks := &RuntimeHooks{Spawner: spawner}

	iso := scopedIsolate(t, "file:///app/main")
	require.NoError(t, hooks.Install(iso, "file:///app/main"))
	m, ok := iso.Natives(IsolateLibrary)
	require.True(t, ok)

	mem := linearMemory(make([]byte, 128))
	assert.Equal(t, uint64(len("file:///app/main")), call(t, m, "script_uri_length", iso, mem)[0])
	assert.Equal(t, uint64(1), call(t, m, "script_uri", iso, mem, 32)[0])
	assert.Equal(t, "file:///app/main", string(mem[32:48]))

	copy(mem[96:], "file:///app/worker")
	assert.Equal(t, uint64(1), call(t, m, "spawn_uri", iso, mem, 96, 18)[0])
	assert.Equal(t, "file:///app/worker", spawner.uri)
	assert.Same(t, iso, spawner.parent)

	spawner.err = errors.New("boom")
	assert.Equal(t, uint64(0), call(t, m, "spawn_uri", iso, mem, 96, 18)[0])
}

func TestRuntimeHooksServiceContext(t *testing.T) {
	hooks := &RuntimeHooks{}
	iso := scopedIsolate(t, vmapi.ServiceIsolateName)
	require.NoError(t, hooks.Install(iso, ""))
	m, _ := iso.Natives(IsolateLibrary)

	assert.Equal(t, uint64(0), call(t, m, "script_uri_length", iso, nil)[0])
	assert.Equal(t, uint64(0), call(t, m, "spawn_uri", iso, linearMemory(make([]byte, 8)), 0, 4)[0], "no spawner installed")
}

func TestJNI(t *testing.T) {
	var jni JNI
	jni.InitForGlobal()
	assert.True(t, jni.Initialized())

	iso := scopedIsolate(t, "file:///jni")
	require.NoError(t, jni.InitForIsolate(iso))
	m, ok := iso.Natives(JNILibrary)
	require.True(t, ok)
	assert.Equal(t, uint64(JNIVersion), call(t, m, "version", iso, nil)[0])

	jni.ThreadExit()
	assert.Equal(t, int64(1), jni.ThreadExits())
}

func TestIOWriter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	n := NewIO(&stdout, &stderr)
	var captured []string
	n.SetSink(func(id string, data []byte) { captured = append(captured, id+":"+string(data)) })
	n.SetCapture(StreamStderr, true)

	_, err := n.Writer(StreamStdout).Write([]byte("out"))
	require.NoError(t, err)
	_, err = n.Writer(StreamStderr).Write([]byte("err"))
	require.NoError(t, err)

	assert.Equal(t, "out", stdout.String())
	assert.Equal(t, "err", stderr.String())
	assert.Equal(t, []string{"Stderr:err"}, captured)
}
