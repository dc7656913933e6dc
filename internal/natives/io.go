// Package natives provides the native binding subsystems registered into
// every isolate: dart:io, dart:ui, dart:interop, dart:isolate and, on
// Android, dart:jni.
package natives

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// Well-known service stream identifiers.
const (
	StreamStdout = "Stdout"
	StreamStderr = "Stderr"
)

const (
	IOLibrary = "dart:io"
	UILibrary = "dart:ui"
)

var (
	i32 = vmapi.ValueTypeI32
	i64 = vmapi.ValueTypeI64
)

// Sink receives output written while its stream is captured.
type Sink func(streamID string, data []byte)

// IO is the dart:io binding: process output plus the stdout/stderr capture
// switches toggled by the service protocol.
type IO struct {
	stdout io.Writer
	stderr io.Writer

	captureStdout atomic.Bool
	captureStderr atomic.Bool
	bootstrapped  atomic.Bool

	mu      sync.Mutex
	tempDir string
	sink    Sink
}

// NewIO creates the binding over the given writers.
func NewIO(stdout, stderr io.Writer) *IO {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &IO{stdout: stdout, stderr: stderr}
}

// Bootstrap prepares the OS integration. Later calls are no-ops.
func (n *IO) Bootstrap() {
	n.bootstrapped.Store(true)
}

// Bootstrapped reports whether Bootstrap ran.
func (n *IO) Bootstrapped() bool {
	return n.bootstrapped.Load()
}

// SetSystemTempDirectory overrides the temp directory reported to isolates.
func (n *IO) SetSystemTempDirectory(dir string) {
	n.mu.Lock()
	n.tempDir = dir
	n.mu.Unlock()
}

// TempDir returns the temp directory override or the OS default.
func (n *IO) TempDir() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tempDir != "" {
		return n.tempDir
	}
	return os.TempDir()
}

// SetSink sets where captured output is forwarded.
func (n *IO) SetSink(fn Sink) {
	n.mu.Lock()
	n.sink = fn
	n.mu.Unlock()
}

func (n *IO) capture(streamID string) *atomic.Bool {
	switch streamID {
	case StreamStdout:
		return &n.captureStdout
	case StreamStderr:
		return &n.captureStderr
	default:
		return nil
	}
}

// SetCapture toggles capture for a well-known stream. It reports false for
// any other stream identifier and changes nothing.
func (n *IO) SetCapture(streamID string, on bool) bool {
	c := n.capture(streamID)
	if c == nil {
		return false
	}
	c.Store(on)
	return true
}

// Capturing reports whether streamID is being captured.
func (n *IO) Capturing(streamID string) bool {
	c := n.capture(streamID)
	return c != nil && c.Load()
}

// Write sends data to the stream's writer and, while captured, to the sink.
func (n *IO) Write(streamID string, data []byte) (int, error) {
	w := n.stdout
	if streamID == StreamStderr {
		w = n.stderr
	}
	if n.Capturing(streamID) {
		n.mu.Lock()
		sink := n.sink
		n.mu.Unlock()
		if sink != nil {
			sink(streamID, append([]byte(nil), data...))
		}
	}
	return w.Write(data)
}

// InitForIsolate registers the dart:io natives on iso.
func (n *IO) InitForIsolate(iso vmapi.Isolate) error {
	m := vmapi.NewNativeModule(IOLibrary).
		AddFunction("stdout_write", []vmapi.ValueType{i32, i32}, []vmapi.ValueType{i32}, n.writeNative(StreamStdout)).
		AddFunction("stderr_write", []vmapi.ValueType{i32, i32}, []vmapi.ValueType{i32}, n.writeNative(StreamStderr))
	return iso.RegisterNatives(*m)
}

// writeNative implements (ptr, len) -> written.
func (n *IO) writeNative(streamID string) vmapi.NativeFunc {
	return func(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
		ptr, size := uint32(stack[0]), uint32(stack[1])
		stack[0] = 0
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, size)
		if !ok {
			return
		}
		written, _ := n.Write(streamID, data)
		stack[0] = uint64(written)
	}
}

// Writer returns an io.Writer that writes to streamID through Write.
func (n *IO) Writer(streamID string) io.Writer {
	return streamWriter{io: n, stream: streamID}
}

type streamWriter struct {
	io     *IO
	stream string
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.io.Write(w.stream, p)
}
