package natives

import (
	"context"
	"sync/atomic"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

const JNILibrary = "dart:jni"

// JNIVersion is the JNI version reported to isolates (JNI_VERSION_1_6).
const JNIVersion = 0x00010006

// JNI is the Java-interop bridge. Only Android builds install it.
type JNI struct {
	initialized atomic.Bool
	threadExits atomic.Int64
}

// InitForGlobal prepares the bridge once per process.
func (j *JNI) InitForGlobal() {
	j.initialized.Store(true)
}

// InitForIsolate registers the dart:jni natives on iso.
func (j *JNI) InitForIsolate(iso vmapi.Isolate) error {
	m := vmapi.NewNativeModule(JNILibrary).
		AddFunction("version", nil, []vmapi.ValueType{i32},
			func(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
				stack[0] = JNIVersion
			})
	return iso.RegisterNatives(*m)
}

// ThreadExit detaches the exiting VM thread from the Java VM.
func (j *JNI) ThreadExit() {
	j.threadExits.Add(1)
}

// ThreadExits returns the number of detached threads.
func (j *JNI) ThreadExits() int64 {
	return j.threadExits.Load()
}

// Initialized reports whether InitForGlobal ran.
func (j *JNI) Initialized() bool {
	return j.initialized.Load()
}
