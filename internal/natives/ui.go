package natives

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

var ErrUINotInitialized = errors.New("natives: dart:ui global bindings not initialized")

// UI is the dart:ui binding. The native table is built once per process by
// InitForGlobal and registered into each isolate by InitForIsolate.
type UI struct {
	once   sync.Once
	module atomic.Pointer[vmapi.NativeModule]

	frames atomic.Int64
}

// InitForGlobal builds the process-wide native table. Only the first call
// has any effect.
func (u *UI) InitForGlobal() {
	u.once.Do(func() {
		m := vmapi.NewNativeModule(UILibrary).
			AddFunction("schedule_frame", nil, nil, u.scheduleFrame).
			AddFunction("frame_count", nil, []vmapi.ValueType{i64}, u.frameCount)
		u.module.Store(m)
	})
}

// InitForIsolate registers the dart:ui natives on iso.
func (u *UI) InitForIsolate(iso vmapi.Isolate) error {
	m := u.module.Load()
	if m == nil {
		return ErrUINotInitialized
	}
	return iso.RegisterNatives(*m)
}

// FrameRequests returns the number of frames scheduled by all isolates.
func (u *UI) FrameRequests() int64 {
	return u.frames.Load()
}

func (u *UI) scheduleFrame(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
	u.frames.Add(1)
}

func (u *UI) frameCount(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
	stack[0] = uint64(u.frames.Load())
}
