package natives

import (
	"context"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

const IsolateLibrary = "dart:isolate"

// Spawner is the isolate-spawn primitive of the VM.
type Spawner interface {
	Spawn(ctx context.Context, parent vmapi.Isolate, scriptURI, main string) (vmapi.Isolate, error)
}

// RuntimeHooks installs the dart:isolate natives: the isolate's script URI
// and the spawn primitive.
type RuntimeHooks struct {
	Spawner Spawner
	Log     *zap.Logger
}

// Install registers the hooks on iso. scriptURI is the URI context reported
// to the isolate; the service isolate gets an empty one.
func (h *RuntimeHooks) Install(iso vmapi.Isolate, scriptURI string) error {
	uri := []byte(scriptURI)
	m := vmapi.NewNativeModule(IsolateLibrary).
		AddFunction("script_uri_length", nil, []vmapi.ValueType{i32},
			func(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
				stack[0] = uint64(len(uri))
			}).
		// (ptr) -> ok
		AddFunction("script_uri", []vmapi.ValueType{i32}, []vmapi.ValueType{i32},
			func(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
				ptr := uint32(stack[0])
				stack[0] = 0
				if mem != nil && mem.Write(ptr, uri) {
					stack[0] = 1
				}
			}).
		// (ptr, len) -> ok
		AddFunction("spawn_uri", []vmapi.ValueType{i32, i32}, []vmapi.ValueType{i32}, h.spawnURI)
	return iso.RegisterNatives(*m)
}

func (h *RuntimeHooks) spawnURI(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
	ptr, size := uint32(stack[0]), uint32(stack[1])
	stack[0] = 0
	if mem == nil || h.Spawner == nil {
		return
	}
	target, ok := mem.Read(ptr, size)
	if !ok {
		return
	}
	if _, err := h.Spawner.Spawn(ctx, iso, string(target), "main"); err != nil {
		if h.Log != nil {
			h.Log.Warn("spawn failed", zap.String("parent", iso.URI()), zap.ByteString("uri", target), zap.Error(err))
		}
		return
	}
	stack[0] = 1
}
