// Package diagnostics implements the debugger bookkeeping and the
// diagnostic server started inside the service isolate.
package diagnostics

import (
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// resumer is implemented by isolates that can be held at their start.
type resumer interface {
	Resume()
}

// Debugger tracks isolate debug state reported by the VM. It must be
// installed before the VM is initialized so no event is missed.
type Debugger struct {
	log *zap.Logger

	mu        sync.Mutex
	isolates  map[string]vmapi.Isolate
	paused    map[string]bool
	listeners []func(vmapi.DebugEvent)
}

// InitDebugger installs the debugger as vm's debug event handler.
func InitDebugger(vm vmapi.VM, log *zap.Logger) *Debugger {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Debugger{
		log:      log,
		isolates: make(map[string]vmapi.Isolate),
		paused:   make(map[string]bool),
	}
	vm.SetDebugEventHandler(d.handle)
	return d
}

// Track makes iso resumable by its script URI.
func (d *Debugger) Track(iso vmapi.Isolate) {
	d.mu.Lock()
	d.isolates[iso.URI()] = iso
	d.mu.Unlock()
}

// Subscribe registers fn to receive every debug event.
func (d *Debugger) Subscribe(fn func(vmapi.DebugEvent)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Debugger) handle(ev vmapi.DebugEvent) {
	d.mu.Lock()
	switch ev.Kind {
	case vmapi.DebugPauseStart:
		d.paused[ev.ScriptURI] = true
	case vmapi.DebugResume:
		delete(d.paused, ev.ScriptURI)
	case vmapi.DebugIsolateExit:
		delete(d.paused, ev.ScriptURI)
		delete(d.isolates, ev.ScriptURI)
	}
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	if ev.Err != nil {
		d.log.Warn("debug event", zap.Stringer("kind", ev.Kind), zap.String("uri", ev.ScriptURI), zap.Error(ev.Err))
	} else {
		d.log.Debug("debug event", zap.Stringer("kind", ev.Kind), zap.String("uri", ev.ScriptURI))
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Paused returns the URIs of isolates held at their start, sorted.
func (d *Debugger) Paused() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	uris := make([]string, 0, len(d.paused))
	for uri := range d.paused {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Resume releases the paused isolate with the given URI. It reports false
// when the isolate is not paused or cannot be resumed.
func (d *Debugger) Resume(uri string) bool {
	d.mu.Lock()
	iso, tracked := d.isolates[uri]
	paused := d.paused[uri]
	d.mu.Unlock()
	if !tracked || !paused {
		return false
	}
	r, ok := iso.(resumer)
	if !ok {
		return false
	}
	r.Resume()
	return true
}
