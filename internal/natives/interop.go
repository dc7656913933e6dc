package natives

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

const InteropLibrary = "dart:interop"

var ErrWatcherStopped = errors.New("natives: handle watcher stopped")

// producerSeq hands out producer handles; zero means "no watcher".
var producerSeq atomic.Uint32

type watchRequest struct {
	handle uint32
	fn     func(handle uint32)
}

// HandleWatcher is the process-wide inter-isolate handle watcher. Isolates
// reach it through its producer handle; signalled handles are delivered on
// the watcher's own goroutine.
type HandleWatcher struct {
	log      *zap.Logger
	producer uint32

	requests chan watchRequest
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartHandleWatcher starts the watcher goroutine.
func StartHandleWatcher(log *zap.Logger) *HandleWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &HandleWatcher{
		log:      log,
		producer: producerSeq.Add(1),
		requests: make(chan watchRequest, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *HandleWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			req.fn(req.handle)
		case <-w.stop:
			return
		}
	}
}

// ProducerHandle identifies the watcher to the interop layer.
func (w *HandleWatcher) ProducerHandle() uint32 {
	return w.producer
}

// Signal queues fn to run on the watcher goroutine for handle.
func (w *HandleWatcher) Signal(handle uint32, fn func(handle uint32)) error {
	select {
	case <-w.stop:
		return ErrWatcherStopped
	default:
	}
	select {
	case w.requests <- watchRequest{handle: handle, fn: fn}:
		return nil
	case <-w.stop:
		return ErrWatcherStopped
	}
}

// Stop terminates the watcher and waits for its goroutine.
func (w *HandleWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	w.log.Debug("handle watcher stopped", zap.Uint32("producer", w.producer))
}

// Interop is the dart:interop binding. It exposes the handle watcher's
// producer handle to isolates.
type Interop struct {
	producer atomic.Uint32
}

// SetHandleWatcherProducerHandle hands the watcher to the interop layer.
func (n *Interop) SetHandleWatcherProducerHandle(h uint32) {
	n.producer.Store(h)
}

// ProducerHandle returns the watcher handle, zero when none was set.
func (n *Interop) ProducerHandle() uint32 {
	return n.producer.Load()
}

// InitForIsolate registers the dart:interop natives on iso.
func (n *Interop) InitForIsolate(iso vmapi.Isolate) error {
	m := vmapi.NewNativeModule(InteropLibrary).
		AddFunction("handle_watcher_producer", nil, []vmapi.ValueType{i32},
			func(ctx context.Context, iso vmapi.Isolate, mem vmapi.Memory, stack []uint64) {
				stack[0] = uint64(n.producer.Load())
			})
	return iso.RegisterNatives(*m)
}
