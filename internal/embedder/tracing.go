package embedder

// TracingCallbacks are invoked by the VM timeline when recording starts and
// stops. Application code never calls them directly.
type TracingCallbacks struct {
	Start func()
	Stop  func()
}

// SetTracingCallbacks installs the tracing pair. Nil removes it.
func (e *Embedder) SetTracingCallbacks(cb *TracingCallbacks) {
	e.tracing.Store(cb)
}

func (e *Embedder) timelineStartRecording() {
	if cb := e.tracing.Load(); cb != nil && cb.Start != nil {
		cb.Start()
	}
}

func (e *Embedder) timelineStopRecording() {
	if cb := e.tracing.Load(); cb != nil && cb.Stop != nil {
		cb.Stop()
	}
}
