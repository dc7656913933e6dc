// Package timing measures host startup phases. The same start time is
// reported to the VM timeline, so both views line up.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase is a named span between two marks.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a Timer starting now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Start returns the time the timer was created.
func (t *Timer) Start() time.Time {
	return t.start
}

// Mark ends a phase named name. Its duration runs from the previous mark,
// or from the start for the first one.
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the time elapsed since the timer was created.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns the recorded phases in order.
func (t *Timer) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// Report writes a timing table to w.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Startup Timing ===")
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "======================")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
