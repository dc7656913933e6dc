//go:build !android

package embedder

import (
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// platform has no interop bridge outside Android.
type platform struct{}

func (p *platform) initGlobal()                                          {}
func (p *platform) initIsolate(vmapi.Isolate, *state.IsolateState) error { return nil }
func (p *platform) threadExit()                                          {}
func (p *platform) libraries() []string                                  { return nil }
