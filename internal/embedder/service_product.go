//go:build product

package embedder

import (
	"context"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// ServiceIsolateSupported reports whether this build bootstraps a service
// isolate.
const ServiceIsolateSupported = false

func serviceAssets() func() []byte { return nil }

func (e *Embedder) initDebugger() {}

// Product builds never create a service isolate.
func (e *Embedder) createServiceIsolate(ctx context.Context, req vmapi.IsolateRequest) (vmapi.Isolate, error) {
	return nil, nil
}
