//go:build android

package embedder

import (
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// platform is the Java interop bridge.
type platform struct {
	jni natives.JNI
}

func (p *platform) initGlobal() {
	p.jni.InitForGlobal()
}

func (p *platform) initIsolate(iso vmapi.Isolate, st *state.IsolateState) error {
	if err := p.jni.InitForIsolate(iso); err != nil {
		return err
	}
	return st.ClassLibrary().AddProvider("jni", natives.JNILibrary)
}

func (p *platform) threadExit() {
	p.jni.ThreadExit()
}

func (p *platform) libraries() []string {
	return []string{natives.JNILibrary}
}
