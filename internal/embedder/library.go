package embedder

import (
	"context"
	"fmt"
	neturl "net/url"
	"os"
	"slices"
	"strings"

	"github.com/javanstorm/isohost/internal/diagnostics"
	"github.com/javanstorm/isohost/internal/natives"
	"github.com/javanstorm/isohost/internal/state"
	"github.com/javanstorm/isohost/pkg/vmapi"
)

// builtinLibraries are served by natives in every isolate.
var builtinLibraries = []string{
	natives.IOLibrary,
	natives.UILibrary,
	natives.InteropLibrary,
	natives.IsolateLibrary,
	diagnostics.ServiceLibrary,
}

// LibraryTagHandler resolves load requests for every isolate. dart:
// libraries are native; file: libraries are read from disk.
func (e *Embedder) LibraryTagHandler(ctx context.Context, iso vmapi.Isolate, tag vmapi.LibraryTag, library, url string) (vmapi.Library, error) {
	switch tag {
	case vmapi.TagCanonicalizeURL:
		return vmapi.Library{URL: e.canonicalize(iso, library, url)}, nil
	case vmapi.TagImport:
		return e.resolveImport(iso, url)
	case vmapi.TagScript, vmapi.TagSource:
		data, err := readFileURL(url)
		if err != nil {
			return vmapi.Library{}, err
		}
		return vmapi.Library{URL: url, Source: data}, nil
	default:
		return vmapi.Library{}, fmt.Errorf("%w: %v", ErrUnsupportedLoadKind, tag)
	}
}

// canonicalize maps class provider names to their library and resolves
// relative URLs against the importing library.
func (e *Embedder) canonicalize(iso vmapi.Isolate, library, url string) string {
	if strings.HasPrefix(url, "dart:") {
		return url
	}
	if st := stateOf(iso); st != nil && !strings.ContainsAny(url, ":/") {
		if p, ok := st.ClassLibrary().Provider(url); ok {
			return p.LibraryURI
		}
	}
	base, err := neturl.Parse(library)
	if err != nil {
		return url
	}
	ref, err := neturl.Parse(url)
	if err != nil {
		return url
	}
	return base.ResolveReference(ref).String()
}

func (e *Embedder) resolveImport(iso vmapi.Isolate, url string) (vmapi.Library, error) {
	switch {
	case strings.HasPrefix(url, "dart:"):
		if e.isNativeLibrary(iso, url) {
			return vmapi.Library{URL: url, Native: true}, nil
		}
		return vmapi.Library{}, fmt.Errorf("%w: %s", ErrUnknownLibrary, url)
	case strings.HasPrefix(url, "file:"):
		// Source is fetched later with TagSource so the VM can cache it.
		return vmapi.Library{URL: url}, nil
	default:
		return vmapi.Library{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, url)
	}
}

func (e *Embedder) isNativeLibrary(iso vmapi.Isolate, url string) bool {
	if slices.Contains(builtinLibraries, url) || slices.Contains(e.platform.libraries(), url) {
		return true
	}
	if st := stateOf(iso); st != nil {
		_, ok := st.ClassLibrary().ResolveURI(url)
		return ok
	}
	return false
}

func stateOf(iso vmapi.Isolate) *state.IsolateState {
	if iso == nil {
		return nil
	}
	st, _ := iso.State().(*state.IsolateState)
	return st
}

func readFileURL(url string) ([]byte, error) {
	path, ok := strings.CutPrefix(url, fileURIPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, url)
	}
	return os.ReadFile(path)
}
