package snapshot

import (
	"os"
	"plugin"
	"sync"
	"unicode"
	"unicode/utf8"
)

// symbolTable is the part of *plugin.Plugin the library locator uses.
type symbolTable interface {
	Lookup(name string) (plugin.Symbol, error)
}

func openPlugin(path string) (symbolTable, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LibraryLocator searches an optional application library first and falls
// back to the process registry. The library is opened at most once and never
// closed. Every lookup error counts as "not found".
type LibraryLocator struct {
	path     string
	fallback *Registry
	open     func(path string) (symbolTable, error)

	once sync.Once
	lib  symbolTable
}

// NewLibraryLocator creates a locator that searches the library at path.
// An empty path searches the fallback registry only.
func NewLibraryLocator(path string, fallback *Registry) *LibraryLocator {
	return &LibraryLocator{
		path:     path,
		fallback: fallback,
		open:     openPlugin,
	}
}

func (l *LibraryLocator) Lookup(sym Symbol) []byte {
	if sym == "" {
		return nil
	}
	if data := lookupInLibrary(l.library(), sym); data != nil {
		return data
	}
	if l.fallback == nil {
		return nil
	}
	return l.fallback.Lookup(sym)
}

func (l *LibraryLocator) library() symbolTable {
	l.once.Do(func() {
		if l.path == "" {
			return
		}
		if _, err := os.Stat(l.path); err != nil {
			return
		}
		lib, err := l.open(l.path)
		if err != nil {
			return
		}
		l.lib = lib
	})
	return l.lib
}

func lookupInLibrary(lib symbolTable, sym Symbol) []byte {
	if lib == nil {
		return nil
	}
	v, err := lib.Lookup(exportedName(sym))
	if err != nil {
		return nil
	}
	switch v := v.(type) {
	case *[]byte:
		if v == nil || len(*v) == 0 {
			return nil
		}
		return *v
	case func() []byte:
		return v()
	default:
		return nil
	}
}

// exportedName maps a symbol to the identifier a Go plugin exports it under:
// kDataSnapshot becomes KDataSnapshot.
func exportedName(sym Symbol) string {
	s := string(sym)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
