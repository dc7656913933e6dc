package vmapi

import "context"

// ValueType is the type of a native function parameter or result.
type ValueType int

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
)

// Memory is the linear memory of the calling isolate.
type Memory interface {
	// Read reads size bytes at offset.
	Read(offset, size uint32) ([]byte, bool)
	// Write writes data at offset.
	Write(offset uint32, data []byte) bool
}

// NativeFunc implements a native function. Parameters arrive in stack and
// results are written back to it.
type NativeFunc func(ctx context.Context, iso Isolate, mem Memory, stack []uint64)

// NativeFunction is a single native binding.
type NativeFunction struct {
	Name    string
	Params  []ValueType
	Results []ValueType
	Func    NativeFunc
}

// NativeModule is a set of natives registered under one library name.
type NativeModule struct {
	Name      string
	Functions []NativeFunction
}

// NewNativeModule creates an empty native module.
func NewNativeModule(name string) *NativeModule {
	return &NativeModule{
		Name:      name,
		Functions: make([]NativeFunction, 0),
	}
}

// AddFunction adds a native function to the module.
func (m *NativeModule) AddFunction(name string, params, results []ValueType, fn NativeFunc) *NativeModule {
	m.Functions = append(m.Functions, NativeFunction{
		Name:    name,
		Params:  params,
		Results: results,
		Func:    fn,
	})
	return m
}

// Lookup returns the native function with the given name.
func (m *NativeModule) Lookup(name string) (NativeFunction, bool) {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return NativeFunction{}, false
}
