// Package snapshot locates the VM snapshot blobs and AOT payload segments.
//
// Four blobs are known by name: the VM-isolate snapshot, the isolate
// snapshot, the AOT instructions and the AOT read-only data. Where they come
// from depends on how the host was built, so the strategy is picked once at
// startup (see NewLocator) instead of at every lookup.
package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Symbol names a snapshot blob.
type Symbol string

const (
	VMIsolateSnapshot Symbol = "kDartVmIsolateSnapshotBuffer"
	IsolateSnapshot   Symbol = "kDartIsolateSnapshotBuffer"
	Instructions      Symbol = "kInstructionsSnapshot"
	Data              Symbol = "kDataSnapshot"
)

// Symbols lists every known symbol in table order.
var Symbols = []Symbol{VMIsolateSnapshot, IsolateSnapshot, Instructions, Data}

// Locator resolves a symbol to its memory region. A nil result means the
// blob is unavailable; it is never an error.
type Locator interface {
	Lookup(sym Symbol) []byte
}

// Mode selects the lookup strategy.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeLibrary Mode = "library"
	ModeAssets  Mode = "assets"
)

// Config carries the inputs the strategies need.
type Config struct {
	// LibraryPath is the optional application library searched by ModeLibrary.
	LibraryPath string
	// AOTSnapshotPath is the directory holding the asset files for ModeAssets.
	AOTSnapshotPath string
}

var ErrUnknownMode = errors.New("snapshot: unknown locator mode")

// NewLocator returns the locator for mode.
func NewLocator(mode Mode, cfg Config) (Locator, error) {
	switch mode {
	case ModeStatic, "":
		return NewStaticLocator(Default), nil
	case ModeLibrary:
		return NewLibraryLocator(cfg.LibraryPath, Default), nil
	case ModeAssets:
		l, err := NewAssetLocator(cfg.AOTSnapshotPath)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// IsRunningPrecompiled reports whether the AOT instructions segment is
// available. It is derived on every call, never stored.
func IsRunningPrecompiled(l Locator) bool {
	return l.Lookup(Instructions) != nil
}

// Fingerprint returns a short content hash of a blob, for diagnostics.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
