//go:build !strict

package embedder

const strictBuild = false
