//go:build strict

package embedder

// Strict builds always run in checked mode unless precompiled.
const strictBuild = true
