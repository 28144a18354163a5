package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Run is a single execution of a test binary, optionally against one device.
type Run struct {
	// Test is the name of the test executable, relative to the test directory
	Test string
	// Device is passed as the only argument to the test (empty for none)
	Device string
}

// TestString returns the human readable form used in console output and summaries.
func (r Run) TestString() string {
	if r.Device == "" {
		return r.Test
	}
	return r.Test + " " + r.Device
}

// Marker returns the string written to the kernel log right before the run starts.
// The invocation ID keeps markers of different harness invocations apart.
func (r Run) Marker(invocationID string) string {
	return fmt.Sprintf("kharness[%s]: Running test %s:", invocationID, r.TestString())
}

// baseKey returns the readable, not necessarily unique, artifact name of the run.
func (r Run) baseKey() string {
	key := normalizePath(r.Test)
	if r.Device != "" {
		key += "." + normalizePath(strings.TrimLeft(filepath.ToSlash(r.Device), "/"))
	}
	return key
}

func normalizePath(s string) string {
	return strings.ReplaceAll(filepath.ToSlash(s), "/", "_")
}

// KeyRegistry hands out run keys for one harness invocation. Keys are used as
// artifact base names, so two runs must never share one.
type KeyRegistry struct {
	used map[string]struct{}
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{used: make(map[string]struct{})}
}

// Key returns a key for run that no previous call returned.
func (k *KeyRegistry) Key(run Run) string {
	base := run.baseKey()
	key := base
	for n := 2; ; n++ {
		if _, ok := k.used[key]; !ok {
			break
		}
		key = fmt.Sprintf("%s~%d", base, n)
	}
	k.used[key] = struct{}{}
	return key
}
