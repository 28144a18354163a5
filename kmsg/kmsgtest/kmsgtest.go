// Package kmsgtest provides an in-memory kernel log for tests.
package kmsgtest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Buffer is an in-memory kmsg.Stream. Kernel output is simulated with Printk, or
// with Inject to emit lines right after a marker is written.
type Buffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	clock   time.Duration
	markers []string
	inject  map[string][]string

	// Err, when set, is returned by every operation
	Err error
}

// ErrUnavailable mimics a kernel log that cannot be opened.
var ErrUnavailable = errors.New("kmsgtest: kernel log unavailable")

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{inject: make(map[string][]string)}
}

// Inject arranges for lines to be logged as soon as a marker containing substr
// is written.
func (b *Buffer) Inject(substr string, lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inject[substr] = append(b.inject[substr], lines...)
}

// Printk appends one kernel log line.
func (b *Buffer) Printk(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.printkLocked(line)
}

func (b *Buffer) printkLocked(line string) {
	b.clock += 1500 * time.Microsecond
	usec := b.clock.Microseconds()
	fmt.Fprintf(&b.buf, "[%5d.%06d] %s\n", usec/1000000, usec%1000000, line)
}

// WriteMarker implements kmsg.Stream.
func (b *Buffer) WriteMarker(marker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.markers = append(b.markers, marker)
	b.printkLocked(marker)
	for substr, lines := range b.inject {
		if strings.Contains(marker, substr) {
			for _, l := range lines {
				b.printkLocked(l)
			}
		}
	}
	return nil
}

// Snapshot implements kmsg.Stream.
func (b *Buffer) Snapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	return bytes.Clone(b.buf.Bytes()), nil
}

// Markers returns the markers written so far.
func (b *Buffer) Markers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.markers...)
}
