// Package kmsg reads and annotates the kernel log through /dev/kmsg and extracts the
// part of it that belongs to one test run.
package kmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DevicePath is the character device exposing the kernel log buffer.
const DevicePath = "/dev/kmsg"

// maxRecordSize is large enough for any record the kernel hands out in one read.
const maxRecordSize = 8192

// Stream is the global, append-only kernel log.
type Stream interface {
	// WriteMarker appends marker as a new record.
	WriteMarker(marker string) error
	// Snapshot returns the current contents as dmesg style text.
	Snapshot() ([]byte, error)
}

// Device is a Stream backed by /dev/kmsg. Writing requires CAP_SYSLOG or root,
// reading may be restricted by kernel.dmesg_restrict.
type Device struct {
	Path string
}

// NewDevice returns a Stream for the kernel log of the running system.
func NewDevice() *Device {
	return &Device{Path: DevicePath}
}

// WriteMarker writes marker as one kernel log record.
func (d *Device) WriteMarker(marker string) error {
	fd, err := unix.Open(d.Path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.Path, err)
	}
	defer unix.Close(fd)

	if _, err := unix.Write(fd, []byte(marker+"\n")); err != nil {
		return fmt.Errorf("failed to write marker to %s: %w", d.Path, err)
	}
	return nil
}

// Snapshot reads all records currently held in the kernel buffer.
func (d *Device) Snapshot() ([]byte, error) {
	fd, err := unix.Open(d.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d.Path, err)
	}
	defer unix.Close(fd)

	var out bytes.Buffer
	buf := make([]byte, maxRecordSize)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return out.Bytes(), nil
		case errors.Is(err, unix.EPIPE):
			// record was overwritten while reading, the next read resumes at the
			// oldest record still available
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to read %s: %w", d.Path, err)
		case n == 0:
			return out.Bytes(), nil
		}

		rec, err := ParseRecord(buf[:n])
		if err != nil {
			continue
		}
		rec.WriteTo(&out)
	}
}

// Record is one kernel log entry.
type Record struct {
	Facility int
	Level    int
	Seq      uint64
	// Time since boot
	Timestamp time.Duration
	Message   string
}

// ParseRecord parses a record in /dev/kmsg format:
//
//	prio,seq,usec,flags[,...];message\n[ KEY=value\n]...
func ParseRecord(b []byte) (Record, error) {
	header, body, ok := bytes.Cut(b, []byte{';'})
	if !ok {
		return Record{}, fmt.Errorf("missing header separator in %q", b)
	}

	fields := strings.Split(string(header), ",")
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("short header %q", header)
	}
	prio, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad priority %q: %w", fields[0], err)
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad sequence %q: %w", fields[1], err)
	}
	usec, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", fields[2], err)
	}

	// continuation lines carry device properties
	msg, _, _ := bytes.Cut(body, []byte{'\n'})

	return Record{
		Facility:  prio >> 3,
		Level:     prio & 7,
		Seq:       seq,
		Timestamp: time.Duration(usec) * time.Microsecond,
		Message:   unescape(string(msg)),
	}, nil
}

// WriteTo renders the record the way dmesg does.
func (r Record) WriteTo(w io.Writer) (int64, error) {
	usec := r.Timestamp.Microseconds()
	n, err := fmt.Fprintf(w, "[%5d.%06d] %s\n", usec/1000000, usec%1000000, r.Message)
	return int64(n), err
}

// unescape decodes the \xNN sequences the kernel uses for non printable bytes.
func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
