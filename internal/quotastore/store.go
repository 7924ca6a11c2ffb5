// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package quotastore persists the registered-quota set to a single
// zlib-deflated file. It is deliberately dumb: Save overwrites in full,
// Load never returns an error to its caller — any corruption just means
// the device re-learns its state from the control server.
package quotastore

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is where the register is persisted on-device.
const DefaultPath = "/data/system/qtareg"

// Entry is one registered package, the unit both QuotaStore and the
// policy engine operate on.
//
// QuotaKiB and RemainingKiB used to be a single overloaded field in the
// source: written as the install-time quota at registration time, then
// silently repurposed to mean remaining bytes>>10 once the sampler
// started ticking. The wire format still carries one number per entry
// (for backward compatibility with existing qtareg files) — Save always
// writes RemainingKiB, and Load adopts whatever it reads as the new
// QuotaKiB, intentionally preserving that behavior rather than fixing it.
type Entry struct {
	Package      string
	UID          uint32
	GID          uint32
	QuotaKiB     uint64
	RemainingKiB uint64
}

// Store reads and writes the register at Path.
type Store struct {
	Path string
}

// New returns a Store at path, or DefaultPath if path is empty.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{Path: path}
}

// Serialize renders entries into the wire format: comma-terminated
// (including the last entry), fields space-separated, no escaping.
func Serialize(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %d %d %d,", e.Package, e.UID, e.GID, e.RemainingKiB)
	}
	return b.String()
}

// Parse parses the wire format back into entries, skipping any
// malformed record rather than failing the whole parse. The loaded
// number becomes QuotaKiB, per the Entry doc comment above.
func Parse(wire string) []Entry {
	var out []Entry
	for _, rec := range strings.Split(wire, ",") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		fields := strings.Fields(rec)
		if len(fields) != 4 {
			continue
		}
		uid, err1 := strconv.ParseUint(fields[1], 10, 32)
		gid, err2 := strconv.ParseUint(fields[2], 10, 32)
		quota, err3 := strconv.ParseUint(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, Entry{
			Package:  fields[0],
			UID:      uint32(uid),
			GID:      uint32(gid),
			QuotaKiB: quota,
		})
	}
	return out
}

// Save serializes entries, deflates at best compression, and overwrites
// Path in place. Writes are not made atomic via a temp-file rename: a
// torn last write is accepted as a risk bounded by the sampler period.
func (s *Store) Save(entries []Entry) error {
	wire := Serialize(entries)

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return fmt.Errorf("quotastore: new zlib writer: %w", err)
	}
	if _, err := io.WriteString(w, wire); err != nil {
		w.Close()
		return fmt.Errorf("quotastore: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("quotastore: close zlib writer: %w", err)
	}

	return os.WriteFile(s.Path, buf.Bytes(), 0644)
}

// Load reads and inflates Path. Any error — missing file, truncated
// blob, unparseable wire format — returns an empty set rather than an
// error, since the device is allowed to re-learn state from the server.
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer r.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, bufio.NewReader(r)); err != nil {
		return nil
	}

	return Parse(out.String())
}
