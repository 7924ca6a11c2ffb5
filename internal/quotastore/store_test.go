// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package quotastore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSerializeIsCommaTerminated(t *testing.T) {
	entries := []Entry{
		{Package: "com.example.a", UID: 10050, GID: 10050, RemainingKiB: 1},
		{Package: "com.example.b", UID: 10051, GID: 10051, RemainingKiB: 0},
	}
	got := Serialize(entries)
	want := "com.example.a 10050 10050 1,com.example.b 10051 10051 0,"
	if got != want {
		t.Errorf("Serialize() = %q, want %q", got, want)
	}
}

func TestParseSkipsMalformedRecords(t *testing.T) {
	entries := Parse("com.example.a 10050 10050 1,garbage,com.example.b 10051 10051 0,")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Package != "com.example.a" || entries[1].Package != "com.example.b" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

// TestSaveLoadRoundTrip exercises the law: serialize, deflate, inflate,
// parse is the identity on the serializable projection of the register
// (package/uid/gid/remaining — QuotaKiB isn't itself round-tripped,
// since the wire format only ever carries one number per entry).
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qtareg")
	store := New(path)

	written := []Entry{
		{Package: "com.example.a", UID: 10050, GID: 10050, RemainingKiB: 1},
		{Package: "com.example.b", UID: 10051, GID: 10051, RemainingKiB: 0},
	}
	if err := store.Save(written); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := store.Load()
	want := []Entry{
		{Package: "com.example.a", UID: 10050, GID: 10050, QuotaKiB: 1},
		{Package: "com.example.b", UID: 10051, GID: 10051, QuotaKiB: 0},
	}
	if !reflect.DeepEqual(loaded, want) {
		t.Errorf("Load() = %+v, want %+v", loaded, want)
	}
}

func TestLoadMissingFileReturnsEmptySet(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "does-not-exist"))
	if got := store.Load(); got != nil {
		t.Errorf("expected nil/empty set for missing file, got %+v", got)
	}
}

func TestLoadCorruptFileReturnsEmptySet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qtareg")
	store := New(path)
	if err := os.WriteFile(path, []byte("not a zlib stream"), 0644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if got := store.Load(); got != nil {
		t.Errorf("expected empty set for corrupt file, got %+v", got)
	}
}
