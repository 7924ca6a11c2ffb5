// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pkglist

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	input := "com.example.a 10050 extra fields ignored\nmalformed-line\ncom.example.b 10051\n\n"
	pkgs := Parse(bufio.NewScanner(strings.NewReader(input)))

	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].Name != "com.example.a" || pkgs[0].UID != 10050 {
		t.Errorf("unexpected first entry: %+v", pkgs[0])
	}
	if pkgs[1].Name != "com.example.b" || pkgs[1].UID != 10051 {
		t.Errorf("unexpected second entry: %+v", pkgs[1])
	}
}

func TestResolveBySubstringMatchesPrefix(t *testing.T) {
	pkgs := []Package{{Name: "com.google.services", UID: 10020}}
	uid, ok := ResolveBySubstring(pkgs, "com.g")
	if !ok || uid != 10020 {
		t.Errorf("expected substring match to succeed with uid 10020, got uid=%d ok=%v", uid, ok)
	}
}

func TestResolveByExactNameRequiresFullMatch(t *testing.T) {
	pkgs := []Package{{Name: "com.google.services", UID: 10020}}
	if _, ok := ResolveByExactName(pkgs, "com.g"); ok {
		t.Error("expected exact match to fail on a partial name")
	}
}

func TestPollUntilPresentSucceedsOnceFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packages.list")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(path, []byte("com.example.a 10050\n"), 0644)
	}()

	pkgs, err := PollUntilPresent(context.Background(), path, 5*time.Millisecond, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 package, got %d", len(pkgs))
	}
}

func TestPollUntilPresentRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PollUntilPresent(ctx, filepath.Join(t.TempDir(), "never.list"), time.Second, 5)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
