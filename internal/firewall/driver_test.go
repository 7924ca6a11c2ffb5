// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datawind/qtad/internal/testutil"
)

// fakeBinary writes a shell script standing in for iptables/ip6tables:
// it appends its argv to a log file and exits with the given code.
func fakeBinary(t *testing.T, dir, name string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"$@\" >> " + filepath.Join(dir, name+".log") + "\nexit " + itoaForTest(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestBothOrsExitCodes(t *testing.T) {
	dir := t.TempDir()
	ipv4 := fakeBinary(t, dir, "iptables", 0)
	ipv6 := fakeBinary(t, dir, "ip6tables", 1)

	d := NewDriver(ipv4, ipv6, nil)
	if got := d.Both("-N", "p30_1000"); got != 1 {
		t.Errorf("expected OR'd exit code 1, got %d", got)
	}
}

func TestAppendToChainMirrorsArgvOnBothFamilies(t *testing.T) {
	dir := t.TempDir()
	ipv4 := fakeBinary(t, dir, "iptables", 0)
	ipv6 := fakeBinary(t, dir, "ip6tables", 0)

	d := NewDriver(ipv4, ipv6, nil)
	if got := d.AppendToChain("p30dw", "-m", "owner", "--uid-owner", "1000", "-j", "p30_1000"); got != 0 {
		t.Fatalf("expected success, got %d", got)
	}

	for _, log := range []string{ipv4 + ".log", ipv6 + ".log"} {
		data, err := os.ReadFile(log)
		if err != nil {
			t.Fatalf("read %s: %v", log, err)
		}
		if !strings.Contains(string(data), "-A p30dw -m owner --uid-owner 1000 -j p30_1000") {
			t.Errorf("log %s missing expected argv, got %q", log, data)
		}
	}
}

func TestInsertAtHeadUsesPosition1(t *testing.T) {
	dir := t.TempDir()
	ipv4 := fakeBinary(t, dir, "iptables", 0)
	ipv6 := fakeBinary(t, dir, "ip6tables", 0)

	d := NewDriver(ipv4, ipv6, nil)
	d.InsertAtHead("p30dw", 1, "-j", "ACCEPT")

	data, _ := os.ReadFile(ipv4 + ".log")
	if !strings.Contains(string(data), "-I p30dw 1 -j ACCEPT") {
		t.Errorf("expected insert-at-head argv, got %q", data)
	}
}

// TestDriverAgainstRealIptables exercises NewChain/DeleteChain against
// the real iptables binary instead of the fake-binary stand-in above:
// the fake script can't catch an argv ordering that the real kernel
// netfilter CLI would reject outright. Needs root and a kernel with
// the standard iptables chain machinery, so it only runs under
// QTAD_VM_TEST.
func TestDriverAgainstRealIptables(t *testing.T) {
	testutil.RequireVM(t)

	ipv4, err := exec.LookPath("iptables")
	if err != nil {
		t.Skipf("iptables not available: %v", err)
	}
	ipv6, err := exec.LookPath("ip6tables")
	if err != nil {
		t.Skipf("ip6tables not available: %v", err)
	}

	const chain = "qtad_vm_test_chain"
	d := NewDriver(ipv4, ipv6, nil)

	if rc := d.NewChain(chain); rc != 0 {
		t.Fatalf("NewChain(%q) = %d, want 0", chain, rc)
	}
	t.Cleanup(func() {
		d.FlushChain(chain)
		d.DeleteChain(chain)
	})

	out, err := exec.Command(ipv4, "-nL", chain).CombinedOutput()
	if err != nil {
		t.Fatalf("iptables -nL %s failed: %v (%s)", chain, err, out)
	}
}
