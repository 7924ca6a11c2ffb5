// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datawind/qtad/internal/config"
	"github.com/datawind/qtad/internal/control"
	"github.com/datawind/qtad/internal/firewall"
	"github.com/datawind/qtad/internal/identity"
	"github.com/datawind/qtad/internal/logging"
	"github.com/datawind/qtad/internal/quotastore"
)

// fakeBinary stands in for iptables/ip6tables: "-nL OUTPUT" reports the
// precondition chain present, anything else is appended to a log file.
func fakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"-nL\" ]; then\n" +
		"  echo 'Chain OUTPUT (policy ACCEPT)'\n" +
		"  echo 'p30dw      all  --  0.0.0.0/0            0.0.0.0/0'\n" +
		"  exit 0\n" +
		"fi\n" +
		"echo \"$@\" >> " + filepath.Join(dir, name+".log") + "\n" +
		"exit 0\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

type testRig struct {
	engine  *Engine
	dir     string
	ipv4Log string
	ipv6Log string
	server  *httptest.Server
	headers http.Header
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	ipv4 := fakeBinary(t, dir, "iptables")
	ipv6 := fakeBinary(t, dir, "ip6tables")
	logger := logging.Default().WithComponent("test")
	fw := firewall.NewDriver(ipv4, ipv6, logger)

	rig := &testRig{dir: dir, ipv4Log: ipv4 + ".log", ipv6Log: ipv6 + ".log"}
	rig.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range rig.headers {
			w.Header()[k] = v
		}
		w.WriteHeader(http.StatusOK)
	}))

	store := quotastore.New(filepath.Join(dir, "qtareg"))
	client := control.New(control.Config{Endpoint: rig.server.URL}, logger)

	procQuotaDir := filepath.Join(dir, "xt_quota")
	if err := os.MkdirAll(procQuotaDir, 0755); err != nil {
		t.Fatal(err)
	}

	paths := Paths{
		PackagesList: filepath.Join(dir, "packages.list"),
		ConfigData:   filepath.Join(dir, "configdata"),
		PropertyDir:  filepath.Join(dir, "properties"),
		ProcQuotaDir: procQuotaDir,
	}
	if err := os.WriteFile(paths.PackagesList, []byte("com.example.a 10050\ncom.example.b 10051\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	rig.engine = New(fw, store, client, cfg, logger, paths)
	return rig
}

func (r *testRig) setReply(message, errCode, restrict, usageInfo string) {
	r.headers = http.Header{}
	r.headers.Set("dw-message", message)
	r.headers.Set("dw-error", errCode)
	r.headers.Set("dw-restrict", restrict)
	if usageInfo != "" {
		r.headers.Set("dw-usageinfo", usageInfo)
	}
}

func (r *testRig) runRound(t *testing.T) {
	t.Helper()
	r.engine.controlRound(context.Background(), identity.Identity{Serial: "P314000000000001", Brand: "datawind", Model: "ubislate"})
}

func (r *testRig) chainLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(r.ipv4Log)
	if err != nil {
		return ""
	}
	return string(data)
}

func startup(t *testing.T, r *testRig) {
	t.Helper()
	if err := r.engine.startup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
}

// Scenario 1: cold start, no register, no restriction.
func TestScenarioColdStartNoRestriction(t *testing.T) {
	r := newTestRig(t)
	startup(t, r)

	r.setReply("Success", "0", "no", "")
	r.runRound(t)

	log := r.chainLog(t)
	if !strings.Contains(log, "-N p30_1000") {
		t.Errorf("expected p30_1000 creation, log:\n%s", log)
	}
	if !strings.Contains(log, "-I p30dw 1 -j ACCEPT") {
		t.Errorf("expected head ACCEPT on p30dw, log:\n%s", log)
	}
	if len(r.engine.registered) != 0 {
		t.Errorf("expected empty Registered, got %v", r.engine.registered)
	}
	if !r.engine.chains[sharedGID] {
		t.Errorf("expected p30_1000 tracked")
	}
	for gid := range r.engine.chains {
		if gid != sharedGID {
			t.Errorf("unexpected tracked chain for gid %d", gid)
		}
	}
}

// Scenario 2: install new restriction over scenario 1's state.
func TestScenarioInstallNewRestriction(t *testing.T) {
	r := newTestRig(t)
	startup(t, r)
	r.setReply("Success", "0", "no", "")
	r.runRound(t)

	r.setReply("Success", "0", "new", " com.example.a 20480,com.example.b 10240,")
	r.runRound(t)

	log := r.chainLog(t)
	if !strings.Contains(log, "-N p30_10050") || !strings.Contains(log, "-N p30_10051") {
		t.Fatalf("expected both group chains created, log:\n%s", log)
	}
	if !strings.Contains(log, "--quota 20480") || !strings.Contains(log, "--quota 10240") {
		t.Errorf("expected per-group quotas installed, log:\n%s", log)
	}
	if !strings.Contains(log, "-I p30dw 1 -m owner --uid-owner 10050 -j p30_10050") {
		t.Errorf("expected owner-match rule for uid 10050, log:\n%s", log)
	}
	if !strings.Contains(log, "-I p30dw 1 -m owner --uid-owner 10051 -j p30_10051") {
		t.Errorf("expected owner-match rule for uid 10051, log:\n%s", log)
	}

	a, ok := r.engine.registered["com.example.a"]
	if !ok || a.UID != 10050 || a.GID != 10050 || a.QuotaKiB != 20480 {
		t.Errorf("unexpected entry for a: %+v ok=%v", a, ok)
	}
	b, ok := r.engine.registered["com.example.b"]
	if !ok || b.UID != 10051 || b.GID != 10051 || b.QuotaKiB != 10240 {
		t.Errorf("unexpected entry for b: %+v ok=%v", b, ok)
	}
}

// Scenario 3: a shared-uid group collapses to one chain.
func TestScenarioSharedUIDGroup(t *testing.T) {
	r := newTestRig(t)
	if err := os.WriteFile(r.engine.paths.PackagesList, []byte("com.g.x 10100\ncom.g.y 10100\n"), 0644); err != nil {
		t.Fatal(err)
	}
	startup(t, r)

	r.setReply("Success", "0", "new", "com.g.x com.g.y 5120,")
	r.runRound(t)

	log := r.chainLog(t)
	if strings.Count(log, "-N p30_10100") != 1 {
		t.Errorf("expected exactly one chain creation for the shared gid, log:\n%s", log)
	}
	if strings.Count(log, "-I p30dw 1 -m owner --uid-owner 10100 -j p30_10100") != 2 {
		t.Errorf("expected the owner-match rule inserted twice, log:\n%s", log)
	}

	x := r.engine.registered["com.g.x"]
	y := r.engine.registered["com.g.y"]
	if x.GID != 10100 || y.GID != 10100 {
		t.Errorf("expected both entries to share gid 10100, got x=%+v y=%+v", x, y)
	}
}

// Scenario 4: a sampler tick persists the sampled remaining quota.
func TestScenarioSamplerTickWritesRegister(t *testing.T) {
	r := newTestRig(t)
	startup(t, r)
	r.setReply("Success", "0", "no", "")
	r.runRound(t)
	r.setReply("Success", "0", "new", " com.example.a 20480,com.example.b 10240,")
	r.runRound(t)

	if err := os.WriteFile(filepath.Join(r.engine.paths.ProcQuotaDir, "p30_10050"), []byte("1024"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.engine.paths.ProcQuotaDir, "p30_10051"), []byte("0"), 0644); err != nil {
		t.Fatal(err)
	}

	r.engine.sampleTick()

	loaded := r.engine.store.Load()
	byPkg := make(map[string]quotastore.Entry, len(loaded))
	for _, e := range loaded {
		byPkg[e.Package] = e
	}
	a, ok := byPkg["com.example.a"]
	if !ok || a.UID != 10050 || a.GID != 10050 || a.QuotaKiB != 1 {
		t.Errorf("unexpected persisted entry for a: %+v ok=%v", a, ok)
	}
	b, ok := byPkg["com.example.b"]
	if !ok || b.UID != 10051 || b.GID != 10051 || b.QuotaKiB != 0 {
		t.Errorf("unexpected persisted entry for b: %+v ok=%v", b, ok)
	}
}

// Scenario 5: removing one package of a two-package state tears down
// only its own chain and rule.
func TestScenarioIncrementalRemove(t *testing.T) {
	r := newTestRig(t)
	startup(t, r)
	r.setReply("Success", "0", "no", "")
	r.runRound(t)
	r.setReply("Success", "0", "new", " com.example.a 20480,com.example.b 10240,")
	r.runRound(t)

	r.setReply("Success", "0", "rem", "com.example.a 0,")
	r.runRound(t)

	log := r.chainLog(t)
	if !strings.Contains(log, "-D p30dw -m owner --uid-owner 10050 -j p30_10050") {
		t.Errorf("expected owner-match rule for uid 10050 removed, log:\n%s", log)
	}
	if !strings.Contains(log, "-F p30_10050") || !strings.Contains(log, "-X p30_10050") {
		t.Errorf("expected p30_10050 flushed then destroyed, log:\n%s", log)
	}
	if strings.Contains(log, "-F p30_10051") || strings.Contains(log, "-X p30_10051") {
		t.Errorf("expected p30_10051 untouched, log:\n%s", log)
	}

	if _, ok := r.engine.registered["com.example.a"]; ok {
		t.Errorf("expected com.example.a removed from Registered")
	}
	if _, ok := r.engine.registered["com.example.b"]; !ok {
		t.Errorf("expected com.example.b still registered")
	}
}

// Scenario 6: a malformed usageinfo payload installs no chain and
// registers nothing.
func TestScenarioMalformedServerPayload(t *testing.T) {
	r := newTestRig(t)
	startup(t, r)
	r.setReply("Success", "0", "no", "")
	r.runRound(t)

	before := r.chainLog(t)
	beforeRegistered := len(r.engine.registered)

	r.setReply("Success", "0", "new", "garbage")
	r.runRound(t)

	// "new" still tears down via liftAllRestrictions (that half of the
	// dispatch doesn't depend on usageinfo parsing), but installUsageInfo
	// must not install anything for an unparseable payload.
	after := r.chainLog(t)
	if strings.Count(after, "-N p30_") != strings.Count(before, "-N p30_") {
		t.Errorf("expected no new chain created for malformed payload")
	}
	if len(r.engine.registered) != 0 {
		t.Errorf("expected Registered to stay empty (only the shared chain was live), got %d entries (%d before)", len(r.engine.registered), beforeRegistered)
	}
}
