// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy owns the quota engine: the in-memory package table,
// the registered-for-restriction set, and the chain graph built on top
// of the firewall driver. It runs two long-lived workers — the control
// worker (startup + server loop) and the sampler worker — coordinated
// by one mutex and a one-shot startup signal, matching the source's
// concurrency model (see SPEC_FULL.md §5).
package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/datawind/qtad/internal/config"
	"github.com/datawind/qtad/internal/control"
	"github.com/datawind/qtad/internal/errors"
	"github.com/datawind/qtad/internal/firewall"
	"github.com/datawind/qtad/internal/identity"
	"github.com/datawind/qtad/internal/logging"
	"github.com/datawind/qtad/internal/metrics"
	"github.com/datawind/qtad/internal/pkglist"
	"github.com/datawind/qtad/internal/quotastore"
)

// ErrPreconditionNotMet is returned by Run when the platform's
// top-level hook chain never appears. The engine gives up quietly; the
// daemon process stays up regardless. KindUnavailable: the precondition
// is a platform resource the engine cannot itself create, only wait on.
var ErrPreconditionNotMet = errors.New(errors.KindUnavailable, "policy: precondition chain p30dw never appeared")

// Paths bundles the on-device file locations the engine reads and
// writes. Exposed as a struct (rather than hardcoded constants) purely
// so tests can redirect them into a temp directory.
type Paths struct {
	PackagesList string
	ConfigData   string
	PropertyDir  string
	ProcQuotaDir string // directory containing /proc/net/xt_quota/<chain>
}

// DefaultPaths returns the on-device paths named in the external
// interfaces section.
func DefaultPaths() Paths {
	return Paths{
		PackagesList: pkglist.DefaultPath,
		ConfigData:   identity.DefaultConfigDataPath,
		PropertyDir:  "/data/property",
		ProcQuotaDir: "/proc/net/xt_quota",
	}
}

// Engine is the quota policy engine.
type Engine struct {
	mu sync.Mutex // engineLock: guards everything below

	packages    []pkglist.Package
	registered  map[string]quotastore.Entry // keyed by package name
	chains      map[uint32]bool             // gid -> chain currently exists
	gsfInserted bool
	lastWire    string

	fw      *firewall.Driver
	store   *quotastore.Store
	client  *control.Client
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Registry
	paths   Paths

	startSignal chan struct{}

	compatExactMatch bool
}

// New builds an Engine from its collaborators. Any nil dependency is
// replaced with a production default.
func New(fw *firewall.Driver, store *quotastore.Store, client *control.Client, cfg *config.Config, logger *logging.Logger, paths Paths) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Default().WithComponent("policy")
	}
	return &Engine{
		registered:       make(map[string]quotastore.Entry),
		chains:           make(map[uint32]bool),
		fw:               fw,
		store:            store,
		client:           client,
		cfg:              cfg,
		logger:           logger,
		metrics:          metrics.Get(),
		paths:            paths,
		startSignal:      make(chan struct{}),
		compatExactMatch: cfg.Compat == nil || cfg.Compat.ExactPackageMatch,
	}
}

// Run starts both workers and blocks until ctx is cancelled or the
// startup precondition fails permanently. A precondition failure is not
// treated as a process-fatal error by callers: qtad logs it and keeps
// running with the engine idle, per the source's "daemon stays up but
// does nothing" behavior.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.runSampler(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runControlLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.Polling != nil && e.cfg.Polling.Interval > 0 {
		return e.cfg.Polling.Interval
	}
	return 5 * time.Second
}

func (e *Engine) maxAttempts() int {
	if e.cfg.Polling != nil && e.cfg.Polling.MaxAttempts > 0 {
		return e.cfg.Polling.MaxAttempts
	}
	return 120
}

// startup runs the four-step bootstrap from SPEC_FULL.md §4.3: the
// precondition probe, the static bootstrap rules, the package table
// poll (with the one-shot Google-services reroute), and rehydration
// from the on-disk register.
func (e *Engine) startup(ctx context.Context) error {
	if err := e.waitForPrecondition(ctx); err != nil {
		e.logger.Fault("precondition chain never appeared, engine staying idle", "error", err)
		return err
	}

	if err := e.bootstrapRules(); err != nil {
		e.logger.Fault("bootstrap rule install failed", "error", err)
		return err
	}

	e.loadPackageTable(ctx)
	e.rehydrateFromStore()

	close(e.startSignal)
	e.logger.Diag("startup complete, sampler and control workers released")
	return nil
}

// waitForPrecondition polls listOutputChain until "p30dw" appears, or
// gives up after maxAttempts.
func (e *Engine) waitForPrecondition(ctx context.Context) error {
	interval := e.pollInterval()
	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		out, err := e.fw.ListOutputChain()
		if err == nil && containsHookChain(out) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return ErrPreconditionNotMet
}

func containsHookChain(listing string) bool {
	return strings.Contains(listing, hookChain)
}

// bootstrapRules installs the static rules every startup assumes:
// p30_1000, the shared-uid owner matches, the DNS accepts, and the
// catch-all REJECT. Creating p30_1000 is the one operation in this
// sequence whose failure is fatal to the whole bootstrap.
func (e *Engine) bootstrapRules() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rc := e.fw.NewChain(sharedChain); rc != 0 {
		return errors.Errorf(errors.KindUnavailable, "policy: create %s failed (rc=%d)", sharedChain, rc)
	}
	e.chains[sharedGID] = true

	var result int
	for _, uid := range sharedSystemUIDs {
		result |= e.fw.AppendToChain(hookChain, ownerMatchArgv(uid, sharedChain)...)
	}
	result |= e.fw.AppendToChain(hookChain, dnsAcceptArgv("sport")...)
	result |= e.fw.AppendToChain(hookChain, dnsAcceptArgv("dport")...)
	result |= e.fw.AppendReject(hookChain)

	result |= e.fw.AppendToChain(sharedChain, quotaGuardArgv(sharedGID, sharedQuotaArg)...)
	result |= e.fw.AppendToChain(sharedChain, acceptArgv()...)

	if result != 0 {
		e.logger.Diag("bootstrap rule install had nonzero subprocess results, continuing", "result", result)
	}
	return nil
}

// loadPackageTable polls the package list into memory, then performs
// the one-shot Google-services reroute: any package name containing
// "android.gsf" gets an owner-match inserted at the head of p30dw
// pointing at the shared chain, treating it as shared-system.
func (e *Engine) loadPackageTable(ctx context.Context) {
	pkgs, err := pkglist.PollUntilPresent(ctx, e.paths.PackagesList, e.pollInterval(), e.maxAttempts())
	if err != nil {
		e.logger.Fault("package list never became available", "error", err)
	}

	e.mu.Lock()
	e.packages = pkgs
	e.mu.Unlock()

	if e.gsfInserted || (e.cfg.Compat != nil && !e.cfg.Compat.GoogleServicesSharedUID) {
		return
	}
	for _, p := range pkgs {
		if strings.Contains(p.Name, gsfSubstring) {
			e.mu.Lock()
			e.fw.InsertAtHead(hookChain, 1, ownerMatchArgv(p.UID, sharedChain)...)
			e.gsfInserted = true
			e.mu.Unlock()
			break
		}
	}
}

// rehydrateFromStore loads the last persisted register, resolves each
// entry's uid/gid against the installed package table, and installs
// chains in two passes (anchors first, then followers) so a follower
// never references a chain that doesn't exist yet.
func (e *Engine) rehydrateFromStore() {
	loaded := e.store.Load()
	if len(loaded) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolved := make([]quotastore.Entry, 0, len(loaded))
	for _, entry := range loaded {
		uid, ok := e.resolvePackageLocked(entry.Package)
		if ok {
			entry.UID = uid
			if entry.GID == 0 {
				entry.GID = uid
			}
		}
		resolved = append(resolved, entry)
	}

	for _, entry := range resolved {
		if entry.UID > 0 && entry.UID == entry.GID {
			e.installAnchorLocked(entry.GID, entry.QuotaKiB)
		}
	}
	for _, entry := range resolved {
		if entry.UID > 0 {
			e.fw.InsertAtHead(hookChain, 1, ownerMatchArgv(entry.UID, chainName(entry.GID))...)
		}
		e.registered[entry.Package] = entry
	}
}

// resolvePackageLocked resolves a stored package name against the
// installed table using the configured compatibility mode. Caller must
// hold e.mu.
func (e *Engine) resolvePackageLocked(name string) (uint32, bool) {
	if e.compatExactMatch {
		return pkglist.ResolveByExactName(e.packages, name)
	}
	return pkglist.ResolveBySubstring(e.packages, name)
}

// installAnchorLocked creates a group's chain and its two static rules.
// Caller must hold e.mu.
func (e *Engine) installAnchorLocked(gid uint32, quotaKiB uint64) {
	if e.chains[gid] {
		return
	}
	name := chainName(gid)
	e.fw.NewChain(name)
	e.fw.AppendToChain(name, quotaGuardArgv(gid, anchorQuotaBytes(quotaKiB))...)
	e.fw.AppendToChain(name, acceptArgv()...)
	e.chains[gid] = true
}
