// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datawind/qtad/internal/quotastore"
)

// SamplerInterval is the fixed period between counter samples.
const SamplerInterval = 120 * time.Second

// runSampler blocks until startup signals completion, then ticks every
// SamplerInterval until ctx is cancelled. It never mutates the chain
// graph — only Registered's cached RemainingKiB and the on-disk
// register.
func (e *Engine) runSampler(ctx context.Context) {
	select {
	case <-e.startSignal:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(SamplerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleTick()
		}
	}
}

// sampleTick implements SPEC_FULL.md §4.4: snapshot Registered under
// the lock, read each chain's counter outside the lock (these are
// blocking file reads), then write the updated remaining values back
// and persist if the wire string actually changed.
func (e *Engine) sampleTick() {
	e.mu.Lock()
	snapshot := make(map[string]quotastore.Entry, len(e.registered))
	for k, v := range e.registered {
		snapshot[k] = v
	}
	e.mu.Unlock()

	updated := make(map[string]uint64, len(snapshot))
	for pkg, entry := range snapshot {
		updated[pkg] = e.readRemainingKiB(entry.GID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]quotastore.Entry, 0, len(e.registered))
	for pkg, entry := range e.registered {
		if kib, ok := updated[pkg]; ok {
			entry.RemainingKiB = kib
			e.registered[pkg] = entry
		}
		entries = append(entries, e.registered[pkg])
	}

	wire := quotastore.Serialize(entries)
	e.metrics.SamplerTicks.Inc()
	e.metrics.RegisteredPackages.Set(float64(len(entries)))
	for _, entry := range entries {
		e.metrics.RemainingKiB.WithLabelValues(entry.Package).Set(float64(entry.RemainingKiB))
	}

	if wire == "" || wire == e.lastWire {
		return
	}
	if err := e.store.Save(entries); err != nil {
		e.metrics.SamplerFailures.Inc()
		e.logger.Fault("failed to persist register", "error", err)
		return
	}
	e.lastWire = wire
}

// readRemainingKiB reads /proc/net/xt_quota/<chain> for gid's chain. A
// missing file is treated as zero bytes remaining, not an error.
func (e *Engine) readRemainingKiB(gid uint32) uint64 {
	path := filepath.Join(e.paths.ProcQuotaDir, chainName(gid))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	bytesRemaining, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return bytesRemaining >> 10
}
