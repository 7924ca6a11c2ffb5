// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"github.com/datawind/qtad/internal/control"
	"github.com/datawind/qtad/internal/quotastore"
)

// liftAllRestrictions implements dw-restrict: no. Every registered
// entry's owner-match rule is deleted and every group chain but the
// shared p30_1000 one is flushed then destroyed, Registered is
// cleared, and p30dw itself is flushed and given a head ACCEPT — which
// also discards the bootstrap DNS-accept and catch-all-REJECT rules.
// This mirrors the source exactly rather than "fixing" it.
func (e *Engine) liftAllRestrictions() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range e.registered {
		if entry.UID > 0 {
			e.fw.DeleteRule(hookChain, ownerMatchArgv(entry.UID, chainName(entry.GID))...)
		}
	}
	for gid := range e.chains {
		if gid == sharedGID {
			continue
		}
		e.fw.FlushChain(chainName(gid))
		e.fw.DeleteChain(chainName(gid))
		delete(e.chains, gid)
	}

	e.registered = make(map[string]quotastore.Entry)
	e.fw.FlushChain(hookChain)
	e.fw.InsertAtHead(hookChain, 1, acceptArgv()...)
	e.metrics.ChainRebuilds.Inc()
}

// installUsageInfo implements dw-restrict: add (and the second half of
// new, after liftAllRestrictions has run). It installs anchor chains in
// a first pass, then inserts every follower's owner-match rule in a
// second pass, so a follower never references a chain that doesn't
// exist yet.
func (e *Engine) installUsageInfo(usageInfo string) {
	records, err := control.ParseUsageInfo(usageInfo)
	if err != nil {
		e.logger.Diag("dw-usageinfo parse dropped records", "error", err)
	}
	if len(records) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	type resolvedRecord struct {
		gid     uint32
		members map[string]uint32
		quota   uint64
	}
	resolved := make([]resolvedRecord, 0, len(records))

	for _, rec := range records {
		rr := resolvedRecord{members: make(map[string]uint32, len(rec.Packages)), quota: rec.QuotaKiB}
		for _, pkgName := range rec.Packages {
			uid, ok := e.resolvePackageLocked(pkgName)
			if !ok {
				rr.members[pkgName] = 0
				continue
			}
			rr.members[pkgName] = uid
			if rr.gid == 0 {
				rr.gid = uid
			}
		}
		resolved = append(resolved, rr)
	}

	for _, rr := range resolved {
		if rr.gid != 0 {
			e.installAnchorLocked(rr.gid, rr.quota)
		}
	}

	for _, rr := range resolved {
		for pkgName, uid := range rr.members {
			if uid > 0 {
				e.fw.InsertAtHead(hookChain, 1, ownerMatchArgv(uid, chainName(rr.gid))...)
			}
			e.registered[pkgName] = quotastore.Entry{
				Package: pkgName, UID: uid, GID: rr.gid, QuotaKiB: rr.quota,
			}
		}
	}
	e.metrics.ChainRebuilds.Inc()
}

// removeUsageInfo implements dw-restrict: rem. Each listed package's
// owner-match rule is deleted; if it was its group's anchor, the group
// chain is flushed then destroyed, but only once no other registered
// entry still references that gid.
func (e *Engine) removeUsageInfo(usageInfo string) {
	records, err := control.ParseUsageInfo(usageInfo)
	if err != nil {
		e.logger.Diag("dw-usageinfo parse dropped records", "error", err)
	}
	if len(records) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		for _, pkgName := range rec.Packages {
			entry, ok := e.registered[pkgName]
			if !ok {
				continue
			}

			if entry.UID > 0 {
				e.fw.DeleteRule(hookChain, ownerMatchArgv(entry.UID, chainName(entry.GID))...)
			}
			delete(e.registered, pkgName)

			if entry.UID != entry.GID {
				continue
			}
			if e.gidStillReferencedLocked(entry.GID) {
				continue
			}
			e.fw.FlushChain(chainName(entry.GID))
			e.fw.DeleteChain(chainName(entry.GID))
			delete(e.chains, entry.GID)
		}
	}
	e.metrics.ChainRebuilds.Inc()
}

func (e *Engine) gidStillReferencedLocked(gid uint32) bool {
	for _, other := range e.registered {
		if other.GID == gid {
			return true
		}
	}
	return false
}
