// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"sort"
	"time"

	"github.com/datawind/qtad/internal/control"
	"github.com/datawind/qtad/internal/errors"
	"github.com/datawind/qtad/internal/identity"
)

// controlRoundInterval is how long the control loop waits between
// successful rounds. The source doesn't name an explicit value for
// this (only the 50s retry-on-error and the 120x5s polling schedules
// are specified); reusing SamplerInterval keeps the two workers on a
// comparable cadence — see the Open Question note in DESIGN.md.
const controlRoundInterval = SamplerInterval

// runControlLoop resolves device identity, then drives control rounds
// until ctx is cancelled. A device whose identity never resolves or
// never validates causes the control loop to exit quietly — the
// sampler keeps running regardless.
func (e *Engine) runControlLoop(ctx context.Context) {
	id, err := e.resolveIdentity(ctx)
	if err != nil {
		e.logger.Diag("device identity unavailable, control loop exiting", "error", err)
		return
	}
	if !id.Valid() {
		e.logger.Diag("device identity failed validation, control loop exiting", "serial_len", len(id.Serial))
		return
	}

	for {
		e.controlRound(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(controlRoundInterval):
		}
	}
}

// resolveIdentity polls for a valid identity source on the same
// 120x5s schedule used elsewhere at startup.
func (e *Engine) resolveIdentity(ctx context.Context) (identity.Identity, error) {
	var id identity.Identity
	var err error
	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		id, err = identity.Resolve(e.paths.ConfigData, e.paths.PropertyDir)
		if err == nil {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return identity.Identity{}, ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
	return identity.Identity{}, err
}

// controlRound performs one full control round: build the usage
// payload, post it, and dispatch on the reply's dw-restrict value.
func (e *Engine) controlRound(ctx context.Context, id identity.Identity) {
	payload := control.NewPayload(e.buildUsagePayload(), id.Serial, id.Brand, id.Model)

	resp, err := e.client.PostWithRetry(ctx, payload)
	if err != nil {
		e.metrics.ControlFailures.Inc()
		e.logger.Fault("control round failed", "error", err, "kind", errors.GetKind(err).String())
		return
	}
	e.metrics.ControlRounds.Inc()

	if !resp.Success() {
		e.logger.Diag("control server did not report success", "message", resp.Message, "error_code", resp.Error)
		return
	}

	e.dispatch(resp.Restrict, resp.UsageInfo)
}

// buildUsagePayload groups Registered by gid and renders the wire
// format the control protocol expects.
func (e *Engine) buildUsagePayload() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	type group struct {
		packages     []string
		remainingKiB uint64
	}
	groups := make(map[uint32]*group)
	var gids []uint32
	for _, entry := range e.registered {
		g, ok := groups[entry.GID]
		if !ok {
			g = &group{}
			groups[entry.GID] = g
			gids = append(gids, entry.GID)
		}
		g.packages = append(g.packages, entry.Package)
		if entry.UID == entry.GID {
			g.remainingKiB = entry.RemainingKiB
		}
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })

	usages := make([]control.GroupUsage, 0, len(gids))
	for _, gid := range gids {
		g := groups[gid]
		usages = append(usages, control.GroupUsage{Packages: g.packages, RemainingKiB: g.remainingKiB})
	}
	return control.BuildUsagePayload(usages)
}

// dispatch acts on a successful reply's dw-restrict command.
func (e *Engine) dispatch(restrict, usageInfo string) {
	switch restrict {
	case "no":
		e.liftAllRestrictions()
	case "new":
		e.liftAllRestrictions()
		e.installUsageInfo(usageInfo)
	case "add":
		e.installUsageInfo(usageInfo)
	case "rem":
		e.removeUsageInfo(usageInfo)
	default:
		e.logger.Diag("unrecognized dw-restrict value, ignoring", "value", restrict)
	}
}
