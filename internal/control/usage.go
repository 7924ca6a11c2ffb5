// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/datawind/qtad/internal/errors"
)

// GroupUsage is one group's contribution to the usage payload posted
// each control round: every package name sharing the group's gid,
// followed by the anchor's remaining quota.
type GroupUsage struct {
	Packages     []string
	RemainingKiB uint64
}

// BuildUsagePayload renders groups into the comma-terminated wire
// format posted as the "data" field: space-separated package names
// followed by the remaining-quota integer, one record per group.
func BuildUsagePayload(groups []GroupUsage) string {
	var b strings.Builder
	for _, g := range groups {
		fmt.Fprintf(&b, "%s %d,", strings.Join(g.Packages, " "), g.RemainingKiB)
	}
	return b.String()
}

// UsageRecord is one parsed "new"/"add"/"rem" group record: zero or
// more package names and the quota terminating the record.
type UsageRecord struct {
	Packages []string
	QuotaKiB uint64
}

// minPackageNameLen discards short tokens as noise when parsing
// dw-usageinfo.
const minPackageNameLen = 5

// ParseUsageInfo parses the dw-usageinfo grammar:
//
//	pkg1 [pkg2 ...] <quotaKiB>,pkg1 [pkg2 ...] <quotaKiB>,...
//
// Leading whitespace is trimmed. A record whose last token isn't a
// valid integer, or that carries no package names at all after the
// noise filter, is dropped rather than failing the whole parse; the
// well-formed records before and after it still install. If any record
// was dropped, err is a KindValidation error naming how many, so the
// caller can log it without the parse itself failing.
func ParseUsageInfo(usageInfo string) (records []UsageRecord, err error) {
	var dropped int
	for _, rec := range strings.Split(strings.TrimSpace(usageInfo), ",") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		tokens := strings.Fields(rec)
		if len(tokens) < 1 {
			dropped++
			continue
		}

		quota, convErr := strconv.ParseUint(tokens[len(tokens)-1], 10, 64)
		if convErr != nil {
			dropped++
			continue
		}

		var pkgs []string
		for _, name := range tokens[:len(tokens)-1] {
			if len(name) < minPackageNameLen {
				continue
			}
			pkgs = append(pkgs, name)
		}
		if len(pkgs) == 0 {
			dropped++
			continue
		}

		records = append(records, UsageRecord{Packages: pkgs, QuotaKiB: quota})
	}
	if dropped > 0 {
		err = errors.Errorf(errors.KindValidation, "dw-usageinfo: dropped %d malformed record(s)", dropped)
	}
	return records, err
}
