// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"strconv"
)

// Chain and group naming, per the source's fixed convention.
const (
	hookChain      = "p30dw"
	sharedChain    = "p30_1000"
	sharedGID      = uint32(1000)
	sharedQuotaArg = "102400" // literal KiB-labelled value, not shifted — see DESIGN.md

	gsfSubstring = "android.gsf"
)

// sharedSystemUIDs share the p30_1000 bucket by bootstrap convention.
var sharedSystemUIDs = []uint32{0, 1000}

func chainName(gid uint32) string {
	return "p30_" + strconv.FormatUint(uint64(gid), 10)
}

// ownerMatchArgv builds the "-m owner --uid-owner <uid> -j <target>"
// rule body (without the leading -A/-I chain selector).
func ownerMatchArgv(uid uint32, target string) []string {
	return []string{"-m", "owner", "--uid-owner", strconv.FormatUint(uint64(uid), 10), "-j", target}
}

// quotaGuardArgv builds the quota2 counting rule for a group chain.
// quotaArg is either the literal bootstrap value or a registered
// entry's KiB quota passed straight through, depending on caller — see
// anchorQuotaBytes.
func quotaGuardArgv(gid uint32, quotaArg string) []string {
	return []string{"-m", "quota2", "!", "--quota", quotaArg, "--name", chainName(gid), "-j", "REJECT"}
}

func acceptArgv() []string {
	return []string{"-j", "ACCEPT"}
}

func dnsAcceptArgv(direction string) []string {
	return []string{"-p", "udp", "--" + direction, "53", "-j", "ACCEPT"}
}

// anchorQuotaBytes renders a registered entry's KiB quota as the
// quota2 --quota argument for its group chain. The value is passed
// through unshifted: scenario 2's 20480 KiB entry installs as
// "--quota 20480", matching the bootstrap p30_1000 guard's own literal
// argument rather than converting to bytes.
func anchorQuotaBytes(quotaKiB uint64) string {
	return strconv.FormatUint(quotaKiB, 10)
}
