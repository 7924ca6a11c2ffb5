// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall is a thin, synchronous wrapper over the platform's
// iptables/ip6tables binaries. Every operation mirrors its effect on
// both IPv4 and IPv6; none of it is atomic across the pair, since the
// underlying CLI isn't either.
package firewall

import (
	"bytes"
	"os/exec"
	"strconv"

	"github.com/datawind/qtad/internal/logging"
)

// DefaultIPv4Path and DefaultIPv6Path are the platform binaries this
// daemon targets.
const (
	DefaultIPv4Path = "/system/bin/iptables"
	DefaultIPv6Path = "/system/bin/ip6tables"
)

// Driver is a stateless facade over the external firewall CLI. It holds
// no kernel state of its own; everything it knows is in the argv it is
// given.
type Driver struct {
	ipv4Path string
	ipv6Path string
	logger   *logging.Logger
}

// NewDriver returns a Driver targeting the given binaries. Passing empty
// strings falls back to DefaultIPv4Path/DefaultIPv6Path.
func NewDriver(ipv4Path, ipv6Path string, logger *logging.Logger) *Driver {
	if ipv4Path == "" {
		ipv4Path = DefaultIPv4Path
	}
	if ipv6Path == "" {
		ipv6Path = DefaultIPv6Path
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{ipv4Path: ipv4Path, ipv6Path: ipv6Path, logger: logger}
}

// Both runs the same argv against both binaries and returns the bitwise
// OR of their exit codes: zero iff both families succeeded. Callers
// generally treat a nonzero result as "noisy failure, continue"; the one
// exception is the policy bootstrap, which treats a failed NewChain of
// the shared p30_1000 chain as fatal.
func (d *Driver) Both(argv ...string) int {
	return d.run(d.ipv4Path, argv) | d.run(d.ipv6Path, argv)
}

func (d *Driver) run(path string, argv []string) int {
	cmd := exec.Command(path, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		d.logger.Fault("firewall subprocess exited nonzero",
			"path", path, "argv", argv, "code", code, "stderr", stderr.String())
		return code
	}

	d.logger.Fault("firewall subprocess failed to start",
		"path", path, "argv", argv, "error", err)
	return 1
}

// NewChain creates a new chain. Returns nonzero if either family failed.
func (d *Driver) NewChain(name string) int {
	return d.Both("-N", name)
}

// AppendToChain appends spec to the end of chain name.
func (d *Driver) AppendToChain(name string, spec ...string) int {
	argv := append([]string{"-A", name}, spec...)
	return d.Both(argv...)
}

// InsertAtHead inserts spec at position pos (1-based) in chain.
func (d *Driver) InsertAtHead(chain string, pos int, spec ...string) int {
	argv := append([]string{"-I", chain, strconv.Itoa(pos)}, spec...)
	return d.Both(argv...)
}

// DeleteRule deletes the rule matching spec from chain.
func (d *Driver) DeleteRule(chain string, spec ...string) int {
	argv := append([]string{"-D", chain}, spec...)
	return d.Both(argv...)
}

// FlushChain removes every rule from chain without destroying it.
func (d *Driver) FlushChain(name string) int {
	return d.Both("-F", name)
}

// DeleteChain destroys an empty chain. Callers must FlushChain first;
// the invariant is enforced by callers, not by Driver itself.
func (d *Driver) DeleteChain(name string) int {
	return d.Both("-X", name)
}

// AppendReject appends the catch-all REJECT rule to chain. The reason
// code differs by family (invariant: every rule is mirrored "modulo the
// REJECT reason code"), so this is the one operation Both can't express
// with a single argv.
func (d *Driver) AppendReject(chain string) int {
	v4 := append([]string{"-A", chain}, "-j", "REJECT", "--reject-with", "icmp-net-prohibited")
	v6 := append([]string{"-A", chain}, "-j", "REJECT", "--reject-with", "icmp6-adm-prohibited")
	return d.run(d.ipv4Path, v4) | d.run(d.ipv6Path, v6)
}

// ListOutputChain runs "-nL OUTPUT" on the IPv4 binary only and returns
// its captured stdout. Used exclusively for the precondition probe that
// waits for the platform's top-level hook chain to appear.
func (d *Driver) ListOutputChain() (string, error) {
	cmd := exec.Command(d.ipv4Path, "-nL", "OUTPUT")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
