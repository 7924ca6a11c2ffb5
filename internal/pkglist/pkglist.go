// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pkglist reads the platform's installed-package table, a flat
// text file the package manager writes and refreshes independently of
// this daemon.
package pkglist

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is where the platform package manager publishes the
// installed-package table.
const DefaultPath = "/data/system/packages.list"

// Package is an immutable record sourced from the package list: a name
// and the OS user id the platform assigned it. Multiple packages may
// share a uid (shared-uid applications).
type Package struct {
	Name string
	UID  uint32
}

// Parse reads whitespace-separated "<name> <uid> ..." lines, ignoring
// malformed ones and any trailing fields.
func Parse(r *bufio.Scanner) []Package {
	var out []Package
	for r.Scan() {
		fields := strings.Fields(r.Text())
		if len(fields) < 2 {
			continue
		}
		uid, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Package{Name: fields[0], UID: uint32(uid)})
	}
	return out
}

// Load reads and parses the package list at path.
func Load(path string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(bufio.NewScanner(f)), nil
}

// PollUntilPresent polls path every interval, up to maxAttempts times,
// until it can be read and parsed into a nonempty table. It returns the
// last error seen if the file never becomes available, or ctx.Err() if
// ctx is cancelled first.
func PollUntilPresent(ctx context.Context, path string, interval time.Duration, maxAttempts int) ([]Package, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pkgs, err := Load(path)
		if err == nil && len(pkgs) > 0 {
			return pkgs, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, lastErr
}

// ResolveByExactName returns the uid of the package whose name exactly
// matches name, or (0, false) if none does.
func ResolveByExactName(pkgs []Package, name string) (uint32, bool) {
	for _, p := range pkgs {
		if p.Name == name {
			return p.UID, true
		}
	}
	return 0, false
}

// ResolveBySubstring returns the uid of the first installed package
// whose name contains name as a substring, in table order. This
// reproduces the original source's misfeature (a short prefix like
// "com.g" matches "com.google.*") and exists only for the compatibility
// switch; new deployments should use ResolveByExactName.
func ResolveBySubstring(pkgs []Package, name string) (uint32, bool) {
	for _, p := range pkgs {
		if strings.Contains(p.Name, name) {
			return p.UID, true
		}
	}
	return 0, false
}
