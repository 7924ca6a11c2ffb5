// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a seam over time.Now so tests can control the
// daemon's notion of "now" without sleeping real wall-clock durations.
package clock

import "time"

// Now is called everywhere the engine needs the current time. Tests may
// swap it out; production code never calls time.Now() directly.
var Now = time.Now
