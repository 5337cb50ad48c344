// Package timings holds the timing constants shared by watchers and the
// master.
package timings

import "time"

// UpdateInterval is how often a watcher scans and reports.
const UpdateInterval = 500 * time.Millisecond

// Stale is how long a source may go without reporting before its rows are
// flagged stale.
const Stale = UpdateInterval * 4

// Expiration is how long a source may go without reporting before it is
// dropped. Always greater than Stale.
const Expiration = UpdateInterval * 10
