// Package diff computes set differences between directory snapshots.
package diff

import "github.com/folderagg/folderagg/pkg/protocol"

// Compute returns the items added and removed going from prev to next.
// Both inputs are treated as sets. The result slices are never nil and
// keep the order in which items first appear in their input.
func Compute(prev, next []protocol.Item) protocol.Diff {
	prevSet := toSet(prev)
	nextSet := toSet(next)

	return protocol.Diff{
		Added:   subtract(next, prevSet),
		Removed: subtract(prev, nextSet),
	}
}

// Apply returns set(base) minus d.Removed, with d.Added appended. An item
// present in both d.Added and d.Removed ends up in the result.
func Apply(base []protocol.Item, d protocol.Diff) []protocol.Item {
	drop := toSet(d.Removed)
	for _, item := range d.Added {
		drop[item] = struct{}{}
	}

	out := make([]protocol.Item, 0, len(base)+len(d.Added))
	seen := make(map[protocol.Item]struct{}, len(base)+len(d.Added))
	for _, item := range base {
		if _, ok := drop[item]; ok {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	for _, item := range d.Added {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Dedupe returns items with repeats removed, keeping first occurrences.
func Dedupe(items []protocol.Item) []protocol.Item {
	out := make([]protocol.Item, 0, len(items))
	seen := make(map[protocol.Item]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSet(items []protocol.Item) map[protocol.Item]struct{} {
	set := make(map[protocol.Item]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// subtract returns the distinct items of from that are not in exclude.
func subtract(from []protocol.Item, exclude map[protocol.Item]struct{}) []protocol.Item {
	out := []protocol.Item{}
	seen := make(map[protocol.Item]struct{})
	for _, item := range from {
		if _, ok := exclude[item]; ok {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
