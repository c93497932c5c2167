// Package matcher picks the closest known identity for a probe encoding.
package matcher

import (
	"math"

	"faceattend/internal/facecache"
	"faceattend/internal/facerec"
)

// DefaultTolerance is the largest distance still accepted as the same person.
const DefaultTolerance = 0.5

// Match is the winning candidate for a probe.
type Match struct {
	UserID   string
	SampleID string
	Distance float64
	Index    int
}

// Best scans entries in order and returns the nearest one. A match requires
// distance <= tolerance; on equal distances the earliest entry wins.
func Best(probe facerec.Encoding, entries []facecache.Entry, tolerance float64) (Match, bool) {
	best := Match{Index: -1, Distance: math.Inf(1)}
	for i, e := range entries {
		d := facerec.Distance(probe, e.Encoding)
		if d < best.Distance {
			best = Match{UserID: e.UserID, SampleID: e.SampleID, Distance: d, Index: i}
		}
	}
	if best.Index < 0 || best.Distance > tolerance {
		return best, false
	}
	return best, true
}

// All matches every probe independently against the same entries. The result
// has one slot per probe; unmatched probes are nil.
func All(probes []facerec.Encoding, entries []facecache.Entry, tolerance float64) []*Match {
	out := make([]*Match, len(probes))
	for i, p := range probes {
		if m, ok := Best(p, entries, tolerance); ok {
			out[i] = &m
		}
	}
	return out
}
