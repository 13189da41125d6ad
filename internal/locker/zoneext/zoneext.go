// Package zoneext implements the hook that runs after a hardware
// configuration edit or a change in a kiosk's physical locker count:
// it extends the last enabled zone to cover any newly added lockers,
// pulling additional relay cards from a free pool as needed.
package zoneext

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lockergw/gateway/internal/locker/mapper"
)

// ErrCapacityExceeded is returned when extending zone coverage to N would
// require more relay cards than are available in the free pool. The
// caller's configuration is returned unchanged.
var ErrCapacityExceeded = errors.New("zoneext: zone capacity exceeded, insufficient free relay cards")

// ErrNoEnabledZone is returned when extension is needed but no zone is
// enabled to receive the new range.
var ErrNoEnabledZone = errors.New("zoneext: no enabled zone to extend")

// Result is the outcome of a successful Extend call.
type Result struct {
	Config        mapper.Config
	Extended      bool
	ConsumedCards []int
}

// Extend grows zone coverage to N total lockers, per §4.5:
//  1. If zones are disabled, do nothing.
//  2. Compute coveredMax, the highest locker ID any enabled zone covers.
//  3. If coveredMax >= N, do nothing.
//  4. Otherwise append [coveredMax+1, N] to the last enabled zone and
//     merge adjacent ranges.
//  5. Recompute the relay card count that zone needs; pull additional
//     cards from freeCards, or fail with ErrCapacityExceeded.
//  6. Validate Z1-Z3 on the resulting configuration; any failure leaves
//     cfg untouched.
func Extend(cfg mapper.Config, n int, freeCards []int) (Result, error) {
	if !cfg.ZonesEnabled {
		return Result{Config: cfg}, nil
	}

	coveredMax := 0
	lastEnabled := -1
	for i, z := range cfg.Zones {
		if !z.Enabled {
			continue
		}
		lastEnabled = i
		for _, r := range z.Ranges {
			if r.End > coveredMax {
				coveredMax = r.End
			}
		}
	}

	if coveredMax >= n {
		return Result{Config: cfg}, nil
	}
	if lastEnabled == -1 {
		return Result{}, ErrNoEnabledZone
	}

	candidate := deepCopyConfig(cfg)
	target := &candidate.Zones[lastEnabled]

	target.Ranges = append(target.Ranges, mapper.Range{Start: coveredMax + 1, End: n})
	target.Ranges = mergeAdjacent(target.Ranges)

	totalWidth := 0
	for _, r := range target.Ranges {
		totalWidth += r.End - r.Start + 1
	}
	cardsNeeded := (totalWidth + 15) / 16

	var consumed []int
	if cardsNeeded > len(target.RelayCards) {
		additional := cardsNeeded - len(target.RelayCards)
		if len(freeCards) < additional {
			return Result{}, ErrCapacityExceeded
		}
		consumed = append(consumed, freeCards[:additional]...)
		target.RelayCards = append(target.RelayCards, consumed...)
	}

	if err := mapper.ValidateZones(candidate.Zones); err != nil {
		return Result{}, fmt.Errorf("zoneext: %w", err)
	}

	return Result{Config: candidate, Extended: true, ConsumedCards: consumed}, nil
}

// mergeAdjacent merges ranges [a,b] and [b+1,c] into [a,c], per Z4. Ranges
// are assumed disjoint and are sorted by Start before merging.
func mergeAdjacent(ranges []mapper.Range) []mapper.Range {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := append([]mapper.Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []mapper.Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start == last.End+1 {
			last.End = r.End
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func deepCopyConfig(cfg mapper.Config) mapper.Config {
	out := cfg
	out.Zones = make([]mapper.Zone, len(cfg.Zones))
	for i, z := range cfg.Zones {
		out.Zones[i] = mapper.Zone{
			ID:         z.ID,
			Enabled:    z.Enabled,
			Ranges:     append([]mapper.Range(nil), z.Ranges...),
			RelayCards: append([]int(nil), z.RelayCards...),
		}
	}
	return out
}
