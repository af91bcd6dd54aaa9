package repository

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

// PruneToConfiguredCap runs Prune against the cap the repository was opened
// with. The manager's maintenance loop calls this periodically rather than
// threading the configured cap through on every invocation.
func (r *Repository) PruneToConfiguredCap() ([]uint32, error) {
	return r.Prune(r.capBytes)
}

// Prune enforces the size cap described in §4.2: for each size class in
// turn, if its current occupancy exceeds its target fraction of capBytes,
// delete entries — most-acked, oldest first — until the target is met. A
// class already under target is left untouched. Returns the companion
// log ids (OBMC ids) of every entry removed, across all classes, in
// deletion order.
func (r *Repository) Prune(capBytes int64) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.allAttributes()
	if err != nil {
		return nil, fmt.Errorf("%w: load attributes for prune: %v", ErrIO, err)
	}

	byClass := make(map[SizeClass][]Attributes, len(AllSizeClasses))
	for _, a := range all {
		c := Classify(a)
		byClass[c] = append(byClass[c], a)
	}

	var removed []uint32
	for _, class := range AllSizeClasses {
		entries := byClass[class]
		sortPruneCandidates(entries)

		var total int64
		for _, a := range entries {
			total += int64(a.SizeBytes)
		}
		target := int64(classTargetFraction[class] * float64(capBytes))

		i := 0
		for total > target && i < len(entries) {
			victim := entries[i]
			attrs, err := r.removeLocked(victim.PELID)
			if err != nil {
				r.log.Warn("prune: failed to remove candidate", zap.Uint32("pelId", victim.PELID), zap.Error(err))
				i++
				continue
			}
			total -= int64(attrs.SizeBytes)
			removed = append(removed, attrs.OBMCID)
			i++
		}
	}

	if r.metrics != nil && len(removed) > 0 {
		r.metrics.RecordPruned(len(removed))
	}

	return removed, nil
}

// sortPruneCandidates orders entries so that the most-acked, oldest
// records come first — these are deleted first, per §4.2's priority tuple
// (host-acked desc, hmc-acked desc, host-sent desc, create-ts asc).
func sortPruneCandidates(entries []Attributes) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ha, hb := a.HostTransState == pel.TransAcked, b.HostTransState == pel.TransAcked; ha != hb {
			return ha
		}
		if ha, hb := a.HMCTransState == pel.TransAcked, b.HMCTransState == pel.TransAcked; ha != hb {
			return ha
		}
		if ha, hb := a.HostTransState == pel.TransSent, b.HostTransState == pel.TransSent; ha != hb {
			return ha
		}
		return a.CreateTS.Before(b.CreateTS)
	})
}
