package playlist

import "math"

// FindFragmentByPosition selects the fragment to load for a given buffer end
// position. When the previous fragment's immediate successor already matches
// the tolerance comparator it is returned directly, preserving forward
// iteration without a search; otherwise the full list is binary-searched.
// The fragment list must be monotonic in start time.
func FindFragmentByPosition(prev *Fragment, fragments []*Fragment, bufferEnd, maxTolerance float64) *Fragment {
	if len(fragments) == 0 {
		return nil
	}

	if prev != nil {
		// The successor index is raw sequence arithmetic; the window may
		// have slid since prev was loaded, so bounds-check and fall back to
		// the search rather than trust it.
		idx := int64(prev.SN) - int64(fragments[0].SN) + 1
		if idx >= 0 && idx < int64(len(fragments)) {
			if next := fragments[idx]; next != nil && fragmentWithinTolerance(bufferEnd, maxTolerance, next) == 0 {
				return next
			}
		}
	}

	lo, hi := 0, len(fragments)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch cmp := fragmentWithinTolerance(bufferEnd, maxTolerance, fragments[mid]); {
		case cmp > 0:
			lo = mid + 1
		case cmp < 0:
			hi = mid - 1
		default:
			return fragments[mid]
		}
	}
	return nil
}

// fragmentWithinTolerance is the three-way comparator over a candidate's
// tolerance-adjusted interval: +1 when the candidate ends at or before the
// buffer end (too early), -1 when it starts after it (too late), 0 on a
// match. The tolerance is capped by the candidate's own duration so a very
// short fragment cannot be skipped, while a fragment that is already fully
// buffered is never re-selected.
func fragmentWithinTolerance(bufferEnd, maxTolerance float64, candidate *Fragment) int {
	tolerance := math.Min(maxTolerance, candidate.Duration+candidate.DeltaPTS)
	if candidate.Start+candidate.Duration-tolerance <= bufferEnd {
		return 1
	}
	if candidate.Start-tolerance > bufferEnd && candidate.Start != 0 {
		return -1
	}
	return 0
}

// FindFragmentByPDT selects the fragment containing the given wall-clock
// time (milliseconds since the epoch). It returns nil for an empty list, a
// non-finite target, or a target outside the window's wall-clock bounds.
func FindFragmentByPDT(fragments []*Fragment, targetPDT, maxTolerance float64) *Fragment {
	if len(fragments) == 0 || math.IsNaN(targetPDT) || math.IsInf(targetPDT, 0) {
		return nil
	}

	first := fragments[0]
	last := fragments[len(fragments)-1]
	if first.ProgramDateTime == 0 || last.EndProgramDateTime == 0 {
		return nil
	}
	if targetPDT < first.ProgramDateTime || targetPDT >= last.EndProgramDateTime {
		return nil
	}

	for _, f := range fragments {
		if pdtWithinTolerance(targetPDT, maxTolerance, f) {
			return f
		}
	}
	return nil
}

// pdtWithinTolerance reports whether the candidate's tolerance-adjusted end
// program-date-time lies after the target.
func pdtWithinTolerance(targetPDT, maxTolerance float64, candidate *Fragment) bool {
	tolerance := math.Min(maxTolerance, candidate.Duration+candidate.DeltaPTS)
	return candidate.EndProgramDateTime-tolerance*1000 > targetPDT
}
