package playlist

// InitStartTimes assigns cumulative start times to a freshly parsed snapshot
// beginning at the given offset, extrapolates missing program-date-time
// values from preceding fragments, and computes the total duration.
func InitStartTimes(v *Variant, from float64) {
	start := from
	var lastEndPDT float64
	for _, f := range v.Fragments {
		f.Start = start
		start += f.Duration
		if f.ProgramDateTime == 0 && lastEndPDT != 0 {
			f.ProgramDateTime = lastEndPDT
		}
		if f.ProgramDateTime != 0 {
			f.EndProgramDateTime = f.ProgramDateTime + f.Duration*1000
			lastEndPDT = f.EndProgramDateTime
		}
	}
	v.TotalDuration = start - from
}

// MergeVariants applies the sliding-window merge rules: cur becomes the
// authoritative window, fragments that aged out of it are dropped with the
// old snapshot, and derived timing attached to sequence numbers both
// snapshots share is carried forward onto cur's fragments.
func MergeVariants(old, cur *Variant) {
	if cur == nil || !cur.HasFragments() {
		return
	}
	if old == nil || !old.HasFragments() {
		InitStartTimes(cur, 0)
		return
	}

	lo := old.StartSN
	if cur.StartSN > lo {
		lo = cur.StartSN
	}
	hi := old.EndSN
	if cur.EndSN < hi {
		hi = cur.EndSN
	}
	if hi < lo {
		// The window slid past the previous snapshot entirely. Anchor the
		// new window at the old live edge so the timeline stays monotonic,
		// but parsed timing no longer applies.
		InitStartTimes(cur, old.Edge())
		cur.PTSKnown = false
		return
	}

	InitStartTimes(cur, 0)

	for sn := lo; sn <= hi; sn++ {
		oldFrag := old.FragmentBySN(sn)
		newFrag := cur.FragmentBySN(sn)
		newFrag.Start = oldFrag.Start
		newFrag.Duration = oldFrag.Duration
		newFrag.DeltaPTS = oldFrag.DeltaPTS
		newFrag.Backtracked = oldFrag.Backtracked
		if newFrag.ProgramDateTime == 0 && oldFrag.ProgramDateTime != 0 {
			newFrag.ProgramDateTime = oldFrag.ProgramDateTime
			newFrag.EndProgramDateTime = oldFrag.EndProgramDateTime
		}
	}

	// Re-anchor fragments outside the overlap on the carried timing.
	anchor := int(lo - cur.StartSN)
	for i := anchor - 1; i >= 0; i-- {
		cur.Fragments[i].Start = cur.Fragments[i+1].Start - cur.Fragments[i].Duration
	}
	for i := int(hi-cur.StartSN) + 1; i < len(cur.Fragments); i++ {
		cur.Fragments[i].Start = cur.Fragments[i-1].End()
	}

	var total float64
	for _, f := range cur.Fragments {
		total += f.Duration
	}
	cur.TotalDuration = total
	cur.PTSKnown = old.PTSKnown
}
