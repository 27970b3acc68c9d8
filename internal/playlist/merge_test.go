package playlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeVariant(startSN uint64, durations ...float64) *Variant {
	v := &Variant{
		StartSN: startSN,
		EndSN:   startSN + uint64(len(durations)) - 1,
		Live:    true,
	}
	for i, d := range durations {
		v.Fragments = append(v.Fragments, &Fragment{
			SN:       startSN + uint64(i),
			Duration: d,
			Type:     TypeMain,
		})
	}
	return v
}

func TestInitStartTimes(t *testing.T) {
	v := makeVariant(0, 4, 6, 2)
	InitStartTimes(v, 100)

	assert.Equal(t, 100.0, v.Fragments[0].Start)
	assert.Equal(t, 104.0, v.Fragments[1].Start)
	assert.Equal(t, 110.0, v.Fragments[2].Start)
	assert.Equal(t, 12.0, v.TotalDuration)
}

func TestInitStartTimesExtrapolatesPDT(t *testing.T) {
	v := makeVariant(0, 4, 4, 4)
	base := 1_700_000_000_000.0
	v.Fragments[0].ProgramDateTime = base
	InitStartTimes(v, 0)

	assert.Equal(t, base+4000, v.Fragments[1].ProgramDateTime)
	assert.Equal(t, base+8000, v.Fragments[2].ProgramDateTime)
	assert.Equal(t, base+12000, v.Fragments[2].EndProgramDateTime)
}

func TestMergeVariantsFirstSnapshot(t *testing.T) {
	cur := makeVariant(10, 4, 4)
	MergeVariants(nil, cur)

	assert.Equal(t, 0.0, cur.Fragments[0].Start)
	assert.Equal(t, 4.0, cur.Fragments[1].Start)
	assert.Equal(t, 8.0, cur.TotalDuration)
}

func TestMergeVariantsOverlap(t *testing.T) {
	old := makeVariant(10, 4, 4, 4, 4, 4, 4) // SN 10..15
	InitStartTimes(old, 0)
	old.PTSKnown = true
	// Parsed timing refined fragment 13's start and duration.
	old.FragmentBySN(13).Start = 12.5
	old.FragmentBySN(13).Duration = 4.2
	old.FragmentBySN(13).DeltaPTS = 0.2

	cur := makeVariant(13, 4, 4, 4, 4, 4, 4) // SN 13..18
	MergeVariants(old, cur)

	// Shared sequence numbers keep the old snapshot's timing.
	f13 := cur.FragmentBySN(13)
	require.NotNil(t, f13)
	assert.Equal(t, 12.5, f13.Start)
	assert.Equal(t, 4.2, f13.Duration)
	assert.Equal(t, 0.2, f13.DeltaPTS)

	assert.Equal(t, old.FragmentBySN(14).Start, cur.FragmentBySN(14).Start)
	assert.Equal(t, old.FragmentBySN(15).Start, cur.FragmentBySN(15).Start)

	// Fragments past the overlap chain off the carried timing.
	f16 := cur.FragmentBySN(16)
	require.NotNil(t, f16)
	assert.Equal(t, cur.FragmentBySN(15).End(), f16.Start)
	assert.Equal(t, f16.End(), cur.FragmentBySN(17).Start)

	assert.True(t, cur.PTSKnown)
	assert.InDelta(t, 24.2, cur.TotalDuration, 1e-9)
}

func TestMergeVariantsCarriesBacktracked(t *testing.T) {
	old := makeVariant(10, 4, 4, 4)
	InitStartTimes(old, 0)
	old.FragmentBySN(11).Backtracked = true

	cur := makeVariant(11, 4, 4, 4)
	MergeVariants(old, cur)

	assert.True(t, cur.FragmentBySN(11).Backtracked)
	assert.False(t, cur.FragmentBySN(12).Backtracked)
}

func TestMergeVariantsNoOverlap(t *testing.T) {
	old := makeVariant(10, 4, 4) // SN 10..11, edge at 8 once timed
	InitStartTimes(old, 0)
	old.PTSKnown = true

	cur := makeVariant(50, 4, 4)
	MergeVariants(old, cur)

	// Anchored at the old live edge, timing no longer trusted.
	assert.Equal(t, 8.0, cur.Fragments[0].Start)
	assert.False(t, cur.PTSKnown)
}

func TestMergeVariantsEmptyCurrent(t *testing.T) {
	old := makeVariant(10, 4)
	InitStartTimes(old, 0)

	cur := &Variant{}
	MergeVariants(old, cur) // must not panic
	assert.Empty(t, cur.Fragments)
}

func TestCheckContiguity(t *testing.T) {
	v := makeVariant(10, 4, 4, 4)
	assert.NoError(t, v.CheckContiguity())

	v.Fragments = v.Fragments[:2]
	assert.Error(t, v.CheckContiguity())
}
