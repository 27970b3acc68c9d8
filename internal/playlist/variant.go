package playlist

import (
	"fmt"
	"time"
)

// Variant represents one quality-level or alternate-track playlist: the
// master-level stream attributes plus, once its media playlist has been
// loaded, a snapshot of the fragment window.
type Variant struct {
	// Master playlist attributes.
	URL             string
	Bitrate         uint32
	Name            string
	Codecs          string
	Width           int
	Height          int
	AudioGroupID    string
	SubtitleGroupID string

	// Media playlist snapshot. Fragments are in presentation order and
	// contiguous in sequence number.
	Fragments      []*Fragment
	TargetDuration float64
	TotalDuration  float64
	Live           bool
	StartSN        uint64
	EndSN          uint64
	StartCC        int
	EndCC          int
	// StartTimeOffset is the EXT-X-START offset in seconds, nil when absent.
	StartTimeOffset *float64
	// InitSegment is the EXT-X-MAP fragment, nil for transport streams.
	InitSegment *Fragment
	// PTSKnown is true once parsed timing has been aligned onto the window.
	PTSKnown bool
	// NeedSidxRanges is true while fragment byte ranges still have to be
	// resolved from a segment index.
	NeedSidxRanges bool
	// LastLoaded is when this snapshot was fetched.
	LastLoaded time.Time
}

// HasFragments reports whether a media snapshot has been attached.
func (v *Variant) HasFragments() bool {
	return len(v.Fragments) > 0
}

// Edge returns the presentation end time of the last fragment.
func (v *Variant) Edge() float64 {
	if len(v.Fragments) == 0 {
		return 0
	}
	return v.Fragments[len(v.Fragments)-1].End()
}

// CheckContiguity verifies the sequence-number invariant of the window.
func (v *Variant) CheckContiguity() error {
	if len(v.Fragments) == 0 {
		return nil
	}
	if v.EndSN-v.StartSN+1 != uint64(len(v.Fragments)) {
		return fmt.Errorf("variant window not contiguous: sn [%d..%d] but %d fragments",
			v.StartSN, v.EndSN, len(v.Fragments))
	}
	return nil
}

// FragmentBySN returns the fragment with the given sequence number, or nil
// when it has aged out of (or is ahead of) the window.
func (v *Variant) FragmentBySN(sn uint64) *Fragment {
	if len(v.Fragments) == 0 || sn < v.StartSN || sn > v.EndSN {
		return nil
	}
	return v.Fragments[sn-v.StartSN]
}

// AlternateTrack describes an audio or subtitle rendition from the master
// playlist. Immutable after creation except for the lazily attached Details.
type AlternateTrack struct {
	Type       FragmentType
	GroupID    string
	Lang       string
	Name       string
	Default    bool
	AutoSelect bool
	Forced     bool
	// URL is the rendition playlist address, empty for muxed-in renditions.
	URL string
	// Details is attached once the rendition playlist has been loaded.
	Details *Variant
}
