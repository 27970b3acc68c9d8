// Package event carries the typed signals exchanged between the client's
// subsystems and their consumers. Each message kind is a distinct struct
// routed through an explicit dispatcher with one handler func per kind.
package event

import (
	"sync"

	"hlsclient/internal/playlist"
)

// RequestKind identifies the lane an outbound request belongs to.
type RequestKind int

const (
	KindManifest RequestKind = iota
	KindLevel
	KindAudioTrack
	KindSubtitleTrack
	KindFragment
	KindKey
)

func (k RequestKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindLevel:
		return "level"
	case KindAudioTrack:
		return "audio-track"
	case KindSubtitleTrack:
		return "subtitle-track"
	case KindFragment:
		return "fragment"
	case KindKey:
		return "key"
	default:
		return "unknown"
	}
}

// ManifestLoaded is emitted once the master playlist has been parsed.
type ManifestLoaded struct {
	URL            string
	Variants       []*playlist.Variant
	AudioTracks    []*playlist.AlternateTrack
	SubtitleTracks []*playlist.AlternateTrack
}

// LevelLoaded is emitted when a variant playlist snapshot has been parsed
// and merged.
type LevelLoaded struct {
	Level   int
	Variant *playlist.Variant
}

// TrackLoaded is emitted when an alternate-track playlist snapshot has been
// attached to its track.
type TrackLoaded struct {
	Kind  RequestKind
	ID    int
	Track *playlist.AlternateTrack
}

// TracksUpdated is emitted when the set of alternate tracks changes.
type TracksUpdated struct {
	AudioTracks    []*playlist.AlternateTrack
	SubtitleTracks []*playlist.AlternateTrack
}

// KeyLoaded is emitted when a fragment's decryption key bytes are available.
type KeyLoaded struct {
	Frag *playlist.Fragment
}

// FragmentBuffered is emitted once every buffer-append for a fragment has
// been acknowledged.
type FragmentBuffered struct {
	Frag *playlist.Fragment
}

// Handlers holds one handler func per message kind. Nil funcs are skipped.
type Handlers struct {
	OnManifestLoaded   func(ManifestLoaded)
	OnLevelLoaded      func(LevelLoaded)
	OnTrackLoaded      func(TrackLoaded)
	OnTracksUpdated    func(TracksUpdated)
	OnKeyLoaded        func(KeyLoaded)
	OnFragmentBuffered func(FragmentBuffered)
	OnError            func(Error)
}

// Dispatcher routes each message to every subscriber's handler for its kind.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []Handlers
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a handler set. Subscriptions cannot be removed; a
// subscriber that goes away should leave its funcs to no-op.
func (d *Dispatcher) Subscribe(h Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, h)
}

func (d *Dispatcher) handlers() []Handlers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subs
}

// ManifestLoaded dispatches a ManifestLoaded message.
func (d *Dispatcher) ManifestLoaded(ev ManifestLoaded) {
	for _, h := range d.handlers() {
		if h.OnManifestLoaded != nil {
			h.OnManifestLoaded(ev)
		}
	}
}

// LevelLoaded dispatches a LevelLoaded message.
func (d *Dispatcher) LevelLoaded(ev LevelLoaded) {
	for _, h := range d.handlers() {
		if h.OnLevelLoaded != nil {
			h.OnLevelLoaded(ev)
		}
	}
}

// TrackLoaded dispatches a TrackLoaded message.
func (d *Dispatcher) TrackLoaded(ev TrackLoaded) {
	for _, h := range d.handlers() {
		if h.OnTrackLoaded != nil {
			h.OnTrackLoaded(ev)
		}
	}
}

// TracksUpdated dispatches a TracksUpdated message.
func (d *Dispatcher) TracksUpdated(ev TracksUpdated) {
	for _, h := range d.handlers() {
		if h.OnTracksUpdated != nil {
			h.OnTracksUpdated(ev)
		}
	}
}

// KeyLoaded dispatches a KeyLoaded message.
func (d *Dispatcher) KeyLoaded(ev KeyLoaded) {
	for _, h := range d.handlers() {
		if h.OnKeyLoaded != nil {
			h.OnKeyLoaded(ev)
		}
	}
}

// FragmentBuffered dispatches a FragmentBuffered message.
func (d *Dispatcher) FragmentBuffered(ev FragmentBuffered) {
	for _, h := range d.handlers() {
		if h.OnFragmentBuffered != nil {
			h.OnFragmentBuffered(ev)
		}
	}
}

// Error dispatches an Error message.
func (d *Dispatcher) Error(ev Error) {
	for _, h := range d.handlers() {
		if h.OnError != nil {
			h.OnError(ev)
		}
	}
}
