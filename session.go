// Package hlsclient is an adaptive HTTP streaming client core. A Session
// wires together the playlist orchestrator, the key loader and the fragment
// delivery machine, keeps live playlists refreshed, and surfaces all
// progress and errors through a typed dispatcher.
package hlsclient

import (
	"fmt"
	"sync"
	"time"

	"hlsclient/internal/config"
	"hlsclient/internal/delivery"
	"hlsclient/internal/event"
	"hlsclient/internal/keys"
	"hlsclient/internal/logger"
	"hlsclient/internal/orchestrator"
	"hlsclient/internal/playlist"
	"hlsclient/internal/transport"
)

// Session drives playback of one stream from manifest load to fragment
// buffering.
type Session struct {
	cfg       *config.Config
	log       logger.Logger
	bus       *event.Dispatcher
	playlists *orchestrator.Loader
	keys      *keys.Loader
	machine   *delivery.Machine

	mu          sync.Mutex
	manifestURL string
	level       int
	variants    []*playlist.Variant
	started     bool
	loadStarted bool
	refreshStop chan struct{}
	refreshOn   bool
}

// NewSession creates a session. The parser and sink are the caller's demux
// and media-buffer implementations; nil cfg means Default(), nil log means
// no logging.
func NewSession(cfg *config.Config, log logger.Logger, parser delivery.Parser, sink delivery.BufferSink) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	bus := event.NewDispatcher()
	client := transport.NewHTTPClient()

	keyLoader := keys.New(cfg, log, bus, client)
	s := &Session{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		playlists:   orchestrator.New(cfg, log, bus, client),
		keys:        keyLoader,
		level:       -1,
		refreshStop: make(chan struct{}),
	}
	s.machine = delivery.NewMachine(cfg, log, bus, parser, sink, keyLoader, playlist.TypeMain, client)
	return s
}

// Bus exposes the dispatcher so callers can subscribe before Start.
func (s *Session) Bus() *event.Dispatcher {
	return s.bus
}

// Machine exposes the delivery machine; parser and sink implementations
// report their results through its On* methods.
func (s *Session) Machine() *delivery.Machine {
	return s.machine
}

// Start loads the manifest and begins fragment delivery once the first
// variant playlist arrives. It may be called once per session.
func (s *Session) Start(manifestURL string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.manifestURL = manifestURL
	s.mu.Unlock()

	s.bus.Subscribe(event.Handlers{
		OnManifestLoaded: s.onManifestLoaded,
		OnLevelLoaded:    s.onLevelLoaded,
	})
	s.bus.Subscribe(s.machine.Handlers())
	s.machine.Start()

	s.log.Infof("session starting: %s", manifestURL)
	s.playlists.LoadManifest(manifestURL)
	return nil
}

// Stop tears the session down. The session cannot be restarted.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.refreshOn {
		close(s.refreshStop)
		s.refreshOn = false
	}
	s.mu.Unlock()

	s.machine.Stop()
	s.keys.Stop()
	s.playlists.Stop()
	s.log.Infof("session stopped")
}

// Level returns the index of the active variant, -1 before the manifest has
// loaded.
func (s *Session) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Variants returns the variant set from the master playlist.
func (s *Session) Variants() []*playlist.Variant {
	return s.playlists.Variants()
}

// AudioTracks returns the alternate audio renditions.
func (s *Session) AudioTracks() []*playlist.AlternateTrack {
	return s.playlists.AudioTracks()
}

// SubtitleTracks returns the subtitle renditions.
func (s *Session) SubtitleTracks() []*playlist.AlternateTrack {
	return s.playlists.SubtitleTracks()
}

// SwitchLevel moves playback to another variant. Buffered media past the
// current position is flushed so the new level's fragments replace it.
func (s *Session) SwitchLevel(level int, flushFrom float64) error {
	s.mu.Lock()
	variants := s.variants
	if level < 0 || level >= len(variants) {
		s.mu.Unlock()
		return fmt.Errorf("level %d out of range (have %d variants)", level, len(variants))
	}
	s.level = level
	s.mu.Unlock()

	s.log.Infof("switching to level %d (%d bps)", level, variants[level].Bitrate)
	s.machine.EmergencyAbort()
	s.machine.RequestFlush(flushFrom, 1<<30)
	s.playlists.LoadLevel(variants[level].URL, level)
	return nil
}

// SelectAudioTrack loads the playlist for an alternate audio rendition.
func (s *Session) SelectAudioTrack(id int) error {
	tracks := s.playlists.AudioTracks()
	if id < 0 || id >= len(tracks) {
		return fmt.Errorf("audio track %d out of range", id)
	}
	if tracks[id].URL == "" {
		return fmt.Errorf("audio track %d has no dedicated playlist", id)
	}
	s.playlists.LoadAudioTrack(tracks[id].URL, id)
	return nil
}

// SelectSubtitleTrack loads the playlist for a subtitle rendition.
func (s *Session) SelectSubtitleTrack(id int) error {
	tracks := s.playlists.SubtitleTracks()
	if id < 0 || id >= len(tracks) {
		return fmt.Errorf("subtitle track %d out of range", id)
	}
	s.playlists.LoadSubtitleTrack(tracks[id].URL, id)
	return nil
}

func (s *Session) onManifestLoaded(ev event.ManifestLoaded) {
	s.mu.Lock()
	s.variants = ev.Variants
	if s.level < 0 {
		s.level = startLevel(ev.Variants)
	}
	level := s.level
	s.mu.Unlock()

	s.log.Infof("manifest loaded: %d variants, %d audio tracks, %d subtitle tracks",
		len(ev.Variants), len(ev.AudioTracks), len(ev.SubtitleTracks))
	s.playlists.LoadLevel(ev.Variants[level].URL, level)
}

func (s *Session) onLevelLoaded(ev event.LevelLoaded) {
	s.mu.Lock()
	if ev.Level != s.level {
		s.mu.Unlock()
		return
	}
	first := !s.loadStarted
	s.loadStarted = true
	startRefresh := ev.Variant.Live && !s.refreshOn
	if startRefresh {
		s.refreshOn = true
	}
	s.mu.Unlock()

	if first {
		s.machine.StartLoad(-1)
	}
	if startRefresh {
		go s.refreshLoop()
	}
}

// refreshLoop reloads the active variant playlist at half its target
// duration, the usual live cadence. It exits when the stream ends or the
// session stops.
func (s *Session) refreshLoop() {
	for {
		s.mu.Lock()
		level := s.level
		s.mu.Unlock()

		v := s.playlists.Variant(level)
		if v == nil {
			return
		}
		if !v.Live {
			s.log.Infof("level %d is no longer live, stopping refresh", level)
			return
		}

		interval := time.Duration(v.TargetDuration/2*1000) * time.Millisecond
		if interval < time.Second {
			interval = time.Second
		}
		select {
		case <-s.refreshStop:
			return
		case <-time.After(interval):
		}

		s.mu.Lock()
		variants := s.variants
		level = s.level
		s.mu.Unlock()
		if level >= 0 && level < len(variants) {
			s.playlists.LoadLevel(variants[level].URL, level)
		}
	}
}

// startLevel picks the initial variant: the lowest bitrate, so startup is
// fast and ABR can switch up from there.
func startLevel(variants []*playlist.Variant) int {
	best := 0
	for i, v := range variants {
		if v.Bitrate < variants[best].Bitrate {
			best = i
		}
	}
	return best
}
