// Package orchestrator loads manifest, variant and alternate-track playlists
// over the transport engine, turns the raw documents into playlist-model
// snapshots, and applies the sliding-window merge rules on live refreshes.
package orchestrator

import (
	"net/http"
	"sync"

	"hlsclient/internal/config"
	"hlsclient/internal/event"
	"hlsclient/internal/logger"
	"hlsclient/internal/playlist"
	"hlsclient/internal/transport"
)

// lane is one single-flight request slot per context kind. A non-empty url
// marks an in-flight load.
type lane struct {
	engine *transport.Engine
	url    string
}

// Loader owns the playlist model: it is the only component that mutates
// variant snapshots and track lists. Results are published through the
// dispatcher.
type Loader struct {
	cfg *config.Config
	log logger.Logger
	bus *event.Dispatcher

	mu    sync.Mutex
	lanes map[event.RequestKind]*lane

	manifestURL    string
	variants       []*playlist.Variant
	audioTracks    []*playlist.AlternateTrack
	subtitleTracks []*playlist.AlternateTrack
}

// New creates a loader with one transport engine per request-context kind.
func New(cfg *config.Config, log logger.Logger, bus *event.Dispatcher, client *http.Client) *Loader {
	l := &Loader{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		lanes: make(map[event.RequestKind]*lane),
	}
	for _, kind := range []event.RequestKind{
		event.KindManifest, event.KindLevel, event.KindAudioTrack, event.KindSubtitleTrack,
	} {
		l.lanes[kind] = &lane{engine: transport.NewEngine(client, log, cfg.UserAgent)}
	}
	return l
}

// Stop aborts every in-flight playlist load.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.lanes {
		ln.engine.Abort()
		ln.url = ""
	}
}

// Variants returns the current variant list.
func (l *Loader) Variants() []*playlist.Variant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.variants
}

// Variant returns the variant at the given level index, nil when out of range.
func (l *Loader) Variant(level int) *playlist.Variant {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < 0 || level >= len(l.variants) {
		return nil
	}
	return l.variants[level]
}

// AudioTracks returns the current audio rendition list.
func (l *Loader) AudioTracks() []*playlist.AlternateTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioTracks
}

// SubtitleTracks returns the current subtitle rendition list.
func (l *Loader) SubtitleTracks() []*playlist.AlternateTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subtitleTracks
}

// LoadManifest fetches and parses the master playlist. Failures are fatal.
func (l *Loader) LoadManifest(url string) {
	l.load(event.KindManifest, url, 0, 0)
}

// LoadLevel fetches the variant playlist for a level. A load for the URL
// already in flight is a no-op; a load for a different URL aborts it first.
func (l *Loader) LoadLevel(url string, level int) {
	l.load(event.KindLevel, url, level, 0)
}

// LoadAudioTrack fetches an audio rendition playlist.
func (l *Loader) LoadAudioTrack(url string, trackID int) {
	l.load(event.KindAudioTrack, url, 0, trackID)
}

// LoadSubtitleTrack fetches a subtitle rendition playlist.
func (l *Loader) LoadSubtitleTrack(url string, trackID int) {
	l.load(event.KindSubtitleTrack, url, 0, trackID)
}

func (l *Loader) load(kind event.RequestKind, url string, level, trackID int) {
	l.mu.Lock()
	ln := l.lanes[kind]
	if ln.url == url {
		l.mu.Unlock()
		l.log.Debugf("%s load for %s already in flight, ignoring", kind, url)
		return
	}
	if ln.url != "" {
		l.log.Debugf("%s load superseded: %s -> %s", kind, ln.url, url)
		ln.engine.Abort()
	}
	ln.url = url
	if kind == event.KindManifest {
		l.manifestURL = url
	}
	l.mu.Unlock()

	ln.engine.Load(
		&transport.Context{Kind: kind, URL: url, ResponseType: transport.ResponseText, Level: level, TrackID: trackID},
		l.optionsFor(kind),
		transport.Callbacks{
			OnSuccess: l.onPlaylistLoaded,
			OnError:   l.onLoadError,
			OnTimeout: l.onLoadTimeout,
		},
	)
}

// optionsFor returns the retry/timeout parameters per context kind. Only the
// manifest lane retries at the HTTP layer; variant and track playlist retry
// belongs to the delivery machine.
func (l *Loader) optionsFor(kind event.RequestKind) transport.Options {
	if kind == event.KindManifest {
		return transport.Options{
			Timeout:       l.cfg.ManifestLoadingTimeout,
			MaxRetry:      l.cfg.ManifestLoadingMaxRetry,
			RetryDelay:    l.cfg.ManifestLoadingRetryDelay,
			MaxRetryDelay: l.cfg.ManifestLoadingMaxRetryDelay,
		}
	}
	return transport.Options{Timeout: l.cfg.LevelLoadingTimeout}
}

func (l *Loader) clearLane(kind event.RequestKind) {
	l.mu.Lock()
	l.lanes[kind].url = ""
	l.mu.Unlock()
}

func (l *Loader) onPlaylistLoaded(resp *transport.Response, stats *transport.Stats, ctx *transport.Context) {
	l.clearLane(ctx.Kind)

	master, media, err := classify(resp.Data, resp.URL)
	if err != nil {
		l.emitParsingError(ctx, err)
		return
	}

	switch ctx.Kind {
	case event.KindManifest:
		if master != nil {
			l.publishManifest(resp.URL, master)
			return
		}
		// A media document at the manifest URL is a single-variant stream.
		variant, err := parseMedia(media, resp.URL, 0, playlist.TypeMain)
		if err != nil {
			l.emitParsingError(ctx, err)
			return
		}
		single := &masterResult{variants: []*playlist.Variant{{URL: resp.URL}}}
		l.publishManifest(resp.URL, single)
		l.mergeAndPublishLevel(variant, ctx)
	case event.KindLevel:
		if media == nil {
			l.emitParsingError(ctx, errMasterWhereMediaExpected(resp.URL))
			return
		}
		variant, err := parseMedia(media, resp.URL, ctx.Level, playlist.TypeMain)
		if err != nil {
			l.emitParsingError(ctx, err)
			return
		}
		l.mergeAndPublishLevel(variant, ctx)
	case event.KindAudioTrack, event.KindSubtitleTrack:
		if media == nil {
			l.emitParsingError(ctx, errMasterWhereMediaExpected(resp.URL))
			return
		}
		fragType := playlist.TypeAudio
		if ctx.Kind == event.KindSubtitleTrack {
			fragType = playlist.TypeSubtitle
		}
		variant, err := parseMedia(media, resp.URL, ctx.Level, fragType)
		if err != nil {
			l.emitParsingError(ctx, err)
			return
		}
		l.publishTrack(variant, ctx)
	}
}

func (l *Loader) publishManifest(url string, master *masterResult) {
	l.mu.Lock()
	l.variants = master.variants
	l.audioTracks = master.audioTracks
	l.subtitleTracks = master.subtitleTracks
	l.mu.Unlock()

	l.log.Infof("manifest loaded from %s: %d variants, %d audio tracks, %d subtitle tracks",
		url, len(master.variants), len(master.audioTracks), len(master.subtitleTracks))
	l.bus.ManifestLoaded(event.ManifestLoaded{
		URL:            url,
		Variants:       master.variants,
		AudioTracks:    master.audioTracks,
		SubtitleTracks: master.subtitleTracks,
	})
	l.bus.TracksUpdated(event.TracksUpdated{
		AudioTracks:    master.audioTracks,
		SubtitleTracks: master.subtitleTracks,
	})
}

// mergeAndPublishLevel merges the fresh snapshot against the previous one
// for the level, resolves segment-index ranges when still needed, and only
// then publishes the snapshot.
func (l *Loader) mergeAndPublishLevel(cur *playlist.Variant, ctx *transport.Context) {
	l.mu.Lock()
	var old *playlist.Variant
	if ctx.Level >= 0 && ctx.Level < len(l.variants) {
		old = l.variants[ctx.Level]
	}
	if old != nil {
		cur.Bitrate = old.Bitrate
		cur.Name = old.Name
		cur.Codecs = old.Codecs
		cur.Width, cur.Height = old.Width, old.Height
		cur.AudioGroupID = old.AudioGroupID
		cur.SubtitleGroupID = old.SubtitleGroupID
	}
	l.mu.Unlock()

	playlist.MergeVariants(old, cur)

	if cur.NeedSidxRanges {
		l.requestSidxRanges(cur, ctx)
		return
	}
	l.publishLevel(cur, ctx)
}

func (l *Loader) publishLevel(cur *playlist.Variant, ctx *transport.Context) {
	l.mu.Lock()
	if ctx.Level >= 0 && ctx.Level < len(l.variants) {
		l.variants[ctx.Level] = cur
	}
	l.mu.Unlock()

	l.log.Debugf("level %d loaded: sn [%d..%d], %d fragments, live=%t",
		ctx.Level, cur.StartSN, cur.EndSN, len(cur.Fragments), cur.Live)
	l.bus.LevelLoaded(event.LevelLoaded{Level: ctx.Level, Variant: cur})
}

func (l *Loader) publishTrack(cur *playlist.Variant, ctx *transport.Context) {
	l.mu.Lock()
	tracks := l.audioTracks
	if ctx.Kind == event.KindSubtitleTrack {
		tracks = l.subtitleTracks
	}
	var track *playlist.AlternateTrack
	if ctx.TrackID >= 0 && ctx.TrackID < len(tracks) {
		track = tracks[ctx.TrackID]
	}
	var old *playlist.Variant
	if track != nil {
		old = track.Details
	}
	l.mu.Unlock()

	playlist.MergeVariants(old, cur)

	if track == nil {
		l.log.Warnf("%s playlist loaded for unknown track id %d", ctx.Kind, ctx.TrackID)
		return
	}
	l.mu.Lock()
	track.Details = cur
	l.mu.Unlock()
	l.bus.TrackLoaded(event.TrackLoaded{Kind: ctx.Kind, ID: ctx.TrackID, Track: track})
}

// requestSidxRanges issues the secondary range request that reads the
// segment index from the init segment's leading bytes, then backfills every
// fragment's byte range before the snapshot is published.
func (l *Loader) requestSidxRanges(cur *playlist.Variant, ctx *transport.Context) {
	initSeg := cur.InitSegment
	initURL, err := initSeg.URL()
	if err != nil {
		l.emitParsingError(ctx, err)
		return
	}

	start, end := int64(0), l.cfg.SidxProbeBytes
	if br, brErr := initSeg.ByteRange(); brErr == nil && br != nil {
		start, end = br.Start, br.End
	}

	l.mu.Lock()
	ln := l.lanes[ctx.Kind]
	ln.url = initURL
	l.mu.Unlock()

	l.log.Debugf("requesting segment index for level %d: %s [%d..%d)", ctx.Level, initURL, start, end)
	ln.engine.Load(
		&transport.Context{
			Kind:         ctx.Kind,
			URL:          initURL,
			ResponseType: transport.ResponseBinary,
			RangeStart:   start,
			RangeEnd:     end,
			Level:        ctx.Level,
			TrackID:      ctx.TrackID,
		},
		l.optionsFor(ctx.Kind),
		transport.Callbacks{
			OnSuccess: func(resp *transport.Response, _ *transport.Stats, sidxCtx *transport.Context) {
				l.clearLane(sidxCtx.Kind)
				idx, err := parseSegmentIndex(resp.Data, sidxCtx.RangeStart)
				if err != nil {
					l.emitParsingError(sidxCtx, err)
					return
				}
				if err := backfillByteRanges(cur, idx); err != nil {
					l.emitParsingError(sidxCtx, err)
					return
				}
				l.publishLevel(cur, sidxCtx)
			},
			OnError:   l.onLoadError,
			OnTimeout: l.onLoadTimeout,
		},
	)
}

func (l *Loader) onLoadError(status int, err error, ctx *transport.Context, stats *transport.Stats) {
	l.clearLane(ctx.Kind)
	detail, fatal := event.ClassifyNetworkError(ctx.Kind, false)
	l.log.Warnf("%s load failed for %s: status=%d err=%v", ctx.Kind, ctx.URL, status, err)
	l.bus.Error(event.Error{
		Type:   event.ErrorTypeNetwork,
		Detail: detail,
		Fatal:  fatal,
		Err:    err,
		URL:    ctx.URL,
		Status: status,
		Level:  ctx.Level,
	})
}

func (l *Loader) onLoadTimeout(ctx *transport.Context, stats *transport.Stats) {
	l.clearLane(ctx.Kind)
	detail, fatal := event.ClassifyNetworkError(ctx.Kind, true)
	l.log.Warnf("%s load timed out for %s", ctx.Kind, ctx.URL)
	l.bus.Error(event.Error{
		Type:   event.ErrorTypeNetwork,
		Detail: detail,
		Fatal:  fatal,
		URL:    ctx.URL,
		Level:  ctx.Level,
	})
}

func (l *Loader) emitParsingError(ctx *transport.Context, err error) {
	var detail event.ErrorDetail
	fatal := false
	switch ctx.Kind {
	case event.KindManifest:
		detail, fatal = event.DetailManifestParsingError, true
	default:
		detail = event.DetailLevelParsingError
	}
	l.log.Warnf("%s parsing failed for %s: %v", ctx.Kind, ctx.URL, err)
	l.bus.Error(event.Error{
		Type:   event.ErrorTypeMedia,
		Detail: detail,
		Fatal:  fatal,
		Err:    err,
		URL:    ctx.URL,
		Level:  ctx.Level,
		Reason: err.Error(),
	})
}
