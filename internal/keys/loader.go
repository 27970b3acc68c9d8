// Package keys fetches and caches fragment decryption keys. One request may
// be in flight per elementary-stream lane; the most recently resolved key is
// cached by URI and shared by every fragment that references it.
package keys

import (
	"net/http"
	"sync"

	"hlsclient/internal/config"
	"hlsclient/internal/event"
	"hlsclient/internal/logger"
	"hlsclient/internal/playlist"
	"hlsclient/internal/transport"
)

// Loader resolves decryption keys for encrypted fragments.
type Loader struct {
	cfg *config.Config
	log logger.Logger
	bus *event.Dispatcher

	mu       sync.Mutex
	engines  map[playlist.FragmentType]*transport.Engine
	inFlight map[playlist.FragmentType]string
	// Most recently resolved key, shared across fragments by URI.
	cachedURI string
	cachedKey []byte
}

// New creates a key loader with one engine per fragment-type lane.
func New(cfg *config.Config, log logger.Logger, bus *event.Dispatcher, client *http.Client) *Loader {
	l := &Loader{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		engines:  make(map[playlist.FragmentType]*transport.Engine),
		inFlight: make(map[playlist.FragmentType]string),
	}
	for _, t := range []playlist.FragmentType{playlist.TypeMain, playlist.TypeAudio, playlist.TypeSubtitle} {
		l.engines[t] = transport.NewEngine(client, log, cfg.UserAgent)
	}
	return l
}

// Stop aborts every in-flight key request.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for t, e := range l.engines {
		e.Abort()
		delete(l.inFlight, t)
	}
}

// Abort cancels the in-flight key request on one lane, if any.
func (l *Loader) Abort(t playlist.FragmentType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[t] != "" {
		l.engines[t].Abort()
		delete(l.inFlight, t)
	}
}

// Load resolves the key for an encrypted fragment. A cache hit attaches the
// cached bytes and signals completion without any network traffic; a miss
// aborts any other in-flight key request on the fragment's lane and fetches.
// The engine runs without retry; retry policy belongs to the caller.
func (l *Loader) Load(frag *playlist.Fragment) {
	keyRef := frag.Key
	if keyRef == nil {
		return
	}
	uri, err := keyRef.URL()
	if err != nil {
		l.bus.Error(event.Error{
			Type:   event.ErrorTypeNetwork,
			Detail: event.DetailKeyLoadError,
			Err:    err,
			Frag:   frag,
		})
		return
	}

	l.mu.Lock()
	if l.cachedURI == uri && l.cachedKey != nil {
		keyRef.Key = l.cachedKey
		l.mu.Unlock()
		l.log.Debugf("key cache hit for fragment sn=%d: %s", frag.SN, uri)
		l.bus.KeyLoaded(event.KeyLoaded{Frag: frag})
		return
	}
	engine := l.engines[frag.Type]
	if l.inFlight[frag.Type] != "" {
		engine.Abort()
	}
	l.inFlight[frag.Type] = uri
	l.mu.Unlock()

	l.log.Debugf("loading key for fragment sn=%d from %s", frag.SN, uri)
	engine.Load(
		&transport.Context{
			Kind:         event.KindKey,
			URL:          uri,
			ResponseType: transport.ResponseBinary,
			Frag:         frag,
		},
		transport.Options{Timeout: l.cfg.KeyLoadingTimeout},
		transport.Callbacks{
			OnSuccess: l.onKeyLoaded,
			OnError:   l.onKeyError,
			OnTimeout: l.onKeyTimeout,
		},
	)
}

func (l *Loader) clearLane(frag *playlist.Fragment) {
	l.mu.Lock()
	delete(l.inFlight, frag.Type)
	l.mu.Unlock()
}

func (l *Loader) onKeyLoaded(resp *transport.Response, stats *transport.Stats, ctx *transport.Context) {
	frag := ctx.Frag
	l.clearLane(frag)

	l.mu.Lock()
	l.cachedURI = ctx.URL
	l.cachedKey = resp.Data
	l.mu.Unlock()

	frag.Key.Key = resp.Data
	l.log.Debugf("key loaded for fragment sn=%d (%d bytes)", frag.SN, len(resp.Data))
	l.bus.KeyLoaded(event.KeyLoaded{Frag: frag})
}

func (l *Loader) onKeyError(status int, err error, ctx *transport.Context, stats *transport.Stats) {
	l.clearLane(ctx.Frag)
	detail, fatal := event.ClassifyNetworkError(event.KindKey, false)
	l.bus.Error(event.Error{
		Type:   event.ErrorTypeNetwork,
		Detail: detail,
		Fatal:  fatal,
		Err:    err,
		URL:    ctx.URL,
		Status: status,
		Frag:   ctx.Frag,
	})
}

func (l *Loader) onKeyTimeout(ctx *transport.Context, stats *transport.Stats) {
	l.clearLane(ctx.Frag)
	detail, fatal := event.ClassifyNetworkError(event.KindKey, true)
	l.bus.Error(event.Error{
		Type:   event.ErrorTypeNetwork,
		Detail: detail,
		Fatal:  fatal,
		URL:    ctx.URL,
		Frag:   ctx.Frag,
	})
}
