package orchestrator

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsclient/internal/config"
	"hlsclient/internal/event"
	"hlsclient/internal/logger"
)

type loaderHarness struct {
	loader    *Loader
	manifests chan event.ManifestLoaded
	levels    chan event.LevelLoaded
	tracks    chan event.TrackLoaded
	errors    chan event.Error
}

func newLoaderHarness(t *testing.T) *loaderHarness {
	t.Helper()
	h := &loaderHarness{
		manifests: make(chan event.ManifestLoaded, 4),
		levels:    make(chan event.LevelLoaded, 4),
		tracks:    make(chan event.TrackLoaded, 4),
		errors:    make(chan event.Error, 4),
	}
	bus := event.NewDispatcher()
	bus.Subscribe(event.Handlers{
		OnManifestLoaded: func(ev event.ManifestLoaded) { h.manifests <- ev },
		OnLevelLoaded:    func(ev event.LevelLoaded) { h.levels <- ev },
		OnTrackLoaded:    func(ev event.TrackLoaded) { h.tracks <- ev },
		OnError:          func(ev event.Error) { h.errors <- ev },
	})
	h.loader = New(config.Default(), logger.Nop(), bus, http.DefaultClient)
	t.Cleanup(h.loader.Stop)
	return h
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func mediaDoc(seqNo int, live bool, segs ...string) string {
	doc := fmt.Sprintf("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:%d\n", seqNo)
	for _, s := range segs {
		doc += "#EXTINF:4.000,\n" + s + "\n"
	}
	if !live {
		doc += "#EXT-X-ENDLIST\n"
	}
	return doc
}

func TestLoadManifestAndLevel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720\n"+
			"low/playlist.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2560000\n"+
			"high/playlist.m3u8\n")
	})
	mux.HandleFunc("/low/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaDoc(10, false, "seg10.ts", "seg11.ts", "seg12.ts"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadManifest(srv.URL + "/master.m3u8")

	manifest := waitFor(t, h.manifests, "manifest")
	require.Len(t, manifest.Variants, 2)
	assert.Equal(t, uint32(1280000), manifest.Variants[0].Bitrate)

	h.loader.LoadLevel(manifest.Variants[0].URL, 0)
	level := waitFor(t, h.levels, "level")
	assert.Equal(t, 0, level.Level)
	require.Len(t, level.Variant.Fragments, 3)
	assert.Equal(t, uint64(10), level.Variant.StartSN)
	assert.False(t, level.Variant.Live)
	// Master attributes carry over onto the media snapshot.
	assert.Equal(t, uint32(1280000), level.Variant.Bitrate)
	assert.Equal(t, 1280, level.Variant.Width)

	assert.Same(t, level.Variant, h.loader.Variant(0))
}

func TestLoadManifestSingleVariantSynthesis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaDoc(0, false, "a.ts", "b.ts"))
	}))
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadManifest(srv.URL + "/playlist.m3u8")

	// A media document at the manifest URL yields a synthesized
	// single-variant master plus the level itself.
	manifest := waitFor(t, h.manifests, "manifest")
	require.Len(t, manifest.Variants, 1)

	level := waitFor(t, h.levels, "level")
	assert.Equal(t, 0, level.Level)
	assert.Len(t, level.Variant.Fragments, 2)
}

func TestLiveRefreshMerges(t *testing.T) {
	var refresh atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh.Load() == 0 {
			fmt.Fprint(w, mediaDoc(10, true, "seg10.ts", "seg11.ts", "seg12.ts"))
		} else {
			fmt.Fprint(w, mediaDoc(12, true, "seg12.ts", "seg13.ts", "seg14.ts"))
		}
	}))
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadManifest(srv.URL + "/live.m3u8")
	waitFor(t, h.manifests, "manifest")
	first := waitFor(t, h.levels, "first snapshot").Variant
	assert.True(t, first.Live)
	assert.Equal(t, 12.0, first.TotalDuration)

	refresh.Store(1)
	h.loader.LoadLevel(srv.URL+"/live.m3u8", 0)
	second := waitFor(t, h.levels, "second snapshot").Variant

	assert.Equal(t, uint64(12), second.StartSN)
	assert.Equal(t, uint64(14), second.EndSN)
	// The overlapping fragment keeps its place on the timeline.
	assert.Equal(t, first.FragmentBySN(12).Start, second.FragmentBySN(12).Start)
	assert.True(t, second.PTSKnown == first.PTSKnown)
}

func TestDuplicateLoadIsNoOp(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, mediaDoc(0, false, "a.ts"))
	}))
	defer srv.Close()
	defer close(release)

	h := newLoaderHarness(t)
	url := srv.URL + "/p.m3u8"
	h.loader.LoadLevel(url, 0)
	h.loader.LoadLevel(url, 0) // same URL in flight: dropped

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestManifestParsingErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>oops</html>")
	}))
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadManifest(srv.URL + "/master.m3u8")

	ev := waitFor(t, h.errors, "error")
	assert.Equal(t, event.DetailManifestParsingError, ev.Detail)
	assert.True(t, ev.Fatal)
}

func TestManifestHTTPErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadManifest(srv.URL + "/master.m3u8")

	ev := waitFor(t, h.errors, "error")
	assert.Equal(t, event.DetailManifestLoadError, ev.Detail)
	assert.True(t, ev.Fatal)
	assert.Equal(t, http.StatusNotFound, ev.Status)
}

func TestLevelErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadLevel(srv.URL+"/low.m3u8", 0)

	ev := waitFor(t, h.errors, "error")
	assert.Equal(t, event.DetailLevelLoadError, ev.Detail)
	assert.False(t, ev.Fatal)
}

func TestSidxRangesResolvedBeforePublish(t *testing.T) {
	sidx := buildSidxV0(90000, 0, 1000, 2000)
	var gotRange string
	mux := http.NewServeMux()
	mux.HandleFunc("/p.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:4\n"+
			"#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-MAP:URI=\"media.mp4\"\n"+
			"#EXTINF:4.000,\nseg0.m4s\n#EXTINF:4.000,\nseg1.m4s\n#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/media.mp4", func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(sidx)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newLoaderHarness(t)
	h.loader.LoadLevel(srv.URL+"/p.m3u8", 0)

	level := waitFor(t, h.levels, "level")
	assert.Equal(t, "bytes=0-2047", gotRange)
	assert.False(t, level.Variant.NeedSidxRanges)

	br, err := level.Variant.Fragments[0].ByteRange()
	require.NoError(t, err)
	require.NotNil(t, br)
	assert.Equal(t, int64(len(sidx)), br.Start)
	assert.Equal(t, int64(len(sidx))+1000, br.End)
}
