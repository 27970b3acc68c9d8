package delivery

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsclient/internal/config"
	"hlsclient/internal/event"
	"hlsclient/internal/keys"
	"hlsclient/internal/logger"
	"hlsclient/internal/playlist"
)

type pushCall struct {
	payload []byte
	init    []byte
	frag    *playlist.Fragment
}

type fakeParser struct {
	pushes []pushCall
}

func (p *fakeParser) Push(payload, initSegment []byte, audioCodec, videoCodec string,
	frag *playlist.Fragment, totalDuration float64, accurateTimeOffset bool) {
	p.pushes = append(p.pushes, pushCall{payload: payload, init: initSegment, frag: frag})
}

type fakeSink struct {
	appends []Append
	flushes []TimeRange
}

func (s *fakeSink) Append(a Append)          { s.appends = append(s.appends, a) }
func (s *fakeSink) Flush(start, end float64) { s.flushes = append(s.flushes, TimeRange{start, end}) }

type machineHarness struct {
	m        *Machine
	parser   *fakeParser
	sink     *fakeSink
	bus      *event.Dispatcher
	buffered chan event.FragmentBuffered
	errors   chan event.Error
}

func newMachineHarness(t *testing.T, cfg *config.Config) *machineHarness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	h := &machineHarness{
		parser:   &fakeParser{},
		sink:     &fakeSink{},
		bus:      event.NewDispatcher(),
		buffered: make(chan event.FragmentBuffered, 8),
		errors:   make(chan event.Error, 8),
	}
	h.bus.Subscribe(event.Handlers{
		OnFragmentBuffered: func(ev event.FragmentBuffered) { h.buffered <- ev },
		OnError:            func(ev event.Error) { h.errors <- ev },
	})
	log := logger.Nop()
	keyLoader := keys.New(cfg, log, h.bus, http.DefaultClient)
	h.m = NewMachine(cfg, log, h.bus, h.parser, h.sink, keyLoader,
		playlist.TypeMain, http.DefaultClient)
	// The run goroutine never starts; tests drive handle and tick directly.
	return h
}

// nextMsg waits for a message posted by a transport or key callback.
func (h *machineHarness) nextMsg(t *testing.T) message {
	t.Helper()
	select {
	case msg := <-h.m.msgs:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no message arrived")
		panic("unreachable")
	}
}

func testVariant(baseURL string, startSN uint64, durations ...float64) *playlist.Variant {
	v := &playlist.Variant{
		TargetDuration: 4,
		StartSN:        startSN,
		EndSN:          startSN + uint64(len(durations)) - 1,
	}
	var start float64
	for i, d := range durations {
		sn := startSN + uint64(i)
		v.Fragments = append(v.Fragments, &playlist.Fragment{
			SN:       sn,
			Type:     playlist.TypeMain,
			BaseURL:  baseURL + "/p.m3u8",
			RelURL:   fmt.Sprintf("seg%d.ts", sn),
			Duration: d,
			Start:    start,
		})
		start += d
		v.TotalDuration += d
	}
	return v
}

func fragServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "payload:%s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMachineWaitsForLevel(t *testing.T) {
	h := newMachineHarness(t, nil)

	h.m.handle(startLoadMsg{position: 0})
	assert.Equal(t, StateWaitingLevel, h.m.State())

	srv := fragServer(t)
	h.m.handle(levelLoadedMsg{level: 0, variant: testVariant(srv.URL, 0, 4, 4)})
	assert.Equal(t, StateIdle, h.m.State())
}

func TestMachineHappyPath(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4)

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.handle(startLoadMsg{position: 0})
	assert.Equal(t, StateFragLoading, h.m.State())

	msg := h.nextMsg(t)
	loaded, ok := msg.(fragLoadedMsg)
	require.True(t, ok, "expected fragLoadedMsg, got %T", msg)
	assert.Same(t, v.Fragments[0], loaded.frag)
	assert.Equal(t, "payload:/seg0.ts", string(loaded.payload))

	h.m.handle(msg)
	assert.Equal(t, StateParsing, h.m.State())
	require.Len(t, h.parser.pushes, 1)
	assert.Same(t, v.Fragments[0], h.parser.pushes[0].frag)

	h.m.handle(parsedDataMsg{data: ParsedData{Kind: StreamVideo, Data: []byte("es"), StartPTS: 0, EndPTS: 4}})
	require.Len(t, h.sink.appends, 1)
	assert.Equal(t, StreamVideo, h.sink.appends[0].Type)

	h.m.handle(parseCompleteMsg{frag: v.Fragments[0]})
	assert.Equal(t, StateParsed, h.m.State())

	h.m.handle(bufferAppendedMsg{})
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 4.0, h.m.nextLoadPosition)
	assert.Same(t, v.Fragments[0], h.m.fragPrevious)

	ev := <-h.buffered
	assert.Same(t, v.Fragments[0], ev.Frag)
	assert.True(t, v.Fragments[0].HasVideo)

	// The next tick advances to the successor.
	h.m.tick()
	assert.Equal(t, StateFragLoading, h.m.State())
	assert.Same(t, v.Fragments[1], h.m.fragCurrent)
	h.nextMsg(t)
}

func TestMachineEndOfStream(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4)
	v.Live = false

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateIdle
	h.m.nextLoadPosition = v.Fragments[0].End()
	h.m.tick()
	assert.Equal(t, StateEnded, h.m.State())
}

func TestMachineBitrateTestShortCircuit(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4)
	v.Fragments[0].BitrateTest = true

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.handle(startLoadMsg{position: 0})
	h.m.handle(h.nextMsg(t))

	// No parse, no append, straight back to selection.
	assert.Equal(t, StateIdle, h.m.State())
	assert.Empty(t, h.parser.pushes)
	assert.Empty(t, h.sink.appends)
	ev := <-h.buffered
	assert.Same(t, v.Fragments[0], ev.Frag)
}

func TestMachineBacktrackRewind(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4, 4)
	frag := v.Fragments[2]

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateParsing
	h.m.fragCurrent = frag
	h.m.fragPrevious = v.Fragments[1]
	h.m.tracked[frag.SN] = frag

	h.m.handle(parsedDataMsg{data: ParsedData{
		Kind: StreamVideo, Data: []byte("es"), StartPTS: 8.5, EndPTS: 12, Dropped: 3,
	}})

	// The fragment is withdrawn and selection rewinds to the parsed start.
	assert.Empty(t, h.sink.appends)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 8.5, h.m.nextLoadPosition)
	assert.Nil(t, h.m.fragPrevious)
	assert.NotContains(t, h.m.tracked, frag.SN)
	assert.True(t, frag.Backtracked)
	assert.True(t, frag.Dropped)
}

func TestMachineBacktrackSecondPassBuffersGap(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4)
	frag := v.Fragments[0]
	frag.Backtracked = true

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateParsing
	h.m.fragCurrent = frag

	h.m.handle(parsedDataMsg{data: ParsedData{
		Kind: StreamVideo, Data: []byte("es"), StartPTS: 0.5, EndPTS: 4, Dropped: 1,
	}})

	// Default policy: the gap is accepted and the data still buffers.
	require.Len(t, h.sink.appends, 1)
	assert.Equal(t, StateParsing, h.m.State())
}

func TestMachineBacktrackSecondPassDropPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.DropBacktracked = true
	srv := fragServer(t)
	h := newMachineHarness(t, cfg)
	v := testVariant(srv.URL, 0, 4)
	frag := v.Fragments[0]
	frag.Backtracked = true

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateParsing
	h.m.fragCurrent = frag
	h.m.tracked[frag.SN] = frag

	h.m.handle(parsedDataMsg{data: ParsedData{
		Kind: StreamVideo, Data: []byte("es"), StartPTS: 0.5, EndPTS: 4, Dropped: 1,
	}})
	assert.Empty(t, h.sink.appends)

	h.m.handle(parseCompleteMsg{frag: frag})
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, frag.End(), h.m.nextLoadPosition)
	assert.NotContains(t, h.m.tracked, frag.SN)

	select {
	case <-h.buffered:
		t.Fatal("dropped fragment must not report as buffered")
	default:
	}
}

func TestMachineRetryThenExhaustion(t *testing.T) {
	cfg := config.Default()
	cfg.FragLoadingMaxRetry = 2
	cfg.FragLoadingRetryDelay = 5 * time.Millisecond
	cfg.FragLoadingMaxRetryDelay = 20 * time.Millisecond

	srv := fragServer(t)
	h := newMachineHarness(t, cfg)
	v := testVariant(srv.URL, 0, 4)
	frag := v.Fragments[0]

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateFragLoading
	h.m.fragCurrent = frag

	h.m.handle(fragErrorMsg{frag: frag, status: 503})
	assert.Equal(t, StateFragLoadingWaitingRetry, h.m.State())
	ev := <-h.errors
	assert.Equal(t, event.DetailFragLoadError, ev.Detail)
	assert.False(t, ev.Fatal)

	// The backoff timer posts the retry trigger.
	msg := h.nextMsg(t)
	_, ok := msg.(retryTickMsg)
	require.True(t, ok, "expected retryTickMsg, got %T", msg)
	h.m.handle(msg)
	assert.Equal(t, StateFragLoading, h.m.State())
	h.nextMsg(t) // the re-issued load completes against the test server

	h.m.handle(fragErrorMsg{frag: frag, status: 503})
	<-h.errors
	h.nextMsg(t) // second retry trigger
	h.m.state = StateFragLoading

	h.m.handle(fragErrorMsg{frag: frag, status: 503})
	assert.Equal(t, StateError, h.m.State())
	ev = <-h.errors
	assert.Equal(t, event.DetailFragRetryExhausted, ev.Detail)
	assert.False(t, ev.Fatal)
}

func TestMachineTimeoutUsesTimeoutDetail(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4)
	frag := v.Fragments[0]

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateFragLoading
	h.m.fragCurrent = frag

	h.m.handle(fragErrorMsg{frag: frag, timeout: true})
	ev := <-h.errors
	assert.Equal(t, event.DetailFragLoadTimeout, ev.Detail)
}

func TestMachineFlushEvictsTracking(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4)

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateIdle
	h.m.fragPrevious = v.Fragments[1]
	h.m.tracked[0] = v.Fragments[0]
	h.m.tracked[1] = v.Fragments[1]

	h.m.handle(flushRequestMsg{start: 4, end: 100})
	assert.Equal(t, StateBufferFlushing, h.m.State())
	require.Len(t, h.sink.flushes, 1)
	assert.Equal(t, TimeRange{4, 100}, h.sink.flushes[0])

	h.m.handle(bufferFlushedMsg{ranges: []TimeRange{{Start: 0, End: 4}}})
	assert.Equal(t, StateIdle, h.m.State())
	assert.Contains(t, h.m.tracked, uint64(0))
	assert.NotContains(t, h.m.tracked, uint64(1))
	assert.Nil(t, h.m.fragPrevious)
}

func TestMachineEmergencyAbortRestoresStart(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4)
	frag := v.Fragments[1]

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.state = StateFragLoading
	h.m.fragCurrent = frag
	h.m.tracked[frag.SN] = frag
	h.m.startPosition = 0
	h.m.nextLoadPosition = 4

	h.m.handle(abortMsg{})
	assert.Equal(t, StateIdle, h.m.State())
	assert.Nil(t, h.m.fragCurrent)
	assert.NotContains(t, h.m.tracked, frag.SN)
	// Before any metadata arrived the speculative position rolls back.
	assert.Equal(t, 0.0, h.m.nextLoadPosition)
}

func TestMachineAbortKeepsPositionAfterMetadata(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4)

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.handle(parsedInitMsg{info: InitInfo{VideoCodec: "avc1.4d401f"}})
	h.m.state = StateFragLoading
	h.m.fragCurrent = v.Fragments[1]
	h.m.startPosition = 0
	h.m.nextLoadPosition = 4

	h.m.handle(abortMsg{})
	assert.Equal(t, 4.0, h.m.nextLoadPosition)
	assert.Equal(t, "avc1.4d401f", h.m.videoCodec)
}

func TestMachineInitSegmentLoadsFirst(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4)
	v.InitSegment = &playlist.Fragment{
		Type:    playlist.TypeMain,
		BaseURL: srv.URL + "/p.m3u8",
		RelURL:  "init.mp4",
	}

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.handle(startLoadMsg{position: 0})

	msg := h.nextMsg(t)
	loaded, ok := msg.(fragLoadedMsg)
	require.True(t, ok)
	assert.Same(t, v.InitSegment, loaded.frag)

	h.m.handle(msg)
	assert.Equal(t, []byte("payload:/init.mp4"), h.m.initData)

	// The media fragment follows immediately, and its parse sees the init.
	msg = h.nextMsg(t)
	h.m.handle(msg)
	require.Len(t, h.parser.pushes, 1)
	assert.Equal(t, []byte("payload:/init.mp4"), h.parser.pushes[0].init)
}

func TestMachineKeyLoadBeforeFragment(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	h.bus.Subscribe(h.m.Handlers())
	v := testVariant(srv.URL, 0, 4)
	v.Fragments[0].Key = &playlist.KeyRef{
		Method:  "AES-128",
		BaseURL: srv.URL + "/p.m3u8",
		RelURL:  "key.bin",
		IV:      playlist.DeriveIV(0),
	}

	h.m.handle(levelLoadedMsg{level: 0, variant: v})
	h.m.handle(startLoadMsg{position: 0})
	assert.Equal(t, StateKeyLoading, h.m.State())

	msg := h.nextMsg(t)
	keyMsg, ok := msg.(keyLoadedMsg)
	require.True(t, ok, "expected keyLoadedMsg, got %T", msg)
	assert.Equal(t, []byte("payload:/key.bin"), keyMsg.frag.Key.Key)

	h.m.handle(msg)
	assert.Equal(t, StateFragLoading, h.m.State())
	h.nextMsg(t)
}

func TestMachineLevelLoadedReparentsTracking(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	first := testVariant(srv.URL, 10, 4, 4, 4)

	h.m.handle(levelLoadedMsg{level: 0, variant: first})
	h.m.tracked[10] = first.Fragments[0]
	h.m.tracked[12] = first.Fragments[2]

	second := testVariant(srv.URL, 12, 4, 4, 4)
	h.m.handle(levelLoadedMsg{level: 0, variant: second})

	assert.NotContains(t, h.m.tracked, uint64(10))
	assert.Same(t, second.Fragments[0], h.m.tracked[12])
}

func TestMachineDefaultStartPositionLiveSync(t *testing.T) {
	srv := fragServer(t)
	h := newMachineHarness(t, nil)
	v := testVariant(srv.URL, 0, 4, 4, 4, 4, 4, 4)
	v.Live = true

	// Six 4s fragments, sync point three target durations back from the edge.
	assert.Equal(t, 12.0, h.m.defaultStartPosition(v))

	v.Live = false
	assert.Equal(t, 0.0, h.m.defaultStartPosition(v))

	offset := 7.0
	v.StartTimeOffset = &offset
	assert.Equal(t, 7.0, h.m.defaultStartPosition(v))

	negative := -8.0
	v.StartTimeOffset = &negative
	assert.Equal(t, 16.0, h.m.defaultStartPosition(v))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "FRAG_LOADING_WAITING_RETRY", StateFragLoadingWaitingRetry.String())
	assert.Equal(t, "ENDED", StateEnded.String())
}
