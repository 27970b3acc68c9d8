// Package delivery implements the fragment delivery state machine: it
// selects the next fragment for the active variant, sequences key loading,
// fragment loading, parsing and buffer appends, and decides retry, backtrack
// and advance.
package delivery

import (
	"net/http"
	"time"

	"hlsclient/internal/config"
	"hlsclient/internal/event"
	"hlsclient/internal/keys"
	"hlsclient/internal/logger"
	"hlsclient/internal/playlist"
	"hlsclient/internal/transport"
)

// State is the machine's lifecycle phase.
type State int

const (
	StateStopped State = iota
	StateIdle
	StateKeyLoading
	StateFragLoading
	StateFragLoadingWaitingRetry
	StateWaitingLevel
	StateParsing
	StateParsed
	StateBufferFlushing
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateIdle:
		return "IDLE"
	case StateKeyLoading:
		return "KEY_LOADING"
	case StateFragLoading:
		return "FRAG_LOADING"
	case StateFragLoadingWaitingRetry:
		return "FRAG_LOADING_WAITING_RETRY"
	case StateWaitingLevel:
		return "WAITING_LEVEL"
	case StateParsing:
		return "PARSING"
	case StateParsed:
		return "PARSED"
	case StateBufferFlushing:
		return "BUFFER_FLUSHING"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Machine is the top-level fragment sequencer for one elementary-stream
// lane. All state fields below msgs are owned by the run goroutine; external
// callers interact through messages only.
type Machine struct {
	cfg      *config.Config
	log      logger.Logger
	bus      *event.Dispatcher
	parser   Parser
	sink     BufferSink
	keys     *keys.Loader
	fragLane playlist.FragmentType
	engine   *transport.Engine

	msgs chan message
	done chan struct{}

	state            State
	level            int
	variant          *playlist.Variant
	fragPrevious     *playlist.Fragment
	fragCurrent      *playlist.Fragment
	tracked          map[uint64]*playlist.Fragment
	initData         []byte
	loadingInit      bool
	audioCodec       string
	videoCodec       string
	startPosition    float64
	nextLoadPosition float64
	metadataLoaded   bool
	pendingAppends   int
	parseDone        bool
	dropCurrent      bool
	retryCount       int
}

// NewMachine builds a delivery machine for the given lane. The parser and
// sink are the external demux and media-buffer collaborators.
func NewMachine(cfg *config.Config, log logger.Logger, bus *event.Dispatcher,
	parser Parser, sink BufferSink, keyLoader *keys.Loader,
	lane playlist.FragmentType, client *http.Client) *Machine {

	m := &Machine{
		cfg:              cfg,
		log:              log,
		bus:              bus,
		parser:           parser,
		sink:             sink,
		keys:             keyLoader,
		fragLane:         lane,
		engine:           transport.NewEngine(client, log, cfg.UserAgent),
		msgs:             make(chan message, 64),
		done:             make(chan struct{}),
		state:            StateStopped,
		tracked:          make(map[uint64]*playlist.Fragment),
		level:            -1,
		startPosition:    -1,
		nextLoadPosition: -1,
	}
	return m
}

// State returns the machine's current phase. Only meaningful between ticks;
// intended for the owning session and for tests.
func (m *Machine) State() State {
	return m.state
}

// Handlers returns the dispatcher subscription feeding this machine.
func (m *Machine) Handlers() event.Handlers {
	return event.Handlers{
		OnLevelLoaded: func(ev event.LevelLoaded) {
			m.post(levelLoadedMsg{level: ev.Level, variant: ev.Variant})
		},
		OnKeyLoaded: func(ev event.KeyLoaded) {
			m.post(keyLoadedMsg{frag: ev.Frag})
		},
		OnError: func(ev event.Error) {
			if ev.Frag == nil {
				return
			}
			switch ev.Detail {
			case event.DetailKeyLoadError:
				m.post(keyErrorMsg{frag: ev.Frag})
			case event.DetailKeyLoadTimeout:
				m.post(keyErrorMsg{frag: ev.Frag, timeout: true})
			}
		},
	}
}

// Start launches the run loop. The machine stays in STOPPED until StartLoad.
func (m *Machine) Start() {
	go m.run()
}

// Stop terminates the run loop and aborts any in-flight transfer.
func (m *Machine) Stop() {
	close(m.done)
	m.engine.Abort()
}

// StartLoad begins the selection loop at the given position. A negative
// position means default: the start time offset, start of the window, or the
// live sync point.
func (m *Machine) StartLoad(position float64) {
	m.post(startLoadMsg{position: position})
}

// StopLoad aborts any in-flight work and parks the machine in STOPPED.
func (m *Machine) StopLoad() {
	m.post(stopLoadMsg{})
}

// RequestFlush asks the sink to flush the given interval; fragment tracking
// entries falling outside the remaining buffered ranges are evicted once the
// flush is acknowledged.
func (m *Machine) RequestFlush(start, end float64) {
	m.post(flushRequestMsg{start: start, end: end})
}

// EmergencyAbort cancels the in-flight fragment (e.g. on an ABR emergency
// downswitch) and returns to IDLE. Before playback metadata has loaded it
// also restores the original start position, undoing a speculative request.
func (m *Machine) EmergencyAbort() {
	m.post(abortMsg{})
}

// OnParsedInit is called by the parser with container/codec metadata.
func (m *Machine) OnParsedInit(info InitInfo) {
	m.post(parsedInitMsg{info: info})
}

// OnParsedData is called by the parser for each elementary stream parsed.
func (m *Machine) OnParsedData(data ParsedData) {
	m.post(parsedDataMsg{data: data})
}

// OnParseComplete is called by the parser when a fragment push is done.
func (m *Machine) OnParseComplete(frag *playlist.Fragment) {
	m.post(parseCompleteMsg{frag: frag})
}

// OnBufferAppended is called by the sink for each acknowledged append.
func (m *Machine) OnBufferAppended() {
	m.post(bufferAppendedMsg{})
}

// OnBufferFlushed is called by the sink when a flush completes, with the
// ranges still buffered.
func (m *Machine) OnBufferFlushed(ranges []TimeRange) {
	m.post(bufferFlushedMsg{ranges: ranges})
}

func (m *Machine) post(msg message) {
	select {
	case m.msgs <- msg:
	case <-m.done:
	}
}

func (m *Machine) run() {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.tick()
		case msg := <-m.msgs:
			m.handle(msg)
		}
	}
}

// tick advances the selection loop. No two ticks run concurrently: the run
// goroutine is the only caller.
func (m *Machine) tick() {
	switch m.state {
	case StateIdle:
		m.tickIdle()
	case StateWaitingLevel:
		if m.variant != nil && m.variant.HasFragments() {
			m.setState(StateIdle)
			m.tickIdle()
		}
	}
}

func (m *Machine) setState(next State) {
	if m.state != next {
		m.log.Debugf("delivery %s: %s -> %s", m.fragLane, m.state, next)
		m.state = next
	}
}

func (m *Machine) tickIdle() {
	v := m.variant
	if v == nil || !v.HasFragments() {
		m.setState(StateWaitingLevel)
		return
	}

	if m.nextLoadPosition < 0 {
		m.nextLoadPosition = m.defaultStartPosition(v)
		m.startPosition = m.nextLoadPosition
	}

	// Load the init section once per variant before any media fragment.
	if v.InitSegment != nil && m.initData == nil && !m.loadingInit {
		m.loadInitSegment(v.InitSegment)
		return
	}

	bufferEnd := m.nextLoadPosition
	frags := v.Fragments

	if !v.Live && bufferEnd >= frags[len(frags)-1].End() {
		m.setState(StateEnded)
		m.log.Infof("delivery %s reached end of stream at %.3f", m.fragLane, bufferEnd)
		return
	}

	frag := playlist.FindFragmentByPosition(m.fragPrevious, frags, bufferEnd, m.cfg.MaxFragLookUpTolerance)
	if frag == nil {
		if bufferEnd <= frags[0].Start {
			frag = frags[0]
		} else {
			// Ahead of the window; for live the next refresh extends it.
			return
		}
	}

	m.startFragment(frag)
}

// defaultStartPosition picks where loading begins when the caller did not
// say: the playlist's start offset when present, the live sync point for
// live variants, else the start of the window.
func (m *Machine) defaultStartPosition(v *playlist.Variant) float64 {
	first := v.Fragments[0].Start
	if sto := v.StartTimeOffset; sto != nil {
		if *sto >= 0 {
			return first + *sto
		}
		pos := first + v.TotalDuration + *sto
		if pos < first {
			pos = first
		}
		return pos
	}
	if v.Live {
		sync := first + v.TotalDuration - float64(m.cfg.LiveSyncDurationCount)*v.TargetDuration
		if sync < first {
			sync = first
		}
		return sync
	}
	return first
}

// startFragment routes the selection through key loading when needed, else
// straight to the fragment transport lane.
func (m *Machine) startFragment(frag *playlist.Fragment) {
	m.fragCurrent = frag
	if frag.Key != nil && frag.Key.Key == nil {
		m.setState(StateKeyLoading)
		m.keys.Load(frag)
		return
	}
	m.loadFragment(frag)
}

func (m *Machine) loadInitSegment(initSeg *playlist.Fragment) {
	m.loadingInit = true
	m.fragCurrent = initSeg
	m.loadFragment(initSeg)
}

func (m *Machine) loadFragment(frag *playlist.Fragment) {
	url, err := frag.URL()
	if err != nil {
		m.internalError(frag, err)
		return
	}
	ctx := &transport.Context{
		Kind:         event.KindFragment,
		URL:          url,
		ResponseType: transport.ResponseBinary,
		Frag:         frag,
		Level:        frag.Level,
	}
	if br, brErr := frag.ByteRange(); brErr != nil {
		m.internalError(frag, brErr)
		return
	} else if br != nil {
		ctx.RangeStart, ctx.RangeEnd = br.Start, br.End
	}

	if !frag.BitrateTest && !m.loadingInit {
		m.tracked[frag.SN] = frag
	}
	m.setState(StateFragLoading)

	m.engine.Load(ctx,
		transport.Options{Timeout: m.cfg.FragLoadingTimeout},
		transport.Callbacks{
			OnSuccess: func(resp *transport.Response, stats *transport.Stats, c *transport.Context) {
				c.Frag.Loaded = stats.Loaded
				m.post(fragLoadedMsg{frag: c.Frag, payload: resp.Data})
			},
			OnError: func(status int, err error, c *transport.Context, _ *transport.Stats) {
				m.post(fragErrorMsg{frag: c.Frag, status: status, err: err})
			},
			OnTimeout: func(c *transport.Context, _ *transport.Stats) {
				m.post(fragErrorMsg{frag: c.Frag, timeout: true})
			},
		},
	)
}

func (m *Machine) internalError(frag *playlist.Fragment, err error) {
	m.log.Errorf("delivery %s internal error on sn=%d: %v", m.fragLane, frag.SN, err)
	m.bus.Error(event.Error{
		Type:   event.ErrorTypeOther,
		Detail: event.DetailInternalError,
		Err:    err,
		Frag:   frag,
	})
	m.fragCurrent = nil
	m.setState(StateError)
}

func (m *Machine) handle(msg message) {
	switch msg := msg.(type) {
	case startLoadMsg:
		m.handleStartLoad(msg)
	case stopLoadMsg:
		m.engine.Abort()
		m.keys.Abort(m.fragLane)
		m.fragCurrent = nil
		m.fragPrevious = nil
		m.setState(StateStopped)
	case levelLoadedMsg:
		m.handleLevelLoaded(msg)
	case keyLoadedMsg:
		m.handleKeyLoaded(msg)
	case keyErrorMsg:
		if m.state == StateKeyLoading && msg.frag == m.fragCurrent {
			m.handleLoadFailure(msg.frag, msg.timeout, event.DetailKeyLoadError, event.DetailKeyLoadTimeout)
		}
	case fragLoadedMsg:
		m.handleFragLoaded(msg)
	case fragErrorMsg:
		if m.state == StateFragLoading && msg.frag == m.fragCurrent {
			m.handleLoadFailure(msg.frag, msg.timeout, event.DetailFragLoadError, event.DetailFragLoadTimeout)
		}
	case retryTickMsg:
		if m.state == StateFragLoadingWaitingRetry && m.fragCurrent != nil {
			m.log.Infof("delivery %s retrying fragment sn=%d (attempt %d)", m.fragLane, m.fragCurrent.SN, m.retryCount)
			m.startFragment(m.fragCurrent)
		}
	case parsedInitMsg:
		m.metadataLoaded = true
		if msg.info.AudioCodec != "" {
			m.audioCodec = msg.info.AudioCodec
		}
		if msg.info.VideoCodec != "" {
			m.videoCodec = msg.info.VideoCodec
		}
	case parsedDataMsg:
		m.handleParsedData(msg.data)
	case parseCompleteMsg:
		if m.state == StateParsing && msg.frag == m.fragCurrent {
			m.parseDone = true
			m.setState(StateParsed)
			m.maybeCompleteFragment()
		}
	case bufferAppendedMsg:
		if m.pendingAppends > 0 {
			m.pendingAppends--
		}
		m.maybeCompleteFragment()
	case bufferFlushedMsg:
		m.handleBufferFlushed(msg.ranges)
	case flushRequestMsg:
		m.setState(StateBufferFlushing)
		m.sink.Flush(msg.start, msg.end)
	case abortMsg:
		m.handleEmergencyAbort()
	}
}

func (m *Machine) handleStartLoad(msg startLoadMsg) {
	m.startPosition = msg.position
	m.nextLoadPosition = msg.position
	m.retryCount = 0
	m.setState(StateIdle)
	m.tickIdle()
}

func (m *Machine) handleLevelLoaded(msg levelLoadedMsg) {
	if msg.variant == nil {
		return
	}
	// Re-parent tracked fragments onto the refreshed window by sequence
	// number; entries that aged out are evicted.
	for sn := range m.tracked {
		if frag := msg.variant.FragmentBySN(sn); frag != nil {
			m.tracked[sn] = frag
		} else {
			delete(m.tracked, sn)
		}
	}
	if msg.level != m.level {
		m.log.Infof("delivery %s now on level %d", m.fragLane, msg.level)
	}
	m.level = msg.level
	m.variant = msg.variant
	if m.state == StateWaitingLevel {
		m.setState(StateIdle)
	}
}

func (m *Machine) handleKeyLoaded(msg keyLoadedMsg) {
	if m.state != StateKeyLoading || msg.frag != m.fragCurrent {
		return
	}
	m.loadFragment(msg.frag)
}

func (m *Machine) handleFragLoaded(msg fragLoadedMsg) {
	if m.state != StateFragLoading || msg.frag != m.fragCurrent {
		return
	}

	if m.loadingInit {
		m.initData = msg.payload
		m.loadingInit = false
		m.fragCurrent = nil
		m.setState(StateIdle)
		m.tickIdle()
		return
	}

	frag := msg.frag
	if frag.BitrateTest {
		// Probe fragments exist only to measure bandwidth: acknowledge and
		// go straight back to selection without parsing or buffering.
		m.fragCurrent = nil
		m.retryCount = 0
		m.setState(StateIdle)
		m.bus.FragmentBuffered(event.FragmentBuffered{Frag: frag})
		return
	}

	m.setState(StateParsing)
	m.pendingAppends = 0
	m.parseDone = false
	m.dropCurrent = false
	m.parser.Push(msg.payload, m.initData, m.audioCodec, m.videoCodec,
		frag, m.variant.TotalDuration, true)
}

func (m *Machine) handleParsedData(data ParsedData) {
	if m.state != StateParsing || m.fragCurrent == nil {
		return
	}
	frag := m.fragCurrent

	switch data.Kind {
	case StreamAudio:
		frag.HasAudio = true
	case StreamVideo:
		frag.HasVideo = true
	case StreamText:
		frag.HasText = true
	}

	if data.Kind == StreamVideo && data.Dropped > 0 {
		if !frag.Backtracked {
			// Missing leading keyframe: withdraw the fragment, rewind to the
			// parsed start and re-select from there to recover it.
			delete(m.tracked, frag.SN)
			frag.Dropped = true
			frag.Backtracked = true
			m.nextLoadPosition = data.StartPTS
			m.fragPrevious = nil
			m.fragCurrent = nil
			m.setState(StateIdle)
			m.log.Warnf("delivery %s: sn=%d dropped %d leading frames, backtracking to %.3f",
				m.fragLane, frag.SN, data.Dropped, data.StartPTS)
			return
		}
		// Second pass still has the gap; policy decides between buffering
		// with the gap and dropping the fragment outright.
		if m.cfg.DropBacktracked {
			m.dropCurrent = true
			m.log.Warnf("delivery %s: sn=%d still gapped after backtrack, dropping", m.fragLane, frag.SN)
			return
		}
		m.log.Warnf("delivery %s: sn=%d still gapped after backtrack, buffering with gap", m.fragLane, frag.SN)
	}

	if m.dropCurrent {
		return
	}
	m.sink.Append(Append{
		Type:    data.Kind,
		Data:    data.Data,
		Parent:  frag.Type,
		Content: "data",
	})
	m.pendingAppends++
}

// maybeCompleteFragment finishes the fragment once the parse is complete and
// every expected append has been acknowledged.
func (m *Machine) maybeCompleteFragment() {
	if m.state != StateParsed || !m.parseDone || m.pendingAppends > 0 {
		return
	}
	frag := m.fragCurrent
	if frag == nil {
		m.setState(StateIdle)
		return
	}

	m.fragPrevious = frag
	m.fragCurrent = nil
	m.nextLoadPosition = frag.End()
	m.retryCount = 0
	m.setState(StateIdle)

	if m.dropCurrent {
		delete(m.tracked, frag.SN)
		m.dropCurrent = false
		return
	}
	m.log.Debugf("delivery %s buffered fragment sn=%d [%.3f..%.3f]", m.fragLane, frag.SN, frag.Start, frag.End())
	m.bus.FragmentBuffered(event.FragmentBuffered{Frag: frag})
}

// handleLoadFailure applies the machine's retry policy: bounded exponential
// backoff re-trying the same selection, then a non-fatal surfaced failure.
func (m *Machine) handleLoadFailure(frag *playlist.Fragment, timeout bool, errDetail, timeoutDetail event.ErrorDetail) {
	detail := errDetail
	if timeout {
		detail = timeoutDetail
	}
	m.retryCount++

	if m.retryCount <= m.cfg.FragLoadingMaxRetry {
		delay := m.cfg.FragLoadingRetryDelay
		for i := 1; i < m.retryCount; i++ {
			delay *= 2
			if delay >= m.cfg.FragLoadingMaxRetryDelay {
				delay = m.cfg.FragLoadingMaxRetryDelay
				break
			}
		}
		m.setState(StateFragLoadingWaitingRetry)
		m.log.Warnf("delivery %s: load of sn=%d failed (%s), retry %d/%d in %v",
			m.fragLane, frag.SN, detail, m.retryCount, m.cfg.FragLoadingMaxRetry, delay)
		m.bus.Error(event.Error{
			Type:   event.ErrorTypeNetwork,
			Detail: detail,
			Frag:   frag,
			Level:  frag.Level,
		})
		time.AfterFunc(delay, func() { m.post(retryTickMsg{}) })
		return
	}

	m.log.Errorf("delivery %s: retry budget exhausted for sn=%d", m.fragLane, frag.SN)
	m.setState(StateError)
	m.bus.Error(event.Error{
		Type:   event.ErrorTypeNetwork,
		Detail: event.DetailFragRetryExhausted,
		Frag:   frag,
		Level:  frag.Level,
	})
}

func (m *Machine) handleBufferFlushed(ranges []TimeRange) {
	if m.state != StateBufferFlushing {
		return
	}
	for sn, frag := range m.tracked {
		if !covered(frag, ranges) {
			delete(m.tracked, sn)
		}
	}
	// Stale adjacency would defeat re-selection after a flush.
	m.fragPrevious = nil
	m.setState(StateIdle)
}

func (m *Machine) handleEmergencyAbort() {
	m.engine.Abort()
	m.keys.Abort(m.fragLane)
	if m.fragCurrent != nil {
		delete(m.tracked, m.fragCurrent.SN)
		m.fragCurrent = nil
	}
	m.loadingInit = false
	if !m.metadataLoaded {
		m.nextLoadPosition = m.startPosition
	}
	m.setState(StateIdle)
}

const flushTolerance = 0.05

func covered(frag *playlist.Fragment, ranges []TimeRange) bool {
	for _, r := range ranges {
		if frag.Start >= r.Start-flushTolerance && frag.End() <= r.End+flushTolerance {
			return true
		}
	}
	return false
}
