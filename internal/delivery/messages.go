package delivery

import "hlsclient/internal/playlist"

// message is the tagged variant delivered into the machine's run loop. All
// I/O callbacks and external signals are funneled through it, so state
// mutations never run concurrently.
type message interface {
	isMessage()
}

type startLoadMsg struct{ position float64 }

type stopLoadMsg struct{}

type levelLoadedMsg struct {
	level   int
	variant *playlist.Variant
}

type keyLoadedMsg struct{ frag *playlist.Fragment }

type keyErrorMsg struct {
	frag    *playlist.Fragment
	timeout bool
}

type fragLoadedMsg struct {
	frag    *playlist.Fragment
	payload []byte
}

type fragErrorMsg struct {
	frag    *playlist.Fragment
	status  int
	err     error
	timeout bool
}

type retryTickMsg struct{}

type parsedInitMsg struct{ info InitInfo }

type parsedDataMsg struct{ data ParsedData }

type parseCompleteMsg struct{ frag *playlist.Fragment }

type bufferAppendedMsg struct{}

type bufferFlushedMsg struct{ ranges []TimeRange }

type flushRequestMsg struct{ start, end float64 }

type abortMsg struct{}

func (startLoadMsg) isMessage() {}
func (stopLoadMsg) isMessage() {}
func (levelLoadedMsg) isMessage() {}
func (keyLoadedMsg) isMessage() {}
func (keyErrorMsg) isMessage() {}
func (fragLoadedMsg) isMessage() {}
func (fragErrorMsg) isMessage() {}
func (retryTickMsg) isMessage() {}
func (parsedInitMsg) isMessage() {}
func (parsedDataMsg) isMessage() {}
func (parseCompleteMsg) isMessage() {}
func (bufferAppendedMsg) isMessage() {}
func (bufferFlushedMsg) isMessage() {}
func (flushRequestMsg) isMessage() {}
func (abortMsg) isMessage() {}
