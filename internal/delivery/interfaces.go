package delivery

import "hlsclient/internal/playlist"

// StreamKind identifies an elementary stream inside a fragment.
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamVideo StreamKind = "video"
	StreamText  StreamKind = "text"
)

// Parser is the external demux/parse collaborator. Push hands it one
// fragment payload together with accumulated init-segment data and codec
// hints; the parser reports back through the machine's OnParsedInit,
// OnParsedData and OnParseComplete methods.
type Parser interface {
	Push(payload, initSegment []byte, audioCodec, videoCodec string,
		frag *playlist.Fragment, totalDuration float64, accurateTimeOffset bool)
}

// InitInfo is the container/codec metadata a parser reports once per init.
type InitInfo struct {
	AudioCodec string
	VideoCodec string
}

// ParsedData is one elementary stream's worth of timed buffers from a
// fragment parse.
type ParsedData struct {
	Kind     StreamKind
	Data     []byte
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	// Dropped is the count of leading frames the parser had to discard.
	Dropped int
}

// Append is one buffer-append request handed to the media-buffer sink.
type Append struct {
	Type StreamKind
	Data []byte
	// Parent is the lane the appended data belongs to.
	Parent playlist.FragmentType
	// Content distinguishes media data from init-segment data.
	Content string
}

// TimeRange is a buffered interval in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// BufferSink is the external media-buffer collaborator. Appends and flushes
// are acknowledged asynchronously through the machine's OnBufferAppended and
// OnBufferFlushed methods.
type BufferSink interface {
	Append(a Append)
	Flush(start, end float64)
}
