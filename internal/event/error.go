package event

import "hlsclient/internal/playlist"

// ErrorType is the coarse error category.
type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeMedia   ErrorType = "media"
	ErrorTypeOther   ErrorType = "other"
)

// ErrorDetail is the fine-grained error code.
type ErrorDetail string

const (
	DetailManifestLoadError    ErrorDetail = "manifestLoadError"
	DetailManifestLoadTimeout  ErrorDetail = "manifestLoadTimeout"
	DetailManifestParsingError ErrorDetail = "manifestParsingError"
	DetailLevelLoadError       ErrorDetail = "levelLoadError"
	DetailLevelLoadTimeout     ErrorDetail = "levelLoadTimeout"
	DetailLevelParsingError    ErrorDetail = "levelParsingError"
	DetailAudioTrackLoadError  ErrorDetail = "audioTrackLoadError"
	DetailAudioTrackTimeout    ErrorDetail = "audioTrackLoadTimeout"
	DetailSubtitleLoadError    ErrorDetail = "subtitleTrackLoadError"
	DetailSubtitleTimeout      ErrorDetail = "subtitleTrackLoadTimeout"
	DetailFragLoadError        ErrorDetail = "fragLoadError"
	DetailFragLoadTimeout      ErrorDetail = "fragLoadTimeout"
	DetailFragRetryExhausted   ErrorDetail = "fragLoadRetryExhausted"
	DetailFragParsingError     ErrorDetail = "fragParsingError"
	DetailKeyLoadError         ErrorDetail = "keyLoadError"
	DetailKeyLoadTimeout       ErrorDetail = "keyLoadTimeout"
	DetailInternalError        ErrorDetail = "internalError"
)

// Error is the error signal surfaced to consumers. Timeouts are reported as
// a distinct detail, never folded into HTTP status failures.
type Error struct {
	Type   ErrorType
	Detail ErrorDetail
	Fatal  bool
	Err    error
	Reason string
	URL    string
	Status int
	Level  int
	Frag   *playlist.Fragment
}

// ClassifyNetworkError maps a request lane and failure mode to the detail
// code and fatality to report. Manifest failures abort startup; everything
// else is left to the caller (level switch, track drop, retry).
func ClassifyNetworkError(kind RequestKind, timeout bool) (ErrorDetail, bool) {
	switch kind {
	case KindManifest:
		if timeout {
			return DetailManifestLoadTimeout, true
		}
		return DetailManifestLoadError, true
	case KindLevel:
		if timeout {
			return DetailLevelLoadTimeout, false
		}
		return DetailLevelLoadError, false
	case KindAudioTrack:
		if timeout {
			return DetailAudioTrackTimeout, false
		}
		return DetailAudioTrackLoadError, false
	case KindSubtitleTrack:
		if timeout {
			return DetailSubtitleTimeout, false
		}
		return DetailSubtitleLoadError, false
	case KindKey:
		if timeout {
			return DetailKeyLoadTimeout, false
		}
		return DetailKeyLoadError, false
	case KindFragment:
		if timeout {
			return DetailFragLoadTimeout, false
		}
		return DetailFragLoadError, false
	default:
		return DetailInternalError, false
	}
}
