package playlist

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// FragmentType identifies the elementary-stream lane a fragment belongs to.
type FragmentType string

const (
	TypeMain     FragmentType = "main"
	TypeAudio    FragmentType = "audio"
	TypeSubtitle FragmentType = "subtitle"
)

// ByteRange is a half-open byte interval [Start, End) within a resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (b ByteRange) Length() int64 {
	return b.End - b.Start
}

// Fragment is one addressable media segment of a variant playlist.
type Fragment struct {
	// SN is the media sequence number. Unique and consecutive within a
	// variant snapshot.
	SN uint64
	// Type is the elementary-stream lane (main video, audio, subtitle).
	Type FragmentType
	// Level is the index of the owning variant.
	Level int

	// BaseURL and RelURL form the address of the fragment; resolution is
	// performed lazily and cached.
	BaseURL string
	RelURL  string

	// Duration and Start are in seconds on the presentation timeline.
	Duration float64
	Start    float64
	// DeltaPTS is the drift between the playlist duration and the parsed
	// PTS duration, carried forward across snapshot merges.
	DeltaPTS float64

	// CC is the discontinuity counter in effect for this fragment.
	CC int

	// ProgramDateTime and EndProgramDateTime are wall-clock milliseconds
	// since the epoch; zero means no EXT-X-PROGRAM-DATE-TIME applies.
	ProgramDateTime    float64
	EndProgramDateTime float64

	// Key is the decryption reference, nil for cleartext fragments.
	Key *KeyRef

	// Elementary-stream presence, filled in from parse results.
	HasAudio bool
	HasVideo bool
	HasText  bool

	// Runtime fields owned by the delivery machine.
	Loaded      int64
	Dropped     bool
	Backtracked bool
	BitrateTest bool

	rawByteRange string
	prev         *Fragment
	byteRange    *ByteRange
	resolvedURL  string
}

// End returns the presentation end time of the fragment in seconds.
func (f *Fragment) End() float64 {
	return f.Start + f.Duration
}

// URL resolves the fragment address against its base URL. The result is
// computed once and cached; resolution is idempotent.
func (f *Fragment) URL() (string, error) {
	if f.resolvedURL != "" {
		return f.resolvedURL, nil
	}
	resolved, err := ResolveURL(f.BaseURL, f.RelURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve fragment sn=%d url: %w", f.SN, err)
	}
	f.resolvedURL = resolved
	return f.resolvedURL, nil
}

// SetByteRange records a raw EXT-X-BYTERANGE value ("length[@offset]"). When
// the offset is omitted the range follows prev's range. The actual interval
// is computed lazily on first ByteRange call and is stable afterwards.
func (f *Fragment) SetByteRange(raw string, prev *Fragment) {
	f.rawByteRange = raw
	f.prev = prev
	f.byteRange = nil
}

// HasByteRange reports whether the fragment addresses a sub-range of its URL.
func (f *Fragment) HasByteRange() bool {
	return f.rawByteRange != "" || f.byteRange != nil
}

// SetResolvedByteRange backfills an explicit interval, e.g. from a parsed
// segment index.
func (f *Fragment) SetResolvedByteRange(br ByteRange) {
	f.byteRange = &br
}

// ByteRange computes and caches the byte interval for the fragment. Once
// computed the value is stable for the fragment's lifetime.
func (f *Fragment) ByteRange() (*ByteRange, error) {
	if f.byteRange != nil {
		return f.byteRange, nil
	}
	if f.rawByteRange == "" {
		return nil, nil
	}

	params := strings.Split(f.rawByteRange, "@")
	length, err := strconv.ParseInt(params[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range %q on fragment sn=%d: %w", f.rawByteRange, f.SN, err)
	}

	var start int64
	if len(params) > 1 {
		start, err = strconv.ParseInt(params[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid byte range offset %q on fragment sn=%d: %w", f.rawByteRange, f.SN, err)
		}
	} else if f.prev != nil {
		prevRange, err := f.prev.ByteRange()
		if err != nil {
			return nil, err
		}
		if prevRange != nil {
			start = prevRange.End
		}
	}

	f.byteRange = &ByteRange{Start: start, End: start + length}
	return f.byteRange, nil
}

// KeyRef describes how to decrypt a fragment. Key bytes are attached by the
// key loader; fragments sharing a URI share the same cached bytes.
type KeyRef struct {
	Method  string
	BaseURL string
	RelURL  string
	// IV is the 16-byte initialization vector.
	IV []byte
	// Key holds the fetched raw key bytes, nil until loaded.
	Key []byte

	resolvedURL string
}

// URL resolves the key-fetch URI, cached after first access.
func (k *KeyRef) URL() (string, error) {
	if k.resolvedURL != "" {
		return k.resolvedURL, nil
	}
	resolved, err := ResolveURL(k.BaseURL, k.RelURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key url: %w", err)
	}
	k.resolvedURL = resolved
	return k.resolvedURL, nil
}

// DeriveIV builds the implicit initialization vector for a fragment when the
// playlist carries none: 16 bytes, zero-padded, with the sequence number in
// big-endian order in the last 4 bytes.
func DeriveIV(sn uint64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint32(iv[12:], uint32(sn))
	return iv
}

// ParseIV decodes an explicit "0x..." initialization vector attribute.
func ParseIV(value string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IV attribute %q: %w", value, err)
	}
	if len(iv) != 16 {
		return nil, fmt.Errorf("invalid IV attribute %q: expected 16 bytes, got %d", value, len(iv))
	}
	return iv, nil
}

// ResolveURL resolves a possibly relative reference against a base URL.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %q: %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse reference %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
