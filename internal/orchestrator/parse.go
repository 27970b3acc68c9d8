package orchestrator

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"hlsclient/internal/playlist"
)

// manifestMarker is the line every playlist document must begin with.
const manifestMarker = "#EXTM3U"

// masterResult is the outcome of parsing a master playlist document.
type masterResult struct {
	variants       []*playlist.Variant
	audioTracks    []*playlist.AlternateTrack
	subtitleTracks []*playlist.AlternateTrack
}

// classify decodes a playlist body, returning exactly one of master or media.
func classify(data []byte, url string) (*masterResult, *m3u8.MediaPlaylist, error) {
	if !strings.HasPrefix(strings.TrimLeft(string(data[:min(len(data), 16)]), "\uFEFF \t\r\n"), manifestMarker) {
		return nil, nil, fmt.Errorf("playlist at %s does not start with %s", url, manifestMarker)
	}

	decoded, listType, err := m3u8.Decode(*bytes.NewBuffer(data), true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse playlist at %s: %w", url, err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := decoded.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected playlist type at %s", url)
		}
		result, err := parseMaster(master, url)
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	case m3u8.MEDIA:
		media, ok := decoded.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected playlist type at %s", url)
		}
		return nil, media, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized playlist at %s", url)
	}
}

// parseMaster extracts the variant list and the alternate-track lists.
func parseMaster(master *m3u8.MasterPlaylist, baseURL string) (*masterResult, error) {
	result := &masterResult{}
	seenTracks := make(map[string]bool)

	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}

		resolved, err := playlist.ResolveURL(baseURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		variant := &playlist.Variant{
			URL:             resolved,
			Bitrate:         v.Bandwidth,
			Name:            v.Name,
			Codecs:          v.Codecs,
			AudioGroupID:    v.Audio,
			SubtitleGroupID: v.Subtitles,
		}
		if w, h, ok := parseResolution(v.Resolution); ok {
			variant.Width, variant.Height = w, h
		}
		result.variants = append(result.variants, variant)

		for _, alt := range v.Alternatives {
			if alt == nil {
				continue
			}
			var trackType playlist.FragmentType
			switch strings.ToUpper(alt.Type) {
			case "AUDIO":
				trackType = playlist.TypeAudio
			case "SUBTITLES":
				trackType = playlist.TypeSubtitle
			default:
				continue
			}

			dedup := alt.Type + "|" + alt.GroupId + "|" + alt.Name + "|" + alt.Language
			if seenTracks[dedup] {
				continue
			}
			seenTracks[dedup] = true

			track := &playlist.AlternateTrack{
				Type:       trackType,
				GroupID:    alt.GroupId,
				Lang:       alt.Language,
				Name:       alt.Name,
				Default:    alt.Default,
				AutoSelect: strings.EqualFold(alt.Autoselect, "YES"),
				Forced:     strings.EqualFold(alt.Forced, "YES"),
			}
			if alt.URI != "" {
				track.URL, err = playlist.ResolveURL(baseURL, alt.URI)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve track URL: %w", err)
				}
			}
			switch trackType {
			case playlist.TypeAudio:
				result.audioTracks = append(result.audioTracks, track)
			case playlist.TypeSubtitle:
				result.subtitleTracks = append(result.subtitleTracks, track)
			}
		}
	}

	if len(result.variants) == 0 {
		return nil, fmt.Errorf("master playlist at %s contains no variants", baseURL)
	}
	return result, nil
}

// parseMedia converts a decoded media playlist into a Variant snapshot.
func parseMedia(media *m3u8.MediaPlaylist, baseURL string, level int, fragType playlist.FragmentType) (*playlist.Variant, error) {
	v := &playlist.Variant{
		URL:            baseURL,
		TargetDuration: float64(media.TargetDuration),
		Live:           !media.Closed,
		StartSN:        media.SeqNo,
		StartCC:        int(media.DiscontinuitySeq),
		LastLoaded:     time.Now(),
	}
	if media.StartTime != 0 {
		offset := media.StartTime
		v.StartTimeOffset = &offset
	}

	currentKey := media.Key
	cc := int(media.DiscontinuitySeq)
	var prev *playlist.Fragment

	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			currentKey = seg.Key
		}
		if seg.Discontinuity {
			cc++
		}

		sn := media.SeqNo + uint64(i)
		frag := &playlist.Fragment{
			SN:       sn,
			Type:     fragType,
			Level:    level,
			BaseURL:  baseURL,
			RelURL:   seg.URI,
			Duration: seg.Duration,
			CC:       cc,
		}
		if !seg.ProgramDateTime.IsZero() {
			frag.ProgramDateTime = float64(seg.ProgramDateTime.UnixMilli())
		}
		if seg.Limit > 0 {
			frag.SetByteRange(fmt.Sprintf("%d@%d", seg.Limit, seg.Offset), prev)
		}

		if key := toKeyRef(currentKey, baseURL, sn); key != nil {
			frag.Key = key
		}

		v.Fragments = append(v.Fragments, frag)
		prev = frag
	}

	if len(v.Fragments) == 0 {
		return nil, fmt.Errorf("media playlist at %s contains no fragments", baseURL)
	}

	v.EndSN = v.StartSN + uint64(len(v.Fragments)) - 1
	v.EndCC = cc

	if media.Map != nil {
		initSeg := &playlist.Fragment{
			Type:    fragType,
			Level:   level,
			BaseURL: baseURL,
			RelURL:  media.Map.URI,
		}
		if media.Map.Limit > 0 {
			initSeg.SetByteRange(fmt.Sprintf("%d@%d", media.Map.Limit, media.Map.Offset), nil)
		}
		v.InitSegment = initSeg
		v.NeedSidxRanges = needSidxRanges(v)
	}

	if err := v.CheckContiguity(); err != nil {
		return nil, err
	}
	return v, nil
}

// needSidxRanges reports whether fragment byte ranges still have to be read
// from a segment index: a fragmented-MP4 variant whose playlist declares an
// init section but no per-fragment ranges.
func needSidxRanges(v *playlist.Variant) bool {
	if v.InitSegment == nil || len(v.Fragments) == 0 {
		return false
	}
	first := v.Fragments[0]
	if first.HasByteRange() {
		return false
	}
	rel := strings.ToLower(first.RelURL)
	return strings.HasSuffix(rel, ".mp4") || strings.HasSuffix(rel, ".m4s")
}

// toKeyRef converts an EXT-X-KEY in effect into a per-fragment decryption
// reference, deriving the IV from the sequence number when absent.
func toKeyRef(key *m3u8.Key, baseURL string, sn uint64) *playlist.KeyRef {
	if key == nil || key.Method == "" || strings.EqualFold(key.Method, "NONE") {
		return nil
	}
	ref := &playlist.KeyRef{
		Method:  key.Method,
		BaseURL: baseURL,
		RelURL:  key.URI,
	}
	if key.IV != "" {
		if iv, err := playlist.ParseIV(key.IV); err == nil {
			ref.IV = iv
		} else {
			ref.IV = playlist.DeriveIV(sn)
		}
	} else {
		ref.IV = playlist.DeriveIV(sn)
	}
	return ref
}

func errMasterWhereMediaExpected(url string) error {
	return fmt.Errorf("expected media playlist at %s, found master document", url)
}

// parseResolution splits a RESOLUTION attribute like "1280x720".
func parseResolution(res string) (int, int, bool) {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}
