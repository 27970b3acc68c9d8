package orchestrator

import (
	"encoding/binary"
	"fmt"

	"hlsclient/internal/playlist"
)

// segmentIndex is a parsed sidx box: the byte extents of each media
// subsegment within a single container file.
type segmentIndex struct {
	timescale uint32
	// anchor is the file offset of the first referenced byte.
	anchor int64
	sizes  []uint32
	// durations are in timescale units.
	durations []uint32
}

// parseSegmentIndex walks top-level boxes in data, which starts at file
// offset baseOffset, and parses the first sidx box it finds.
func parseSegmentIndex(data []byte, baseOffset int64) (*segmentIndex, error) {
	pos := 0
	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		boxType := string(data[pos+4 : pos+8])
		if size < 8 {
			return nil, fmt.Errorf("invalid box size %d at offset %d", size, pos)
		}
		if boxType == "sidx" {
			if pos+size > len(data) {
				return nil, fmt.Errorf("segment index truncated: box needs %d bytes, have %d", size, len(data)-pos)
			}
			return parseSidxBox(data[pos:pos+size], baseOffset+int64(pos))
		}
		pos += size
	}
	return nil, fmt.Errorf("no segment index box in %d bytes", len(data))
}

func parseSidxBox(box []byte, boxOffset int64) (*segmentIndex, error) {
	if len(box) < 32 {
		return nil, fmt.Errorf("segment index box too short: %d bytes", len(box))
	}

	version := box[8]
	timescale := binary.BigEndian.Uint32(box[16:20])

	var firstOffset int64
	var cursor int
	switch version {
	case 0:
		firstOffset = int64(binary.BigEndian.Uint32(box[24:28]))
		cursor = 30 // past 2 reserved bytes
	default:
		if len(box) < 40 {
			return nil, fmt.Errorf("segment index box too short for version %d", version)
		}
		firstOffset = int64(binary.BigEndian.Uint64(box[28:36]))
		cursor = 38
	}

	count := int(binary.BigEndian.Uint16(box[cursor : cursor+2]))
	cursor += 2
	if len(box) < cursor+count*12 {
		return nil, fmt.Errorf("segment index truncated: %d references declared, %d bytes left", count, len(box)-cursor)
	}

	idx := &segmentIndex{
		timescale: timescale,
		anchor:    boxOffset + int64(len(box)) + firstOffset,
	}
	for i := 0; i < count; i++ {
		ref := binary.BigEndian.Uint32(box[cursor:])
		if ref&0x80000000 != 0 {
			// Reference to another sidx rather than media; unsupported.
			return nil, fmt.Errorf("hierarchical segment index not supported")
		}
		idx.sizes = append(idx.sizes, ref&0x7FFFFFFF)
		idx.durations = append(idx.durations, binary.BigEndian.Uint32(box[cursor+4:]))
		cursor += 12
	}
	return idx, nil
}

// backfillByteRanges resolves each fragment's byte range from the index
// entries. Entry i covers fragment i; extra entries beyond the window are
// ignored, too few entries is an error.
func backfillByteRanges(v *playlist.Variant, idx *segmentIndex) error {
	if len(idx.sizes) < len(v.Fragments) {
		return fmt.Errorf("segment index has %d entries for %d fragments", len(idx.sizes), len(v.Fragments))
	}
	offset := idx.anchor
	for i, frag := range v.Fragments {
		length := int64(idx.sizes[i])
		frag.SetResolvedByteRange(playlist.ByteRange{Start: offset, End: offset + length})
		offset += length
	}
	v.NeedSidxRanges = false
	return nil
}
