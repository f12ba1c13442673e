package stream

import (
	"strconv"
	"strings"
)

// Range is an inclusive byte interval of a file.
type Range struct {
	Start int64
	End   int64
}

// Length is the number of bytes the range covers.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a single "bytes=A-B" header against a file of size
// bytes. Either bound may be omitted: a missing start means 0 and a missing
// end means the last byte. Bounds are clamped into the file rather than
// rejected. The second result is false when the header is absent, malformed,
// lists several ranges, or the file is empty; callers then serve the whole
// file.
func ParseRange(header string, size int64) (Range, bool) {
	if size <= 0 {
		return Range{}, false
	}
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return Range{}, false
	}
	startText, endText, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return Range{}, false
	}
	startText = strings.TrimSpace(startText)
	endText = strings.TrimSpace(endText)

	last := size - 1
	start := int64(0)
	if startText != "" {
		v, err := strconv.ParseInt(startText, 10, 64)
		if err != nil || v < 0 {
			return Range{}, false
		}
		start = v
	}
	end := last
	if endText != "" {
		v, err := strconv.ParseInt(endText, 10, 64)
		if err != nil || v < 0 {
			return Range{}, false
		}
		end = v
	}

	start = clamp(start, 0, last)
	end = clamp(end, start, last)
	return Range{Start: start, End: end}, true
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
