// Package httpstream implements the HTTP surface (C7): resolving recording
// ids/waveform ids safely under the recording root, serving byte-range
// requests for finalized files, and tail-following the currently open
// segment for live playback.
package httpstream

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedRange and ErrUnsatisfiableRange distinguish the two 416 cases
// from a well-formed, satisfiable range (§4.7).
var (
	ErrMalformedRange     = errors.New("httpstream: malformed range")
	ErrUnsatisfiableRange = errors.New("httpstream: unsatisfiable range")
)

// ByteRange is an inclusive [Start, End] span resolved against a known
// total length.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRange parses a single "bytes=<start>-<end?>" or suffix "bytes=-<N>"
// range header against a file of the given total length (§4.7). An empty
// header returns (ByteRange{}, false, nil), meaning "serve the whole file".
func ParseRange(header string, total int64) (ByteRange, bool, error) {
	if header == "" {
		return ByteRange{}, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, false, ErrMalformedRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return ByteRange{}, false, ErrMalformedRange
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return ByteRange{}, false, ErrMalformedRange
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	var r ByteRange
	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, false, ErrMalformedRange
	case startStr == "":
		// Suffix range: bytes=-N, the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return ByteRange{}, false, ErrMalformedRange
		}
		if n == 0 {
			return ByteRange{}, false, ErrUnsatisfiableRange
		}
		if n > total {
			n = total
		}
		r = ByteRange{Start: total - n, End: total - 1}
	default:
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return ByteRange{}, false, ErrMalformedRange
		}
		end := total - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return ByteRange{}, false, ErrMalformedRange
			}
		}
		r = ByteRange{Start: start, End: end}
	}

	if total == 0 || r.Start >= total {
		return ByteRange{}, false, ErrUnsatisfiableRange
	}
	if r.End >= total {
		r.End = total - 1
	}
	return r, true, nil
}

// Length returns the number of bytes the range spans.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}
