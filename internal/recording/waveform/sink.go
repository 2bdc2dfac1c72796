// Package waveform implements the per-track loudness sidecar sink (C4): one
// TSWF file per participant plus a reserved "mixed" track, each receiving
// exactly one amplitude byte per mix tick.
package waveform

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// MixedUID is the reserved track key for the combined mix output.
const MixedUID = "mixed"

const (
	headerSize = 16
	sampleRate = 50 // Hz, matching the 20 ms mix tick
)

// TrackSummary is the finalized shape of one track, fed into the recording
// index row.
type TrackSummary struct {
	UID         string
	DisplayName string
	SampleRate  uint32
	Samples     uint32
	MaxSample   byte
	SizeBytes   int64
	Path        string
}

type track struct {
	uid         string
	displayName string
	f           *os.File
	path        string
	samples     uint32
	maxSample   byte
}

// Sink manages every waveform track for one open segment.
type Sink struct {
	dir  string
	base string // segment base name, without extension, e.g. "14-30-00__open"

	tracks    map[string]*track
	tickIndex uint32
}

// NewSink creates a sink rooted at dir/base. The caller must call
// EnsureTrack(MixedUID, ...) once before the first AppendTick.
func NewSink(dir, base string) *Sink {
	return &Sink{
		dir:    dir,
		base:   base,
		tracks: make(map[string]*track),
	}
}

func (s *Sink) trackPath(base, uid string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s__%s.wfm", base, url.PathEscape(uid)))
}

// EnsureTrack creates the track's file and header if it does not already
// exist, zero-padding it with s.tickIndex bytes so every track in the
// segment shares an identical sample count at the next flush.
func (s *Sink) EnsureTrack(uid, displayName string) error {
	if _, ok := s.tracks[uid]; ok {
		return nil
	}

	path := s.trackPath(s.base, uid)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("waveform: create track %q: %w", uid, err)
	}

	header := make([]byte, headerSize)
	copy(header[0:4], "TSWF")
	header[4] = 1 // version
	header[5] = 0 // flags
	binary.LittleEndian.PutUint32(header[8:12], sampleRate)
	binary.LittleEndian.PutUint32(header[12:16], 0) // patched on finalize
	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("waveform: write header for %q: %w", uid, err)
	}

	pad := make([]byte, s.tickIndex)
	if len(pad) > 0 {
		if _, err := f.Write(pad); err != nil {
			f.Close()
			return fmt.Errorf("waveform: zero-pad track %q: %w", uid, err)
		}
	}

	s.tracks[uid] = &track{uid: uid, displayName: displayName, f: f, path: path, samples: s.tickIndex}
	return nil
}

// AppendTick writes exactly one byte to every known track: the value from
// perUID if present, the mixed value to MixedUID, and zero to any track
// absent from perUID this tick.
func (s *Sink) AppendTick(perUID map[string]byte, mixed byte) error {
	for uid, tr := range s.tracks {
		sample := byte(0)
		if uid == MixedUID {
			sample = mixed
		} else if v, ok := perUID[uid]; ok {
			sample = v
		}
		if _, err := tr.f.Write([]byte{sample}); err != nil {
			return fmt.Errorf("waveform: append sample to %q: %w", uid, err)
		}
		tr.samples++
		if sample > tr.maxSample {
			tr.maxSample = sample
		}
	}
	s.tickIndex++
	return nil
}

// SampleCount returns the number of ticks appended so far (equal across all
// tracks by construction).
func (s *Sink) SampleCount() uint32 {
	return s.tickIndex
}

// Flush syncs every track's file to stable storage.
func (s *Sink) Flush() error {
	for uid, tr := range s.tracks {
		if err := tr.f.Sync(); err != nil {
			return fmt.Errorf("waveform: sync %q: %w", uid, err)
		}
	}
	return nil
}

// Rename moves every track file from the current base name to newBase,
// mirroring the audio segment's open->final rename (§4.5).
func (s *Sink) Rename(newBase string) error {
	for uid, tr := range s.tracks {
		newPath := s.trackPath(newBase, uid)
		if err := os.Rename(tr.path, newPath); err != nil {
			return fmt.Errorf("waveform: rename %q: %w", uid, err)
		}
		tr.path = newPath
	}
	s.base = newBase
	return nil
}

// Finalize rewrites each track's header with its true sample count, closes
// the file, and returns a per-track summary for the index row.
func (s *Sink) Finalize() ([]TrackSummary, error) {
	summaries := make([]TrackSummary, 0, len(s.tracks))
	for _, tr := range s.tracks {
		countBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(countBytes, tr.samples)
		if _, err := tr.f.WriteAt(countBytes, 12); err != nil {
			return nil, fmt.Errorf("waveform: patch sample count for %q: %w", tr.uid, err)
		}
		info, err := tr.f.Stat()
		if err != nil {
			return nil, fmt.Errorf("waveform: stat %q: %w", tr.uid, err)
		}
		if err := tr.f.Close(); err != nil {
			return nil, fmt.Errorf("waveform: close %q: %w", tr.uid, err)
		}
		summaries = append(summaries, TrackSummary{
			UID:         tr.uid,
			DisplayName: tr.displayName,
			SampleRate:  sampleRate,
			Samples:     tr.samples,
			MaxSample:   tr.maxSample,
			SizeBytes:   info.Size(),
			Path:        tr.path,
		})
	}
	return summaries, nil
}

// Discard closes and deletes every track file, used when a segment is too
// short to keep (§4.5 Finalize step 3).
func (s *Sink) Discard() error {
	for _, tr := range s.tracks {
		tr.f.Close()
		if err := os.Remove(tr.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("waveform: remove %q: %w", tr.uid, err)
		}
	}
	return nil
}
