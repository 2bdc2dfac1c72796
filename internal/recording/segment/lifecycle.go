// Package segment implements segment open/rotate/finalize lifecycle (C5):
// per-UTC-day directories, `__open` markers, collision-safe renames, and
// the min-duration discard rule. Grounded on other_examples' rustyguts-bken
// server/recording.go (StartRecording/Stop/Info shape, create-then-cleanup
// on error), generalized from its fixed 2 h hard cap and flat filename to
// a rotate-at-1h, per-day-directory, collision-numbered scheme.
package segment

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsvoicebot/recorder/internal/recording/oggopus"
	"github.com/tsvoicebot/recorder/internal/recording/waveform"
)

// EncoderParams carries the Opus/Ogg stream parameters a new segment's
// muxer is opened with.
type EncoderParams struct {
	SampleRate      uint32
	Channels        uint8
	PreSkip         uint16
	FallbackSamples int
}

// Segment is one open recording unit: an audio file + muxer + waveform
// sink rooted at a per-UTC-day directory.
type Segment struct {
	Dir       string // <root>/<YYYY-MM-DD>
	Base      string // filename without extension, e.g. "14-30-05__open"
	AudioPath string
	File      *os.File
	Muxer     *oggopus.Muxer
	Waveform  *waveform.Sink
	Start     time.Time
}

// Open creates a new segment directory/file/muxer/waveform sink for now.
// On any failure after the file is created, the partial file is removed.
func Open(root string, now time.Time, params EncoderParams) (seg *Segment, err error) {
	now = now.UTC()
	dayDir := filepath.Join(root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create day dir: %w", err)
	}

	timeBase := now.Format("15-04-05")
	var f *os.File
	var audioName string
	for n := 0; ; n++ {
		name := openName(timeBase, n)
		path := filepath.Join(dayDir, name)
		file, openErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if openErr == nil {
			f = file
			audioName = name
			break
		}
		if !os.IsExist(openErr) {
			return nil, fmt.Errorf("segment: create audio file: %w", openErr)
		}
	}

	base := strings.TrimSuffix(audioName, ".opus")
	audioPath := filepath.Join(dayDir, audioName)

	defer func() {
		if err != nil {
			f.Close()
			os.Remove(audioPath)
		}
	}()

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	muxer := oggopus.NewMuxer(f, serial, params.FallbackSamples)
	if err := muxer.WriteHeaders(params.SampleRate, params.Channels, params.PreSkip); err != nil {
		return nil, fmt.Errorf("segment: write ogg headers: %w", err)
	}

	sink := waveform.NewSink(dayDir, base)
	if err := sink.EnsureTrack(waveform.MixedUID, "mixed"); err != nil {
		return nil, fmt.Errorf("segment: create mixed track: %w", err)
	}

	return &Segment{
		Dir:       dayDir,
		Base:      base,
		AudioPath: audioPath,
		File:      f,
		Muxer:     muxer,
		Waveform:  sink,
		Start:     now,
	}, nil
}

// Close flushes the final EOS page and closes the audio file descriptor.
// It does not touch the waveform sink; Finalize or Discard owns that.
func (s *Segment) Close() error {
	if err := s.Muxer.Close(); err != nil {
		return err
	}
	return s.File.Close()
}

// Result describes what Finalize did with a segment.
type Result struct {
	Discarded  bool
	AudioPath  string
	DurationMs int64
	SizeBytes  int64
	Waveforms  []waveform.TrackSummary
}

// Finalize renames or discards a closed segment (§4.5). end names the
// finalized file; duration is snapshotted from the muxer's granule
// position, not wall-clock end−start, so it matches the encoded audio
// exactly. Segments shorter than minDuration are deleted entirely.
func Finalize(s *Segment, end time.Time, minDuration time.Duration) (Result, error) {
	durationMs := int64(s.Muxer.GranulePosition()) * 1000 / 48000

	if durationMs < minDuration.Milliseconds() {
		if err := s.Waveform.Discard(); err != nil {
			return Result{}, err
		}
		if err := os.Remove(s.AudioPath); err != nil && !os.IsNotExist(err) {
			return Result{}, err
		}
		return Result{Discarded: true, DurationMs: durationMs}, nil
	}

	finalBase, err := finalBaseName(s.Base, end)
	if err != nil {
		return Result{}, err
	}
	finalBase, finalPath, err := resolveCollision(s.Dir, finalBase)
	if err != nil {
		return Result{}, err
	}

	if err := os.Rename(s.AudioPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("segment: rename audio: %w", err)
	}
	if err := s.Waveform.Rename(finalBase); err != nil {
		return Result{}, fmt.Errorf("segment: rename waveform: %w", err)
	}

	summaries, err := s.Waveform.Finalize()
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Result{}, err
	}

	return Result{
		AudioPath:  finalPath,
		DurationMs: durationMs,
		SizeBytes:  info.Size(),
		Waveforms:  summaries,
	}, nil
}

func openName(timeBase string, n int) string {
	if n == 0 {
		return timeBase + "__open.opus"
	}
	return fmt.Sprintf("%s__open_%d.opus", timeBase, n)
}

// finalBaseName derives "HH-MM-SS__HH-MM-SS[_N]" from an open segment's
// base name and its end instant, preserving any collision suffix the open
// name carried.
func finalBaseName(openBase string, end time.Time) (string, error) {
	parts := strings.SplitN(openBase, "__", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "open") {
		return "", fmt.Errorf("segment: malformed open base name %q", openBase)
	}
	startPart := parts[0]
	suffix := strings.TrimPrefix(parts[1], "open")
	endPart := end.UTC().Format("15-04-05")
	return startPart + "__" + endPart + suffix, nil
}

// resolveCollision returns a final base name + path guaranteed not to
// already exist, appending "_1", "_2", ... to candidateBase if needed.
func resolveCollision(dir, candidateBase string) (base, path string, err error) {
	for n := 0; ; n++ {
		b := candidateBase
		if n > 0 {
			b = candidateBase + "_" + strconv.Itoa(n)
		}
		p := filepath.Join(dir, b+".opus")
		if _, statErr := os.Stat(p); os.IsNotExist(statErr) {
			return b, p, nil
		} else if statErr != nil {
			return "", "", statErr
		}
	}
}

func randomSerial() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("segment: generate serial: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
