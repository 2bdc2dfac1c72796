package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsvoicebot/recorder/internal/recording/waveform"
)

// scanTail is how far from the end of an orphaned file to look for the
// last Ogg page's granule field. Pages are flushed about once a second, so
// at the default 48 kbit/s the last page (about 6 KiB) fits inside it.
const scanTail = 8 * 1024

// Orphan describes a crash-recovered segment.
type Orphan struct {
	Result
	Reason string
}

// RecoverOrphans scans root for "*__open.opus" files left behind by an
// unclean shutdown and runs the finalize pipeline on each, deriving
// duration from the last Ogg page's granule position (§4.5 Crash
// recovery). Per-orphan failures are returned in the errs slice rather
// than aborting the scan, so one bad file does not block recovery of the
// rest.
func RecoverOrphans(root string, minDuration time.Duration) (orphans []Orphan, errs []error) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.Contains(d.Name(), "__open") || !strings.HasSuffix(d.Name(), ".opus") {
			return nil
		}

		result, recErr := recoverOne(path, minDuration)
		if recErr != nil {
			errs = append(errs, fmt.Errorf("segment: recover %q: %w", path, recErr))
			return nil
		}
		orphans = append(orphans, Orphan{Result: result, Reason: "crash recovery"})
		return nil
	})
	return orphans, errs
}

func recoverOne(audioPath string, minDuration time.Duration) (Result, error) {
	dir := filepath.Dir(audioPath)
	name := filepath.Base(audioPath)
	base := strings.TrimSuffix(name, ".opus")

	start, err := parseStart(dir, base)
	if err != nil {
		return Result{}, err
	}

	granule, err := lastPageGranule(audioPath)
	if err != nil {
		return Result{}, err
	}
	durationMs := int64(granule) * 1000 / 48000
	end := start.Add(time.Duration(durationMs) * time.Millisecond)

	if durationMs < minDuration.Milliseconds() {
		if err := discardOrphan(dir, base, audioPath); err != nil {
			return Result{}, err
		}
		return Result{Discarded: true, DurationMs: durationMs}, nil
	}

	finalBase, err := finalBaseName(base, end)
	if err != nil {
		return Result{}, err
	}
	finalBase, finalPath, err := resolveCollision(dir, finalBase)
	if err != nil {
		return Result{}, err
	}
	if err := os.Rename(audioPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("rename audio: %w", err)
	}

	summaries, err := renameAndPatchWaveforms(dir, base, finalBase)
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

// parseStart reconstructs the segment's start instant from its enclosing
// day directory ("YYYY-MM-DD") and its "HH-MM-SS" filename prefix.
func parseStart(dir, base string) (time.Time, error) {
	day := filepath.Base(dir)
	parts := strings.SplitN(base, "__", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("malformed segment base %q", base)
	}
	return time.Parse("2006-01-02 15-04-05", day+" "+parts[0])
}

// lastPageGranule scans the final scanTail bytes of an Ogg file for the
// last page header and returns its granule position.
func lastPageGranule(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	size := info.Size()
	start := int64(0)
	if size > scanTail {
		start = size - scanTail
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return 0, err
	}

	idx := bytes.LastIndex(buf, []byte("OggS"))
	if idx < 0 || idx+14 > len(buf) {
		return 0, fmt.Errorf("no Ogg page found in tail of %q", path)
	}
	return binary.LittleEndian.Uint64(buf[idx+6 : idx+14]), nil
}

func waveformGlob(dir, base string) string {
	return filepath.Join(dir, base+"__*.wfm")
}

func discardOrphan(dir, base, audioPath string) error {
	if err := os.Remove(audioPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	matches, err := filepath.Glob(waveformGlob(dir, base))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// renameAndPatchWaveforms renames every orphaned waveform sidecar from
// oldBase to newBase and patches its TSWF header's sample count from the
// file's actual size, since the crashed process never ran Finalize. The
// uid is recovered from the percent-escaped filename; display name is not
// recoverable once the crashed process is gone, so it falls back to uid.
func renameAndPatchWaveforms(dir, oldBase, newBase string) ([]waveform.TrackSummary, error) {
	matches, err := filepath.Glob(waveformGlob(dir, oldBase))
	if err != nil {
		return nil, err
	}

	var out []waveform.TrackSummary
	for _, oldPath := range matches {
		suffix := strings.TrimPrefix(filepath.Base(oldPath), oldBase) // "__<escaped-uid>.wfm"
		newPath := filepath.Join(dir, newBase+suffix)
		if err := os.Rename(oldPath, newPath); err != nil {
			return nil, fmt.Errorf("rename waveform %q: %w", oldPath, err)
		}

		escaped := strings.TrimSuffix(strings.TrimPrefix(suffix, "__"), ".wfm")
		uid, decErr := url.PathUnescape(escaped)
		if decErr != nil {
			uid = escaped
		}

		body, err := os.ReadFile(newPath)
		if err != nil {
			return nil, err
		}
		if len(body) < 16 {
			continue
		}
		samples := uint32(len(body) - 16)
		var maxSample byte
		for _, b := range body[16:] {
			if b > maxSample {
				maxSample = b
			}
		}

		f, err := os.OpenFile(newPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		countBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(countBytes, samples)
		if _, err := f.WriteAt(countBytes, 12); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()

		out = append(out, waveform.TrackSummary{
			UID:         uid,
			DisplayName: uid,
			SampleRate:  50,
			Samples:     samples,
			MaxSample:   maxSample,
			SizeBytes:   int64(len(body)),
			Path:        newPath,
		})
	}
	return out, nil
}
