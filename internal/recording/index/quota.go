package index

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileID derives the stable, forward-slash-normalized file id used as a
// Recording's unique key from a physical path relative to the recording
// root.
func FileID(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

type quotaCandidate struct {
	path    string
	size    int64
	modTime int64
}

// Evict enforces maxBytes by deleting the oldest (by last-write-time)
// finalized `*.opus` segments under root, along with their waveform
// sidecars and index rows, until the total size is at or below the limit
// or there is nothing left to remove (§4.6). Open segments (filenames
// containing "__open") are never eligible.
func Evict(ctx context.Context, root string, maxBytes int64, store Store) (evicted []string, err error) {
	if maxBytes <= 0 {
		return nil, nil
	}

	var candidates []quotaCandidate
	var total int64
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".opus") || strings.Contains(d.Name(), "__open") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		candidates = append(candidates, quotaCandidate{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime < candidates[j].modTime })

	for _, c := range candidates {
		if total <= maxBytes {
			break
		}

		fileID, idErr := FileID(root, c.path)
		if idErr != nil {
			continue
		}

		_, delErr := store.Delete(ctx, fileID)
		if delErr == ErrOpenSegment || delErr == ErrNotFound {
			continue
		}
		if delErr != nil {
			return evicted, delErr
		}

		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return evicted, err
		}
		removeWaveformSidecars(c.path)

		total -= c.size
		evicted = append(evicted, fileID)
	}

	return evicted, nil
}

func removeWaveformSidecars(audioPath string) {
	dir := filepath.Dir(audioPath)
	base := strings.TrimSuffix(filepath.Base(audioPath), ".opus")
	matches, err := filepath.Glob(filepath.Join(dir, base+"__*.wfm"))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}
