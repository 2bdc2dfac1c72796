package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFileWithMTime(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestEvictRemovesOldestUntilUnderQuota(t *testing.T) {
	root := t.TempDir()
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	segments := []struct {
		fileID string
		size   int
		age    time.Duration
	}{
		{"2026-07-29/10-00-00.opus", 4 * 1024 * 1024, 3 * time.Hour},
		{"2026-07-29/11-00-00.opus", 3 * 1024 * 1024, 2 * time.Hour},
		{"2026-07-29/12-00-00.opus", 5 * 1024 * 1024, 1 * time.Hour},
	}
	for _, seg := range segments {
		p := filepath.Join(root, seg.fileID)
		writeFileWithMTime(t, p, seg.size, base.Add(-seg.age))
		r := &Recording{BotID: 1, FileID: seg.fileID, StartUTC: base.Add(-seg.age), SizeBytes: int64(seg.size), IsOpen: false}
		require.NoError(t, s.Insert(ctx, r))
	}

	evicted, err := Evict(ctx, root, 7*1024*1024, s)
	require.NoError(t, err)
	require.Equal(t, []string{"2026-07-29/10-00-00.opus", "2026-07-29/11-00-00.opus"}, evicted)

	_, err = os.Stat(filepath.Join(root, "2026-07-29/10-00-00.opus"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "2026-07-29/12-00-00.opus"))
	require.NoError(t, err)

	_, err = s.Get(ctx, "2026-07-29/10-00-00.opus")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "2026-07-29/12-00-00.opus")
	require.NoError(t, err)
}

func TestEvictSkipsOpenSegments(t *testing.T) {
	root := t.TempDir()
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	openPath := filepath.Join(root, "2026-07-29/09-00-00__open.opus")
	writeFileWithMTime(t, openPath, 10*1024*1024, time.Now().Add(-4*time.Hour))
	r := &Recording{BotID: 1, FileID: "2026-07-29/09-00-00__open.opus", SizeBytes: 10 * 1024 * 1024, IsOpen: true, StartUTC: time.Now()}
	require.NoError(t, s.Insert(ctx, r))

	evicted, err := Evict(ctx, root, 1, s)
	require.NoError(t, err)
	require.Empty(t, evicted)

	_, err = os.Stat(openPath)
	require.NoError(t, err)
}

func TestEvictNoopWhenUnderQuota(t *testing.T) {
	root := t.TempDir()
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	p := filepath.Join(root, "2026-07-29/08-00-00.opus")
	writeFileWithMTime(t, p, 1024, time.Now())
	require.NoError(t, s.Insert(ctx, &Recording{BotID: 1, FileID: "2026-07-29/08-00-00.opus", SizeBytes: 1024, IsOpen: false, StartUTC: time.Now()}))

	evicted, err := Evict(ctx, root, 10*1024*1024, s)
	require.NoError(t, err)
	require.Empty(t, evicted)
}

func TestFileIDNormalizesToForwardSlashes(t *testing.T) {
	root := t.TempDir()
	id, err := FileID(root, filepath.Join(root, "2026-07-29", "seg.opus"))
	require.NoError(t, err)
	require.Equal(t, "2026-07-29/seg.opus", id)
}
