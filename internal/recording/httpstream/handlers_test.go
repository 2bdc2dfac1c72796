package httpstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tsvoicebot/recorder/internal/recording/index"
	"github.com/tsvoicebot/recorder/pkg/commons"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestIndexDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, index.Migrate(context.Background(), db))
	return db
}

type fakeController struct {
	enabled      bool
	activeFileID string
	liveSize     int64
	liveDuration int64
}

func (f *fakeController) Enabled() bool                 { return f.enabled }
func (f *fakeController) SetEnabled(enabled bool)       { f.enabled = enabled }
func (f *fakeController) IsActiveFileID(id string) bool { return f.activeFileID == id }
func (f *fakeController) Status() StatusInfo {
	return StatusInfo{Enabled: f.enabled, Active: f.activeFileID != "", Current: f.activeFileID}
}
func (f *fakeController) LiveSizeDuration(fileID string) (int64, int64, bool) {
	if fileID != f.activeFileID {
		return 0, 0, false
	}
	return f.liveSize, f.liveDuration, true
}

func newTestHandlers(t *testing.T, root string) (*Handlers, index.Store, *fakeController) {
	t.Helper()
	db := newTestIndexDB(t)
	store := index.NewStore(db)
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	ctrl := &fakeController{}
	return New(root, store, ctrl, logger, 1), store, ctrl
}

func TestResolvePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	h, _, _ := newTestHandlers(t, root)

	_, err := h.resolvePath("../../etc/passwd")
	require.ErrorIs(t, err, ErrPathEscape)

	p, err := h.resolvePath("2026-07-29/seg.opus")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(p))
}

func TestGetRecordingServesFullFileWithoutRangeHeader(t *testing.T) {
	root := t.TempDir()
	h, _, _ := newTestHandlers(t, root)

	content := []byte("OggSfakepayloaddata")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2026-07-29"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "2026-07-29/seg.opus"), content, 0o644))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/2026-07-29/seg.opus", nil)
	c.Params = gin.Params{{Key: "id", Value: "2026-07-29/seg.opus"}}

	h.GetRecording(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "audio/ogg", w.Header().Get("Content-Type"))
	require.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	require.Equal(t, content, w.Body.Bytes())
}

func TestGetRecordingServesPartialRange(t *testing.T) {
	root := t.TempDir()
	h, _, _ := newTestHandlers(t, root)

	content := []byte("0123456789")
	require.NoError(t, os.WriteFile(filepath.Join(root, "seg.opus"), content, 0o644))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/seg.opus", nil)
	c.Request.Header.Set("Range", "bytes=2-5")
	c.Params = gin.Params{{Key: "id", Value: "seg.opus"}}

	h.GetRecording(c)

	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
	require.Equal(t, "2345", w.Body.String())
}

func TestGetRecordingUnsatisfiableRangeReturns416(t *testing.T) {
	root := t.TempDir()
	h, _, _ := newTestHandlers(t, root)

	content := []byte("0123456789")
	require.NoError(t, os.WriteFile(filepath.Join(root, "seg.opus"), content, 0o644))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/seg.opus", nil)
	c.Request.Header.Set("Range", "bytes=9999-10000")
	c.Params = gin.Params{{Key: "id", Value: "seg.opus"}}

	h.GetRecording(c)

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	require.Equal(t, "bytes */10", w.Header().Get("Content-Range"))
}

func TestDeleteRefusesActiveSegment(t *testing.T) {
	root := t.TempDir()
	h, store, ctrl := newTestHandlers(t, root)
	ctrl.activeFileID = "live.opus"

	require.NoError(t, os.WriteFile(filepath.Join(root, "live.opus"), []byte("x"), 0o644))
	require.NoError(t, store.Insert(context.Background(), &index.Recording{BotID: 1, FileID: "live.opus", IsOpen: true}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/live.opus", nil)
	c.Params = gin.Params{{Key: "id", Value: "live.opus"}}

	h.Delete(c)
	require.Equal(t, http.StatusConflict, w.Code)

	_, err := os.Stat(filepath.Join(root, "live.opus"))
	require.NoError(t, err)
}

func TestDeleteRemovesClosedSegmentAndSidecars(t *testing.T) {
	root := t.TempDir()
	h, store, _ := newTestHandlers(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "closed.opus"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "closed__mixed.wfm"), []byte("y"), 0o644))
	require.NoError(t, store.Insert(context.Background(), &index.Recording{BotID: 1, FileID: "closed.opus", IsOpen: false}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/closed.opus", nil)
	c.Params = gin.Params{{Key: "id", Value: "closed.opus"}}

	h.Delete(c)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := os.Stat(filepath.Join(root, "closed.opus"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "closed__mixed.wfm"))
	require.True(t, os.IsNotExist(err))
}

func TestGetWaveformResolvesSidecarPath(t *testing.T) {
	root := t.TempDir()
	h, _, _ := newTestHandlers(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "seg__mixed.wfm"), []byte("wfmdata"), 0o644))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/seg.opus/waveform/mixed", nil)
	c.Params = gin.Params{{Key: "id", Value: "seg.opus"}, {Key: "uid", Value: "mixed"}}

	h.GetWaveform(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "wfmdata", w.Body.String())
}

func TestListServesLiveSizeDurationForOpenSegment(t *testing.T) {
	root := t.TempDir()
	h, store, ctrl := newTestHandlers(t, root)
	ctrl.activeFileID = "live.opus"
	ctrl.liveSize = 99999
	ctrl.liveDuration = 4242

	require.NoError(t, store.Insert(context.Background(), &index.Recording{
		BotID: 1, FileID: "live.opus", StartUTC: time.Now().UTC(), IsOpen: true, SizeBytes: 10,
	}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/list", nil)

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"SizeBytes":99999`)
	require.Contains(t, w.Body.String(), `"DurationMs":4242`)
}

func TestStatusReflectsController(t *testing.T) {
	root := t.TempDir()
	h, _, ctrl := newTestHandlers(t, root)
	ctrl.enabled = true
	ctrl.activeFileID = "seg.opus"

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)

	h.Status(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"enabled":true,"active":true,"current":"seg.opus"}`, w.Body.String())
}
