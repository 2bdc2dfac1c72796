package httpstream

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tsvoicebot/recorder/internal/recording/index"
	"github.com/tsvoicebot/recorder/pkg/commons"
)

// followPollInterval is the sleep between tail-follow read attempts when the
// open segment has no new bytes yet (§4.7).
const followPollInterval = 250 * time.Millisecond

// ErrPathEscape is returned by resolvePath when the requested id would
// resolve outside the recording root.
var ErrPathEscape = errors.New("httpstream: path escapes recording root")

// Controller is the subset of the control state machine (C8) and segment
// lifecycle (C5) the HTTP surface needs: the enable flag, a status
// snapshot, and whether a given file id is the live open segment.
type Controller interface {
	Enabled() bool
	SetEnabled(enabled bool)
	Status() StatusInfo
	IsActiveFileID(fileID string) bool
	LiveSizeDuration(fileID string) (sizeBytes int64, durationMs int64, ok bool)
}

// StatusInfo answers `recording status` (§6).
type StatusInfo struct {
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
	Current string `json:"current,omitempty"`
}

// Handlers implements the recording HTTP surface (§4.7, §6).
type Handlers struct {
	root       string
	store      index.Store
	controller Controller
	logger     commons.Logger
	botID      uint64
}

// New builds the recording HTTP surface for one bot's mount.
func New(root string, store index.Store, controller Controller, logger commons.Logger, botID uint64) *Handlers {
	return &Handlers{root: root, store: store, controller: controller, logger: logger, botID: botID}
}

// Register wires every route under group (already scoped to the bot's API
// mount, e.g. engine.Group(cfg.HTTPMount)).
func (h *Handlers) Register(group *gin.RouterGroup) {
	group.POST("/enable", h.Enable)
	group.GET("/status", h.Status)
	group.GET("/list", h.List)
	group.GET("/users", h.Users)
	group.DELETE("/:id", h.Delete)
	group.GET("/:id", h.GetRecording)
	group.GET("/:id/waveform/:uid", h.GetWaveform)
}

// resolvePath joins id onto the recording root and rejects any result whose
// canonical path does not start with the canonical root + separator (§4.7).
func (h *Handlers) resolvePath(id string) (string, error) {
	root, err := filepath.Abs(h.root)
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(root, filepath.FromSlash(id))
	candidate, err = filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	if candidate != root && !strings.HasPrefix(candidate, root+string(os.PathSeparator)) {
		return "", ErrPathEscape
	}
	return candidate, nil
}

func commonStreamHeaders(c *gin.Context, contentType string) {
	c.Header("Accept-Ranges", "bytes")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", contentType)
}

// Enable implements `recording enable <bool>` (§6).
func (h *Handlers) Enable(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.controller.SetEnabled(body.Enabled)
	c.JSON(http.StatusOK, h.controller.Status())
}

// Status implements `recording status` (§6).
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Status())
}

// List implements `recording list [from] [to] [uid] [name]` (§4.6, §6).
func (h *Handlers) List(c *gin.Context) {
	f := index.ListFilter{BotID: h.botID}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		f.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		f.To = &t
	}
	f.UID = c.Query("uid")
	f.Name = c.Query("name")
	f.LiveOverride = h.controller.LiveSizeDuration

	rows, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Errorf("recording list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// Users implements `recording users [from] [to]` (§4.6, §6).
func (h *Handlers) Users(c *gin.Context) {
	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		from = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		to = &t
	}

	participants, err := h.store.ListParticipants(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Errorf("recording users failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "users failed"})
		return
	}
	c.JSON(http.StatusOK, participants)
}

// Delete implements `recording delete <id>` (§4.6, §6).
func (h *Handlers) Delete(c *gin.Context) {
	id := c.Param("id")
	path, err := h.resolvePath(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	rec, err := h.store.Delete(c.Request.Context(), id)
	if errors.Is(err, index.ErrOpenSegment) {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot delete the active recording"})
		return
	}
	if errors.Is(err, index.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.logger.Errorf("recording delete failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	if remErr := os.Remove(path); remErr != nil && !os.IsNotExist(remErr) {
		h.logger.Warnw("recording delete: audio file removal failed", "path", path, "err", remErr)
	}
	removeWaveformSidecars(path)
	pruneEmptyParents(filepath.Dir(path), h.root)

	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": rec.FileID})
}

func removeWaveformSidecars(audioPath string) {
	dir := filepath.Dir(audioPath)
	base := strings.TrimSuffix(filepath.Base(audioPath), ".opus")
	matches, _ := filepath.Glob(filepath.Join(dir, base+"__*.wfm"))
	for _, m := range matches {
		os.Remove(m)
	}
}

func pruneEmptyParents(dir, root string) {
	root = filepath.Clean(root)
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// GetRecording implements `recording get <id>` (§4.7, §6): range-served for
// a finalized file, tail-followed for the currently open segment.
func (h *Handlers) GetRecording(c *gin.Context) {
	id := c.Param("id")
	path, err := h.resolvePath(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if h.controller.IsActiveFileID(id) {
		h.followLive(c, path, id)
		return
	}
	h.serveRanged(c, path, "audio/ogg")
}

// GetWaveform implements `recording waveform <id> <uid>` (§4.7, §6).
func (h *Handlers) GetWaveform(c *gin.Context) {
	id := c.Param("id")
	uid := c.Param("uid")
	audioPath, err := h.resolvePath(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	base := strings.TrimSuffix(audioPath, ".opus")
	wfmPath := base + "__" + url.PathEscape(uid) + ".wfm"

	root, err := filepath.Abs(h.root)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve failed"})
		return
	}
	if !strings.HasPrefix(wfmPath, root+string(os.PathSeparator)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	h.serveRanged(c, wfmPath, "application/octet-stream")
}

// serveRanged serves a finalized file with full range support (§4.7).
func (h *Handlers) serveRanged(c *gin.Context, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.logger.Errorf("serveRanged open failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open failed"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stat failed"})
		return
	}
	total := info.Size()

	rangeHeader := c.Request.Header.Get("Range")
	rng, hasRange, err := ParseRange(rangeHeader, total)
	if err != nil {
		c.Header("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	commonStreamHeaders(c, contentType)

	if !hasRange {
		c.Header("Content-Length", strconv.FormatInt(total, 10))
		c.Status(http.StatusOK)
		copyCancelable(c.Writer, f, total)
		return
	}

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seek failed"})
		return
	}
	c.Header("Content-Range", "bytes "+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10)+"/"+strconv.FormatInt(total, 10))
	c.Header("Content-Length", strconv.FormatInt(rng.Length(), 10))
	c.Status(http.StatusPartialContent)
	copyCancelable(c.Writer, f, rng.Length())
}

// copyCancelable streams n bytes, silently stopping on client disconnect or
// a short read; the response is already partially written by then.
func copyCancelable(dst io.Writer, src io.Reader, n int64) {
	_, _ = io.CopyN(dst, src, n)
}

// followLive implements the live tail-follow mode for the open segment
// (§4.7): emit the two Ogg header pages, then loop reading newly appended
// bytes until the segment closes or the client disconnects.
func (h *Handlers) followLive(c *gin.Context, path, id string) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open failed"})
		return
	}
	defer f.Close()

	commonStreamHeaders(c, "audio/ogg")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	headerEnd, err := emitHeaderPages(c.Writer, f)
	if err != nil {
		return
	}
	c.Writer.Flush()

	pos := headerEnd
	if info, statErr := f.Stat(); statErr == nil && info.Size() > pos {
		pos = info.Size()
	}
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, readErr := f.ReadAt(buf, pos)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
			pos += int64(n)
		}
		if readErr != nil && readErr != io.EOF {
			return
		}
		if n == 0 {
			if !h.controller.IsActiveFileID(id) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(followPollInterval):
			}
		}
	}
}

// emitHeaderPages scans for the two leading "OggS" pages (OpusHead,
// OpusTags), writing each verbatim and returning the byte offset
// immediately following the second (§4.7).
func emitHeaderPages(w io.Writer, f *os.File) (int64, error) {
	var offset int64
	for i := 0; i < 2; i++ {
		hdr := make([]byte, 27)
		if _, err := f.ReadAt(hdr, offset); err != nil {
			return 0, err
		}
		if string(hdr[0:4]) != "OggS" {
			return 0, errors.New("httpstream: missing OggS header page")
		}
		segCount := int(hdr[26])
		lacing := make([]byte, segCount)
		if _, err := f.ReadAt(lacing, offset+27); err != nil {
			return 0, err
		}
		payloadLen := 0
		for _, b := range lacing {
			payloadLen += int(b)
		}
		pageLen := 27 + segCount + payloadLen
		page := make([]byte, pageLen)
		if _, err := f.ReadAt(page, offset); err != nil {
			return 0, err
		}
		if _, err := w.Write(page); err != nil {
			return 0, err
		}
		offset += int64(pageLen)
	}
	return offset, nil
}
