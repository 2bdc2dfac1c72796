// Package recording wires the per-bot recording engine together: the 20 ms
// mix tick (C1/C2), the Ogg/Opus + waveform segment lifecycle (C3/C4/C5),
// the recording index (C6), the HTTP surface (C7), and the control state
// machine (C8) behind one recording mutex (§5).
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/tsvoicebot/recorder/config"
	"github.com/tsvoicebot/recorder/internal/recording/control"
	"github.com/tsvoicebot/recorder/internal/recording/httpstream"
	"github.com/tsvoicebot/recorder/internal/recording/identity"
	"github.com/tsvoicebot/recorder/internal/recording/index"
	"github.com/tsvoicebot/recorder/internal/recording/mixer"
	"github.com/tsvoicebot/recorder/internal/recording/segment"
	"github.com/tsvoicebot/recorder/internal/recording/waveform"
	"github.com/tsvoicebot/recorder/pkg/commons"
)

// tickInterval is the mix tick's cadence (§4.2, §5).
const tickInterval = 20 * time.Millisecond

// flushInterval is how often the attached segment is flushed and the index
// row's live state is refreshed (§4.2 step 8).
const flushInterval = time.Second

// rotateAfter is how long a segment stays open before being rotated into a
// fresh one (§4.2 step 1, §4.5).
const rotateAfter = time.Hour

// leaderLockTTL bounds how long a redis-backed leader lock is held before
// it must be renewed, so a crashed holder's lock self-expires.
const leaderLockTTL = 3 * time.Second

// Manager owns one bot's recording lifecycle. Its exported methods are the
// entry points network/control callbacks and HTTP handlers call; onTick
// drives everything time-based from a dedicated goroutine.
type Manager struct {
	cfg      *config.RecordingConfig
	logger   commons.Logger
	resolver identity.Resolver
	store    index.Store
	botID    uint64
	root     string

	redisClient *redis.Client
	instanceID  string
	haveLock    bool

	sm       *control.StateMachine
	mixer    *mixer.Mixer
	params   segment.EncoderParams
	excluded map[string]struct{}

	evictGroup singleflight.Group

	mu        sync.Mutex // the single recording mutex (§5)
	current   *segment.Segment
	fileID    string
	enabled   bool
	lastFlush time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager for one bot. encoder is the Opus codec the mix tick
// drives; redisClient may be nil (disables the distributed leader lock).
func New(
	cfg *config.RecordingConfig,
	logger commons.Logger,
	resolver identity.Resolver,
	store index.Store,
	encoder mixer.Encoder,
	redisClient *redis.Client,
	botID uint64,
) *Manager {
	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		resolver:    resolver,
		store:       store,
		botID:       botID,
		root:        cfg.Path,
		redisClient: redisClient,
		instanceID:  uuid.New().String(),
		mixer:       mixer.New(resolver, encoder),
		params: segment.EncoderParams{
			SampleRate:      48000,
			Channels:        2,
			PreSkip:         0,
			FallbackSamples: mixer.SamplesPerTick,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	smCfg := control.Config{StopDelay: cfg.StopDelayDuration(), ExcludeUIDs: cfg.ExcludeUIDs}
	m.excluded = smCfg.ExcludeSet()
	m.sm = control.New(
		smCfg,
		control.Callbacks{
			StartSegment:        m.startSegment,
			StopSegment:         m.stopSegment,
			RefreshParticipants: m.refreshParticipants,
		},
	)
	m.enabled = cfg.Enabled
	m.sm.EnabledChanged(cfg.Enabled)
	return m
}

// Recover runs crash recovery for orphaned segments left by an unclean
// shutdown, inserting a closed index row for each one successfully
// finalized (§4.5 Crash recovery). Call once at startup, before Start.
func (m *Manager) Recover(ctx context.Context) error {
	orphans, errs := segment.RecoverOrphans(m.root, m.cfg.MinDurationDuration())
	for _, err := range errs {
		m.logger.Errorf("recording: crash recovery failed: %v", err)
	}
	for _, o := range orphans {
		if o.Discarded {
			continue
		}
		fileID, err := index.FileID(m.root, o.AudioPath)
		if err != nil {
			m.logger.Errorf("recording: recovered segment file id: %v", err)
			continue
		}
		r := &index.Recording{
			BotID:    m.botID,
			FileID:   fileID,
			FileName: filepath.Base(o.AudioPath),
			StartUTC: time.Now().UTC().Add(-time.Duration(o.DurationMs) * time.Millisecond),
			IsOpen:   false,
		}
		end := time.Now().UTC()
		if err := r.SetParticipants(nil); err != nil {
			m.logger.Errorf("recording: recovered segment participants encode: %v", err)
			continue
		}
		if err := r.SetWaveforms(convertWaveforms(o.Waveforms)); err != nil {
			m.logger.Errorf("recording: recovered segment waveform encode: %v", err)
			continue
		}
		r.EndUTC = &end
		r.DurationMs = &o.DurationMs
		r.SizeBytes = o.SizeBytes
		if err := m.store.Insert(ctx, r); err != nil {
			m.logger.Errorf("recording: index recovered segment: %v", err)
		}
	}
	return nil
}

// Start launches the mix-tick timer goroutine. Call once.
func (m *Manager) Start() {
	go m.runTicker()
}

// Shutdown idempotently stops the mix tick and finalizes any in-progress
// segment (§5 dispose path).
func (m *Manager) Shutdown() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
	m.sm.Close()
}

func (m *Manager) runTicker() {
	defer close(m.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.onTick(now)
		}
	}
}

func (m *Manager) onTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("recording: mix tick panic recovered: %v", r)
		}
	}()

	if !m.tryAcquireLeader() {
		return
	}

	m.maybeRotate(now)

	m.mu.Lock()
	active := m.current != nil
	m.mu.Unlock()
	if active {
		stats, err := func() (mixer.TickStats, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.mixer.Tick(now)
		}()
		if err != nil {
			m.logger.Errorf("recording: mix tick failed: %v", err)
		} else if len(stats.Removed) > 0 {
			m.logger.Debugf("recording: pruned %d stale sender buffer(s)", len(stats.Removed))
		}
	}

	if m.sm.ShouldCheckAlone(now) {
		members := m.currentChannelUIDs()
		alone := control.ComputeAlone(members, m.excluded)
		m.sm.AloneChanged(alone)
	}

	if now.Sub(m.lastFlush) >= flushInterval {
		m.lastFlush = now
		m.flushAndUpdateIndex()
	}
}

// maybeRotate implements §4.2 step 1: rotate a segment open ≥1h, following
// the "prepare outside, swap inside, finalize outside" discipline (§5).
func (m *Manager) maybeRotate(now time.Time) {
	m.mu.Lock()
	needsRotate := m.current != nil && now.Sub(m.current.Start) >= rotateAfter
	m.mu.Unlock()
	if !needsRotate {
		return
	}

	newSeg, err := segment.Open(m.root, now, m.params)
	if err != nil {
		m.logger.Errorf("recording: rotate open failed: %v", err)
		return
	}
	newFileID, err := index.FileID(m.root, newSeg.AudioPath)
	if err != nil {
		m.logger.Errorf("recording: rotate file id failed: %v", err)
		newSeg.Close()
		return
	}

	m.mu.Lock()
	old := m.current
	oldFileID := m.fileID
	m.current = newSeg
	m.fileID = newFileID
	m.mixer.AttachSegment(newSeg.Muxer, newSeg.Waveform)
	m.mu.Unlock()

	m.insertIndexRow(newSeg, newFileID)

	if old != nil {
		m.finalizeSegment(old, now, oldFileID)
	}
}

func (m *Manager) startSegment() {
	now := time.Now()
	seg, err := segment.Open(m.root, now, m.params)
	if err != nil {
		m.logger.Errorf("recording: start segment failed: %v", err)
		return
	}
	fileID, err := index.FileID(m.root, seg.AudioPath)
	if err != nil {
		m.logger.Errorf("recording: start segment file id failed: %v", err)
		seg.Close()
		return
	}

	m.mu.Lock()
	m.current = seg
	m.fileID = fileID
	m.mixer.AttachSegment(seg.Muxer, seg.Waveform)
	m.lastFlush = now
	m.mu.Unlock()

	m.insertIndexRow(seg, fileID)
}

func (m *Manager) stopSegment(reason string) {
	m.mu.Lock()
	seg := m.current
	fileID := m.fileID
	m.current = nil
	m.fileID = ""
	m.mixer.Reset()
	m.mu.Unlock()

	if seg == nil {
		return
	}
	m.logger.Infof("recording: stopping segment, reason=%s", reason)
	m.finalizeSegment(seg, time.Now(), fileID)
}

func (m *Manager) insertIndexRow(seg *segment.Segment, fileID string) {
	r := &index.Recording{
		BotID:    m.botID,
		FileID:   fileID,
		FileName: filepath.Base(seg.AudioPath),
		StartUTC: seg.Start,
		IsOpen:   true,
	}
	if err := r.SetParticipants(convertParticipants(m.resolver.BotChannelParticipants())); err != nil {
		m.logger.Errorf("recording: encode participants: %v", err)
		return
	}
	if err := m.store.Insert(context.Background(), r); err != nil {
		m.logger.Errorf("recording: insert index row: %v", err)
	}
}

func (m *Manager) finalizeSegment(seg *segment.Segment, end time.Time, fileID string) {
	if err := seg.Close(); err != nil {
		m.logger.Errorf("recording: close segment: %v", err)
	}

	result, err := segment.Finalize(seg, end, m.cfg.MinDurationDuration())
	if err != nil {
		m.logger.Errorf("recording: finalize segment: %v", err)
		return
	}

	ctx := context.Background()
	if result.Discarded {
		if err := m.store.Finalize(ctx, fileID, end, result.DurationMs, 0, nil); err != nil {
			m.logger.Errorf("recording: finalize discarded row: %v", err)
		}
		if _, err := m.store.Delete(ctx, fileID); err != nil {
			m.logger.Errorf("recording: delete discarded row: %v", err)
		}
		return
	}

	if err := m.store.Finalize(ctx, fileID, end, result.DurationMs, result.SizeBytes, convertWaveforms(result.Waveforms)); err != nil {
		m.logger.Errorf("recording: finalize index row: %v", err)
	}
	m.runQuotaEviction()
}

// runQuotaEviction enforces the configured size quota, collapsing
// concurrent calls (rapid successive rotations) into a single scan (§4.6).
func (m *Manager) runQuotaEviction() {
	maxBytes := int64(m.cfg.MaxTotalSizeBytes())
	if maxBytes <= 0 {
		return
	}
	_, _, _ = m.evictGroup.Do("evict", func() (interface{}, error) {
		evicted, err := index.Evict(context.Background(), m.root, maxBytes, m.store)
		if err != nil {
			m.logger.Errorf("recording: quota eviction: %v", err)
			return nil, err
		}
		if len(evicted) > 0 {
			m.logger.Infof("recording: quota eviction removed %d segment(s)", len(evicted))
		}
		return nil, nil
	})
}

// flushAndUpdateIndex implements §4.2 step 8: flush the attached muxer and
// waveform sink, and refresh the open segment's index row.
func (m *Manager) flushAndUpdateIndex() {
	m.mu.Lock()
	seg := m.current
	fileID := m.fileID
	if seg != nil {
		if err := m.mixer.Flush(); err != nil {
			m.logger.Errorf("recording: periodic flush: %v", err)
		}
	}
	m.mu.Unlock()

	if seg == nil {
		return
	}
	m.updateLiveIndexRow(seg, fileID)
}

func (m *Manager) refreshParticipants() {
	m.mu.Lock()
	seg := m.current
	fileID := m.fileID
	m.mu.Unlock()
	if seg == nil {
		return
	}
	m.updateLiveIndexRow(seg, fileID)
}

func (m *Manager) updateLiveIndexRow(seg *segment.Segment, fileID string) {
	size, duration := m.liveSizeDuration(seg)
	participants := convertParticipants(m.resolver.BotChannelParticipants())
	if err := m.store.UpdateLiveState(context.Background(), fileID, size, duration, participants); err != nil {
		m.logger.Errorf("recording: update live index row: %v", err)
	}
}

func (m *Manager) liveSizeDuration(seg *segment.Segment) (sizeBytes, durationMs int64) {
	info, err := os.Stat(seg.AudioPath)
	if err == nil {
		sizeBytes = info.Size()
	}
	durationMs = time.Since(seg.Start).Milliseconds()
	return sizeBytes, durationMs
}

func (m *Manager) currentChannelUIDs() []string {
	participants := m.resolver.BotChannelParticipants()
	uids := make([]string, len(participants))
	for i, p := range participants {
		uids[i] = p.UID
	}
	return uids
}

// tryAcquireLeader implements the optional cross-process mix-tick leader
// lock: when redis is configured, only the process holding the lock ticks,
// so multiple bot processes sharing a channel roster never double-record.
// Disabled (always leader) when redisClient is nil.
func (m *Manager) tryAcquireLeader() bool {
	if m.redisClient == nil {
		return true
	}
	ctx := context.Background()
	key := m.leaderKey()

	ok, err := m.redisClient.SetNX(ctx, key, m.instanceID, leaderLockTTL).Result()
	if err != nil {
		m.logger.Warnw("recording: leader lock check failed", "err", err)
		return m.haveLock
	}
	if ok {
		m.haveLock = true
		return true
	}

	val, err := m.redisClient.Get(ctx, key).Result()
	if err == nil && val == m.instanceID {
		m.redisClient.Expire(ctx, key, leaderLockTTL)
		m.haveLock = true
		return true
	}
	m.haveLock = false
	return false
}

func (m *Manager) leaderKey() string {
	return fmt.Sprintf("tsvoicebot:recording:leader:%d", m.botID)
}

// OnPCM accepts decoded PCM for sender, applying the membership filter
// (§4.2): frames from a sender outside the bot's channel are dropped at
// ingress, never reaching the jitter buffer.
func (m *Manager) OnPCM(sender identity.SenderID, pcm []byte) {
	if !m.resolver.InSameChannelAsBot(sender) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.mixer.Write(sender, pcm)
}

// BotConnected forwards `bot_connected` to the control state machine (§4.8).
func (m *Manager) BotConnected() { m.sm.BotConnected() }

// BotDisconnected forwards `bot_disconnected` to the control state machine
// (§4.8).
func (m *Manager) BotDisconnected() { m.sm.BotDisconnected() }

// ParticipantsChanged forwards `participants_changed` to the control state
// machine (§4.8) and re-evaluates aloneness from the current membership.
func (m *Manager) ParticipantsChanged() {
	m.sm.ParticipantsChanged()
	m.sm.AloneChanged(control.ComputeAlone(m.currentChannelUIDs(), m.excluded))
}

// Enabled implements httpstream.Controller.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled implements httpstream.Controller and forwards `enabled_changed`
// to the control state machine (§4.8, §6).
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	m.sm.EnabledChanged(enabled)
}

// Status implements httpstream.Controller.
func (m *Manager) Status() httpstream.StatusInfo {
	m.mu.Lock()
	enabled := m.enabled
	fileID := m.fileID
	m.mu.Unlock()
	state := m.sm.State()
	return httpstream.StatusInfo{
		Enabled: enabled,
		Active:  state == control.Active || state == control.PendingStop,
		Current: fileID,
	}
}

// IsActiveFileID implements httpstream.Controller.
func (m *Manager) IsActiveFileID(fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.fileID == fileID
}

// LiveSizeDuration implements httpstream.Controller: it re-reads the open
// segment's size/duration under the recording mutex (§4.6) so `list` can
// replace the stale DB snapshot for the currently open segment.
func (m *Manager) LiveSizeDuration(fileID string) (sizeBytes, durationMs int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.fileID != fileID {
		return 0, 0, false
	}
	sizeBytes, durationMs = m.liveSizeDuration(m.current)
	return sizeBytes, durationMs, true
}

func convertParticipants(identities []identity.Identity) []index.Participant {
	out := make([]index.Participant, len(identities))
	for i, id := range identities {
		out[i] = index.Participant{UID: id.UID, DisplayName: id.DisplayName}
	}
	return out
}

func convertWaveforms(summaries []waveform.TrackSummary) []index.Waveform {
	out := make([]index.Waveform, len(summaries))
	for i, s := range summaries {
		out[i] = index.Waveform{
			UID:         s.UID,
			DisplayName: s.DisplayName,
			SampleRate:  s.SampleRate,
			Samples:     s.Samples,
			MaxSample:   s.MaxSample,
			SizeBytes:   s.SizeBytes,
		}
	}
	return out
}
