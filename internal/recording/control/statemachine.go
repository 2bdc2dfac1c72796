// Package control implements the recording control state machine (C8):
// Idle/Active/PendingStop transitions driven by enable toggles, bot
// connect/disconnect, channel-aloneness changes, and participant-list
// refreshes. Grounded on the webrtc base_streamer's idempotent
// closed-flag-under-mutex dispose pattern, generalized from its single
// open/closed boolean to a three-state machine with a single-shot
// stop-delay timer (§4.8).
package control

import (
	"sync"
	"time"
)

// State is one of the three recording lifecycle states (§4.8).
type State int

const (
	Idle State = iota
	Active
	PendingStop
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case PendingStop:
		return "pending_stop"
	default:
		return "unknown"
	}
}

// aloneCheckRateLimit is the minimum spacing between alone checks driven by
// the mix tick (§4.8).
const aloneCheckRateLimit = time.Second

// Config holds the state machine's tunables, sourced from the recording
// configuration (§6).
type Config struct {
	StopDelay   time.Duration
	ExcludeUIDs []string
}

// ExcludeSet builds the lookup set ComputeAlone expects.
func (c Config) ExcludeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ExcludeUIDs))
	for _, uid := range c.ExcludeUIDs {
		set[uid] = struct{}{}
	}
	return set
}

// ComputeAlone implements the "alone" predicate: no member of the bot's
// current channel, other than the bot itself, is outside the configured
// exclusion set (§4.8). members is the channel's client uid list with the
// bot itself already excluded by the caller.
func ComputeAlone(members []string, excluded map[string]struct{}) bool {
	for _, uid := range members {
		if _, skip := excluded[uid]; !skip {
			return false
		}
	}
	return true
}

// Callbacks are the segment-lifecycle side effects the state machine
// drives. StartSegment and StopSegment run with the state machine's mutex
// NOT held, so they may perform the heavy I/O segment open/finalize
// requires (§5).
type Callbacks struct {
	StartSegment        func()
	StopSegment         func(reason string)
	RefreshParticipants func()
}

// StateMachine is safe for concurrent use; every exported method takes the
// internal mutex for the duration of its own state transition, but always
// releases it before invoking a Callbacks hook.
type StateMachine struct {
	mu sync.Mutex

	cfg Config
	cb  Callbacks

	state     State
	enabled   bool
	connected bool
	alone     bool

	pendingReason   string
	pendingDeadline time.Time
	timer           *time.Timer
	timerGen        uint64

	lastAloneCheck time.Time
	closed         bool
}

// New builds a StateMachine in Idle, disabled and disconnected.
func New(cfg Config, cb Callbacks) *StateMachine {
	return &StateMachine{cfg: cfg, cb: cb, alone: true}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// PendingReason returns the armed stop reason and deadline, valid only
// while State() == PendingStop.
func (sm *StateMachine) PendingReason() (reason string, deadline time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pendingReason, sm.pendingDeadline
}

// ShouldCheckAlone applies the mix-tick alone-check rate limit (§4.8): it
// returns true at most once per aloneCheckRateLimit, recording now as the
// last check time as a side effect when it does.
func (sm *StateMachine) ShouldCheckAlone(now time.Time) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.lastAloneCheck.IsZero() && now.Sub(sm.lastAloneCheck) < aloneCheckRateLimit {
		return false
	}
	sm.lastAloneCheck = now
	return true
}

// EnabledChanged handles `enabled_changed(bool)` (§4.8).
func (sm *StateMachine) EnabledChanged(enabled bool) {
	sm.mu.Lock()
	sm.enabled = enabled
	if !enabled {
		sm.transitionToIdleLocked("recording disabled")
		return
	}
	if sm.connected && !sm.alone && sm.state == Idle {
		sm.transitionToActiveLocked()
		return
	}
	sm.mu.Unlock()
}

// BotConnected handles `bot_connected` (§4.8).
func (sm *StateMachine) BotConnected() {
	sm.mu.Lock()
	sm.connected = true
	if sm.enabled && !sm.alone && sm.state == Idle {
		sm.transitionToActiveLocked()
		return
	}
	sm.mu.Unlock()
}

// BotDisconnected handles `bot_disconnected` (§4.8): any state collapses to
// Idle.
func (sm *StateMachine) BotDisconnected() {
	sm.mu.Lock()
	sm.connected = false
	sm.transitionToIdleLocked("bot disconnected")
}

// AloneChanged handles `alone_changed(bool)` (§4.8).
func (sm *StateMachine) AloneChanged(alone bool) {
	sm.mu.Lock()
	sm.alone = alone

	switch sm.state {
	case Active:
		if alone {
			sm.armPendingStopLocked()
			return
		}
		sm.mu.Unlock()
	case PendingStop:
		if !alone {
			sm.cancelTimerLocked()
			sm.transitionToActiveLocked()
			return
		}
		sm.mu.Unlock()
	case Idle:
		if !alone && sm.enabled && sm.connected {
			sm.transitionToActiveLocked()
			return
		}
		sm.mu.Unlock()
	default:
		sm.mu.Unlock()
	}
}

// ParticipantsChanged handles `participants_changed` while Active (§4.8):
// the caller has already updated the live membership snapshot; this only
// triggers the index refresh side effect. Re-evaluating aloneness from the
// new membership is the caller's responsibility via AloneChanged.
func (sm *StateMachine) ParticipantsChanged() {
	sm.mu.Lock()
	active := sm.state == Active
	sm.mu.Unlock()
	if active && sm.cb.RefreshParticipants != nil {
		sm.cb.RefreshParticipants()
	}
}

// Close idempotently tears down the state machine: cancels any armed timer
// and finalizes an in-progress segment, without re-entering on a second
// call.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.closed = true
	sm.transitionToIdleLocked("recorder shutting down")
}

// transitionToIdleLocked stops any in-progress segment and arms Idle. It
// consumes the lock (the caller must already hold it) and releases it
// before returning, invoking StopSegment outside the critical section.
func (sm *StateMachine) transitionToIdleLocked(reason string) {
	sm.cancelTimerLocked()
	wasActive := sm.state != Idle
	sm.state = Idle
	sm.pendingReason = ""
	sm.pendingDeadline = time.Time{}
	sm.mu.Unlock()

	if wasActive && sm.cb.StopSegment != nil {
		sm.cb.StopSegment(reason)
	}
}

// transitionToActiveLocked starts a segment (if coming from Idle) and arms
// Active. It consumes the lock and releases it before returning, invoking
// StartSegment outside the critical section.
func (sm *StateMachine) transitionToActiveLocked() {
	sm.cancelTimerLocked()
	wasIdle := sm.state == Idle
	sm.state = Active
	sm.pendingReason = ""
	sm.pendingDeadline = time.Time{}
	sm.mu.Unlock()

	if wasIdle && sm.cb.StartSegment != nil {
		sm.cb.StartSegment()
	}
}

// armPendingStopLocked arms the single-shot stop-delay timer and releases
// the lock.
func (sm *StateMachine) armPendingStopLocked() {
	sm.state = PendingStop
	sm.pendingReason = "channel empty"
	sm.pendingDeadline = time.Now().Add(sm.cfg.StopDelay)
	sm.timerGen++
	gen := sm.timerGen
	sm.cancelTimerLocked()
	sm.timer = time.AfterFunc(sm.cfg.StopDelay, func() { sm.onDeadline(gen) })
	sm.mu.Unlock()
}

// cancelTimerLocked stops the armed timer, if any. Caller holds the lock.
func (sm *StateMachine) cancelTimerLocked() {
	if sm.timer != nil {
		sm.timer.Stop()
		sm.timer = nil
	}
}

// onDeadline fires when a PendingStop's timer expires (§4.8). gen guards
// against a stale timer firing after the state has already moved on (e.g.
// alone went false and a new PendingStop was armed, or the state machine
// was closed).
func (sm *StateMachine) onDeadline(gen uint64) {
	sm.mu.Lock()
	if sm.state != PendingStop || sm.timerGen != gen {
		sm.mu.Unlock()
		return
	}
	reason := sm.pendingReason
	if reason == "" {
		reason = "channel empty"
	}
	sm.transitionToIdleLocked(reason)
}
