package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDurationTimerExists is returned when a room's duration timer is armed twice
var ErrDurationTimerExists = errors.New("duration timer already armed for room")

// graceTimer is a pending disconnect deadline for one identity
type graceTimer struct {
	timer    *time.Timer
	room     string
	deadline time.Time
}

// TimerManager owns the two classes of deferred action the broker relies on:
// hard session-duration expiry (one per room, ever) and disconnect
// grace-period expiry (keyed by identity, last disconnect wins). Fired
// actions call back strictly through the broker's public operations.
type TimerManager struct {
	mu       sync.Mutex
	duration map[string]*time.Timer
	armed    map[string]bool
	grace    map[uuid.UUID]*graceTimer
}

// NewTimerManager creates an empty timer manager
func NewTimerManager() *TimerManager {
	return &TimerManager{
		duration: make(map[string]*time.Timer),
		armed:    make(map[string]bool),
		grace:    make(map[uuid.UUID]*graceTimer),
	}
}

// ArmDuration schedules the single-shot hard deadline for a room. A room may
// only ever receive one duration timer; re-arming is rejected even after the
// first has fired or been cancelled.
func (tm *TimerManager) ArmDuration(room string, d time.Duration, onFire func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.armed[room] {
		return ErrDurationTimerExists
	}
	tm.armed[room] = true

	tm.duration[room] = time.AfterFunc(d, func() {
		tm.mu.Lock()
		delete(tm.duration, room)
		tm.mu.Unlock()
		onFire()
	})

	return nil
}

// CancelDuration stops a pending duration timer. Cancelling a fired or
// unknown timer is a no-op.
func (tm *TimerManager) CancelDuration(room string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if timer, ok := tm.duration[room]; ok {
		timer.Stop()
		delete(tm.duration, room)
	}
}

// ArmGrace schedules the disconnect deadline for an identity, bound to the
// room it dropped from. Arming while a grace timer already exists replaces
// it: the last disconnect wins when a party flaps.
func (tm *TimerManager) ArmGrace(identity uuid.UUID, room string, d time.Duration, onFire func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.grace[identity]; ok {
		existing.timer.Stop()
	}

	gt := &graceTimer{
		room:     room,
		deadline: time.Now().Add(d),
	}
	gt.timer = time.AfterFunc(d, func() {
		// A cancel or re-arm racing the deadline wins; only the timer still
		// registered for the identity may fire
		tm.mu.Lock()
		current, ok := tm.grace[identity]
		if !ok || current != gt {
			tm.mu.Unlock()
			return
		}
		delete(tm.grace, identity)
		tm.mu.Unlock()
		onFire()
	})
	tm.grace[identity] = gt
}

// CancelGrace cancels the grace timer for identity only when it was armed
// for the given room; a reconnect targeting a different room must not cancel
// it. Returns whether a timer was cancelled.
func (tm *TimerManager) CancelGrace(identity uuid.UUID, room string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	gt, ok := tm.grace[identity]
	if !ok || gt.room != room {
		return false
	}

	gt.timer.Stop()
	delete(tm.grace, identity)
	return true
}

// CancelGraceForRoom cancels every grace timer armed for the given room.
// Used when the session itself ends while a party is still disconnected.
func (tm *TimerManager) CancelGraceForRoom(room string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for identity, gt := range tm.grace {
		if gt.room == room {
			gt.timer.Stop()
			delete(tm.grace, identity)
		}
	}
}

// GraceRoom reports the room a pending grace timer was armed for
func (tm *TimerManager) GraceRoom(identity uuid.UUID) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	gt, ok := tm.grace[identity]
	if !ok {
		return "", false
	}
	return gt.room, true
}
