package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

const defaultWriteTimeout = 10 * time.Second

// Transition is one accepted state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Manager is the only writer of a session's status record. Every accepted
// transition is mirrored to the store; mirror failures are logged and never
// returned to the caller.
type Manager struct {
	sessionID    string
	store        Store
	writeTimeout time.Duration

	// writeMu is held from a state change through its store write so the
	// store sees transitions in the order they were accepted.
	writeMu sync.Mutex

	mu        sync.RWMutex
	callID    string
	state     State
	reason    string
	createdAt time.Time
	history   []Transition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a manager in INITIALIZING. A nil store disables
// mirroring.
func NewManager(sessionID string, store Store) *Manager {
	if store == nil {
		store = NopStore{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Manager{
		sessionID:    sessionID,
		store:        store,
		writeTimeout: defaultWriteTimeout,
		state:        StateInitializing,
		createdAt:    now,
		history:      []Transition{{To: StateInitializing, At: now}},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start mirrors the initial INITIALIZING record.
func (m *Manager) Start(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.RLock()
	rec := m.recordLocked()
	m.mu.RUnlock()
	m.mirror(ctx, rec)
}

// SetCallID records the call id written with subsequent transitions.
func (m *Manager) SetCallID(callID string) {
	m.mu.Lock()
	m.callID = callID
	m.mu.Unlock()
}

// State returns the current state and failure reason.
func (m *Manager) State() (State, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.reason
}

// History returns every accepted transition in order.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Reached reports whether the session ever entered s.
func (m *Manager) Reached(s State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.history {
		if t.To == s {
			return true
		}
	}
	return false
}

// Transition moves the session to a non-failed state.
func (m *Manager) Transition(ctx context.Context, to State) error {
	if to == StateFailed {
		return fmt.Errorf("%w: use Fail for %s", ErrInvalidTransition, to)
	}
	return m.apply(ctx, to, "")
}

// Fail moves the session to FAILED with reason.
func (m *Manager) Fail(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonJoinFailed
	}
	return m.apply(ctx, StateFailed, reason)
}

// FailWith classifies err and moves the session to FAILED. It returns the
// reason used.
func (m *Manager) FailWith(ctx context.Context, err error) string {
	reason := ClassifyFailure(err)
	if ferr := m.Fail(ctx, reason); ferr != nil {
		logging.Warning(logging.CategoryStatus, "cannot mark session failed sessionID=%s reason=%s: %v", m.sessionID, reason, ferr)
	}
	return reason
}

// Complete moves the session to COMPLETED. Completing an already completed
// session is a no-op.
func (m *Manager) Complete(ctx context.Context) error {
	if s, _ := m.State(); s == StateCompleted {
		return nil
	}
	return m.apply(ctx, StateCompleted, "")
}

func (m *Manager) apply(ctx context.Context, to State, reason string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		// ACTIVE again after a transcription restart
		m.mu.Unlock()
		logging.Debug(logging.CategoryStatus, "status unchanged sessionID=%s state=%s", m.sessionID, to)
		return nil
	}
	m.state = to
	m.reason = reason
	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	rec := m.recordLocked()
	m.mu.Unlock()

	if to == StateFailed {
		logging.Fail(logging.CategoryStatus, "status %s -> %s sessionID=%s reason=%s", from, to, m.sessionID, reason)
	} else {
		logging.Info(logging.CategoryStatus, "status %s -> %s sessionID=%s", from, to, m.sessionID)
	}

	m.mirror(ctx, rec)
	return nil
}

func (m *Manager) recordLocked() Record {
	return Record{
		SessionID: m.sessionID,
		CallID:    m.callID,
		State:     m.state,
		Reason:    m.reason,
		CreatedAt: m.createdAt,
	}
}

func (m *Manager) mirror(ctx context.Context, rec Record) {
	// a canceled caller must not skip the final write
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.writeTimeout)
	defer cancel()
	if err := m.store.Put(ctx, rec); err != nil {
		logging.Warning(logging.CategoryStatus, "status mirror failed sessionID=%s state=%s: %v", rec.SessionID, rec.State, err)
	}
}

// LinkCall attaches callID to the stored record.
func (m *Manager) LinkCall(ctx context.Context, callID string) {
	m.SetCallID(callID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.writeTimeout)
	defer cancel()
	if err := m.store.LinkCall(ctx, m.sessionID, callID); err != nil {
		logging.Warning(logging.CategoryStatus, "link call failed sessionID=%s callID=%s: %v", m.sessionID, callID, err)
		return
	}
	logging.Info(logging.CategoryStatus, "linked call sessionID=%s callID=%s", m.sessionID, callID)
}

// StartHeartbeat refreshes the record every interval until the session
// reaches a terminal state or Stop is called.
func (m *Manager) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.heartbeat(interval)
}

func (m *Manager) heartbeat(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if s, _ := m.State(); s.Terminal() {
				return
			}
			ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
			if err := m.store.Touch(ctx, m.sessionID); err != nil {
				logging.Debug(logging.CategoryStatus, "heartbeat failed sessionID=%s: %v", m.sessionID, err)
			}
			cancel()
		}
	}
}

// Stop ends the heartbeat.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Remove deletes the status record at process exit.
func (m *Manager) Remove(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.writeTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, m.sessionID); err != nil {
		logging.Warning(logging.CategoryStatus, "remove status failed sessionID=%s: %v", m.sessionID, err)
		return
	}
	logging.Info(logging.CategoryStatus, "removed status record sessionID=%s", m.sessionID)
}
