package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/session"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

var (
	// ErrPoolExhausted means no slot is free and emergency growth is
	// capped out
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrCallActive means the call already holds a slot
	ErrCallActive = errors.New("call already has an active session")
)

// Config holds pool sizing and supervision settings
type Config struct {
	// Size is the number of pre-warmed slots
	Size int

	// EmergencyCap limits slots created beyond Size when the pool is
	// full. Zero means unlimited growth; negative disables growth.
	EmergencyCap int

	// MinReady is the minimum number of slots that must warm up for
	// Initialize to succeed. Defaults to half of Size, at least one.
	MinReady int

	HealthInterval time.Duration // default 30s
	PingTimeout    time.Duration // default 2s
	WarmupTimeout  time.Duration // default 10s

	// AcquireTimeout bounds session setup inside the runner
	AcquireTimeout time.Duration // default 15s

	// MaxCallAge is the supervision backstop: any session older than
	// this is force-closed by the health monitor regardless of its own
	// duration cap. Default 1h.
	MaxCallAge time.Duration
}

// SessionFactory builds the per-call session configuration
type SessionFactory func(callID, caller, called string) session.Config

// Slot is one pooled runner and, when assigned, the call it serves
type Slot struct {
	ID        string
	runner    *Runner
	emergency bool

	// guarded by the manager mutex
	callID     string
	sess       *session.Session
	assignedAt time.Time
}

// Manager owns a fixed pool of pre-warmed runners and hands out one slot
// per call. A slot is either free or assigned, never both; the transition
// happens under a single lock so two webhooks for different calls can
// never claim the same slot.
type Manager struct {
	cfg       Config
	transport *transports.MediaTransport
	factory   SessionFactory

	mu     sync.Mutex
	slots  map[string]*Slot
	byCall map[string]*Slot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnSessionClosed fires after a slot is released, with the call and
	// the teardown reason. Ingress uses it to clear dedup state.
	OnSessionClosed func(callID, caller, reason string)
}

// NewManager creates a pool manager. Call Initialize before Acquire.
func NewManager(cfg Config, transport *transports.MediaTransport, factory SessionFactory) *Manager {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.MinReady <= 0 {
		cfg.MinReady = cfg.Size / 2
		if cfg.MinReady < 1 {
			cfg.MinReady = 1
		}
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.WarmupTimeout == 0 {
		cfg.WarmupTimeout = 10 * time.Second
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 15 * time.Second
	}
	if cfg.MaxCallAge == 0 {
		cfg.MaxCallAge = time.Hour
	}

	return &Manager{
		cfg:       cfg,
		transport: transport,
		factory:   factory,
		slots:     make(map[string]*Slot),
		byCall:    make(map[string]*Slot),
		stopCh:    make(chan struct{}),
	}
}

// Initialize warms up the pool. Slots warm concurrently; if fewer than
// MinReady come up, everything is torn down and an error returned.
func (m *Manager) Initialize(ctx context.Context) error {
	type result struct {
		runner *Runner
		err    error
	}

	results := make(chan result, m.cfg.Size)
	for i := 0; i < m.cfg.Size; i++ {
		go func() {
			r := NewRunner()
			if err := r.Ping(m.cfg.WarmupTimeout); err != nil {
				r.Destroy()
				results <- result{err: err}
				return
			}
			results <- result{runner: r}
		}()
	}

	var ready []*Runner
	var lastErr error
	pending := m.cfg.Size
	for pending > 0 {
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			// Runners still warming up must be reaped as they finish or
			// their goroutines leak
			go func(n int) {
				for i := 0; i < n; i++ {
					if res := <-results; res.runner != nil {
						res.runner.Destroy()
					}
				}
			}(pending)
			pending = 0
		case res := <-results:
			pending--
			if res.err != nil {
				lastErr = res.err
				continue
			}
			ready = append(ready, res.runner)
		}
	}

	if len(ready) < m.cfg.MinReady {
		for _, r := range ready {
			r.Destroy()
		}
		return fmt.Errorf("only %d of %d slots warmed up (minimum %d): %w",
			len(ready), m.cfg.Size, m.cfg.MinReady, lastErr)
	}

	m.mu.Lock()
	for _, r := range ready {
		slot := &Slot{ID: uuid.NewString(), runner: r}
		m.slots[slot.ID] = slot
	}
	m.mu.Unlock()

	if len(ready) < m.cfg.Size {
		logger.Warn("[Pool] Started degraded with %d of %d slots", len(ready), m.cfg.Size)
	} else {
		logger.Info("[Pool] %d slots warmed up", len(ready))
	}

	m.wg.Add(1)
	go m.healthLoop()
	return nil
}

// Acquire claims a slot for the call, builds its session and starts it.
// Every busy slot grows the pool by one emergency slot until EmergencyCap
// is reached.
func (m *Manager) Acquire(ctx context.Context, callID, caller, called string) (*session.Session, error) {
	m.mu.Lock()
	if _, exists := m.byCall[callID]; exists {
		m.mu.Unlock()
		return nil, ErrCallActive
	}

	slot := m.freeSlotLocked()
	if slot == nil {
		if !m.canGrowLocked() {
			m.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		slot = &Slot{ID: uuid.NewString(), runner: NewRunner(), emergency: true}
		m.slots[slot.ID] = slot
		logger.Warn("[Pool] All %d slots busy, grew emergency slot %s", m.cfg.Size, slot.ID)
	}

	slot.callID = callID
	slot.assignedAt = time.Now()
	m.byCall[callID] = slot
	m.mu.Unlock()

	sess := session.New(m.factory(callID, caller, called), m.transport)
	sess.OnClosed = func(s *session.Session, reason string) {
		m.release(slot, reason)
		if m.OnSessionClosed != nil {
			m.OnSessionClosed(callID, caller, reason)
		}
	}

	m.mu.Lock()
	slot.sess = sess
	m.mu.Unlock()

	err := slot.runner.Run(ctx, m.cfg.AcquireTimeout, sess.Start)
	if err != nil {
		sess.Close("start-failed")
		return nil, fmt.Errorf("starting session for call %s: %w", callID, err)
	}

	logger.Info("[Pool] Call %s assigned to slot %s", callID, slot.ID)
	return sess, nil
}

// Get returns the active session for a call, if any
func (m *Manager) Get(callID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.byCall[callID]
	if !ok || slot.sess == nil {
		return nil, false
	}
	return slot.sess, true
}

// FindByCaller returns the live session for a caller number, if any
func (m *Manager) FindByCaller(caller string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range m.byCall {
		if slot.sess != nil && slot.sess.Caller() == caller {
			if st := slot.sess.State(); st != session.StateTerminating && st != session.StateClosed {
				return slot.sess, true
			}
		}
	}
	return nil, false
}

// Stats describes the pool at a point in time
type Stats struct {
	TotalSlots     int        `json:"totalSlots"`
	FreeSlots      int        `json:"freeSlots"`
	AssignedSlots  int        `json:"assignedSlots"`
	EmergencySlots int        `json:"emergencySlots"`
	ActiveCalls    []CallInfo `json:"activeCalls"`
}

// CallInfo is one active call in the stats snapshot
type CallInfo struct {
	CallID   string        `json:"callId"`
	Caller   string        `json:"caller"`
	State    string        `json:"state"`
	Duration time.Duration `json:"duration"`
}

// Stats returns a snapshot of pool occupancy and active calls
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{ActiveCalls: []CallInfo{}}
	for _, slot := range m.slots {
		stats.TotalSlots++
		if slot.emergency {
			stats.EmergencySlots++
		}
		if slot.callID == "" {
			stats.FreeSlots++
			continue
		}
		stats.AssignedSlots++
		if slot.sess != nil {
			stats.ActiveCalls = append(stats.ActiveCalls, CallInfo{
				CallID:   slot.callID,
				Caller:   slot.sess.Caller(),
				State:    slot.sess.State().String(),
				Duration: time.Since(slot.assignedAt),
			})
		}
	}
	return stats
}

// Shutdown closes all active sessions and destroys every runner
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	var sessions []*session.Session
	for _, slot := range m.byCall {
		if slot.sess != nil {
			sessions = append(sessions, slot.sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close("shutdown")
	}

	m.mu.Lock()
	for id, slot := range m.slots {
		slot.runner.Destroy()
		delete(m.slots, id)
	}
	m.byCall = make(map[string]*Slot)
	m.mu.Unlock()

	logger.Info("[Pool] Shut down")
}

// release returns a slot to the pool after its session closed. Permanent
// slots are reset for reuse; a runner that fails to reset is replaced.
// Emergency slots are destroyed.
func (m *Manager) release(slot *Slot, reason string) {
	m.mu.Lock()
	delete(m.byCall, slot.callID)
	callID := slot.callID
	slot.callID = ""
	slot.sess = nil
	m.mu.Unlock()

	logger.Info("[Pool] Slot %s released (call %s, %s)", slot.ID, callID, reason)

	if slot.emergency {
		slot.runner.Destroy()
		m.mu.Lock()
		delete(m.slots, slot.ID)
		m.mu.Unlock()
		return
	}

	if err := slot.runner.Reset(m.cfg.PingTimeout); err != nil {
		logger.Warn("[Pool] Slot %s failed to reset, replacing runner: %v", slot.ID, err)
		slot.runner.Destroy()
		m.mu.Lock()
		slot.runner = NewRunner()
		m.mu.Unlock()
	}
}

func (m *Manager) freeSlotLocked() *Slot {
	for _, slot := range m.slots {
		if slot.callID == "" {
			return slot
		}
	}
	return nil
}

func (m *Manager) canGrowLocked() bool {
	if m.cfg.EmergencyCap < 0 {
		return false
	}
	if m.cfg.EmergencyCap == 0 {
		return true
	}
	emergency := 0
	for _, slot := range m.slots {
		if slot.emergency {
			emergency++
		}
	}
	return emergency < m.cfg.EmergencyCap
}

// healthLoop supervises the pool: unresponsive free runners are replaced
// and sessions past the age backstop are force-closed
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	var free []*Slot
	var stale []*session.Session
	for _, slot := range m.slots {
		if slot.callID == "" {
			free = append(free, slot)
			continue
		}
		if slot.sess != nil && time.Since(slot.assignedAt) > m.cfg.MaxCallAge {
			stale = append(stale, slot.sess)
		}
	}
	m.mu.Unlock()

	for _, slot := range free {
		if err := slot.runner.Ping(m.cfg.PingTimeout); err == nil {
			continue
		}

		// The slot may have been assigned while we pinged; a busy runner
		// is slow, not wedged, so only replace it while still free
		m.mu.Lock()
		if slot.callID == "" {
			logger.Warn("[Pool] Slot %s unresponsive, replacing runner", slot.ID)
			slot.runner.Destroy()
			slot.runner = NewRunner()
		}
		m.mu.Unlock()
	}

	for _, sess := range stale {
		logger.Warn("[Pool] Call %s exceeded age backstop, force-closing", sess.CallID())
		sess.Close("age-backstop")
	}
}
