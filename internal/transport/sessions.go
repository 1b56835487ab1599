package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/observability"
	"github.com/askgrid/askd/internal/workflow"
	"github.com/askgrid/askd/model"
)

// evictionInterval is how often the idle sweep runs.
const evictionInterval = time.Minute

// Session binds one workflow driver to an authenticated caller.
type Session struct {
	ID        string
	TenantID  string
	SubjectID string
	Driver    *workflow.Driver
	CreatedAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	submittedAt time.Time
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the last access time.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// MarkSubmitted records the start of a run, for duration metrics.
func (s *Session) MarkSubmitted() {
	s.mu.Lock()
	s.submittedAt = time.Now()
	s.mu.Unlock()
}

// SubmittedAt returns the start time of the most recent run.
func (s *Session) SubmittedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submittedAt
}

// HookFactory builds the persistence hooks for a new session's driver, so
// completions and errors can be recorded against the session's identity.
type HookFactory func(s *Session) workflow.Hooks

// Manager owns the live query sessions. Sessions are created per caller,
// scoped to the caller's tenant, and evicted after an idle timeout.
type Manager struct {
	searcher    workflow.Searcher
	streamer    workflow.Streamer
	hooks       HookFactory
	opts        workflow.Options
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a session manager. hooks may be nil when completed
// queries should not be persisted.
func NewManager(
	searcher workflow.Searcher,
	streamer workflow.Streamer,
	hooks HookFactory,
	opts workflow.Options,
	idleTimeout time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		searcher:    searcher,
		streamer:    streamer,
		hooks:       hooks,
		opts:        opts,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
}

// Start launches the idle-eviction loop. A zero idle timeout disables
// eviction.
func (m *Manager) Start() {
	if m.idleTimeout <= 0 {
		return
	}
	go m.evictLoop()
}

// Close stops the eviction loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Create makes a new session for the caller and returns it.
func (m *Manager) Create(rc *model.RequestContext) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		TenantID:  rc.TenantID,
		SubjectID: rc.SubjectID,
		CreatedAt: time.Now(),
		lastSeen:  time.Now(),
	}

	var hooks workflow.Hooks
	if m.hooks != nil {
		hooks = m.hooks(s)
	}
	s.Driver = workflow.NewDriver(m.searcher, m.streamer, hooks,
		m.logger.With(zap.String("session_id", s.ID)), m.opts)

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveSessions(float64(count))
	}
	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("tenant_id", s.TenantID),
	)
	return s
}

// Get returns the session with the given ID if it belongs to the tenant,
// refreshing its idle timer.
func (m *Manager) Get(tenantID, sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok || s.TenantID != tenantID {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	s.Touch()
	return s, nil
}

// Remove deletes a session, discarding any in-flight run.
func (m *Manager) Remove(tenantID, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		m.mu.Unlock()
		return model.NewSessionNotFoundError(sessionID)
	}
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()

	s.Driver.Reset()
	if m.metrics != nil {
		m.metrics.SetActiveSessions(float64(count))
	}
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) evictLoop() {
	interval := evictionInterval
	if m.idleTimeout < interval {
		interval = m.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle removes sessions whose idle time exceeds the timeout.
func (m *Manager) evictIdle(now time.Time) {
	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) > m.idleTimeout {
			delete(m.sessions, id)
			evicted = append(evicted, s)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, s := range evicted {
		s.Driver.Reset()
		if m.metrics != nil {
			m.metrics.RecordSessionEviction()
		}
		m.logger.Info("session evicted",
			zap.String("session_id", s.ID),
			zap.String("tenant_id", s.TenantID),
		)
	}
	if len(evicted) > 0 && m.metrics != nil {
		m.metrics.SetActiveSessions(float64(count))
	}
}
