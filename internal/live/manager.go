package live

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// Manager is the registry of live session controllers. Sessions stay
// resident after ending so the report can still be generated; reconnects
// resolve to the existing controller, never a duplicate.
type Manager struct {
	client        Client
	store         Store
	hub           Publisher
	frameInterval time.Duration
	log           *zap.Logger
	collector     *metrics.Collector

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Controller
}

func NewManager(client Client, store Store, hub Publisher, frameInterval time.Duration, log *zap.Logger, collector *metrics.Collector) *Manager {
	return &Manager{
		client:        client,
		store:         store,
		hub:           hub,
		frameInterval: frameInterval,
		log:           log,
		collector:     collector,
		sessions:      make(map[uuid.UUID]*Controller),
	}
}

// StartSession creates and registers a new active session. A session cannot
// start without a patient identity.
func (m *Manager) StartSession(patientID uuid.UUID) (*Controller, error) {
	if patientID == uuid.Nil {
		return nil, ErrMissingPatient
	}

	c := newController(patientID, m.client, m.store, m.hub, m.frameInterval, m.log, m.collector)

	m.mu.Lock()
	m.sessions[c.ID()] = c
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.LiveSessionsActive.Inc()
	}
	m.log.Info("live session started",
		zap.String("session_id", c.ID().String()),
		zap.String("patient_id", patientID.String()),
	)
	return c, nil
}

// Resume returns the controller for an existing session id. Reconnecting
// resolves to the same session; no new session is created.
func (m *Manager) Resume(sessionID uuid.UUID) (*Controller, error) {
	m.mu.RLock()
	c, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// EndSession closes a session. Ending an already-ended session returns the
// same closed snapshot without side effects.
func (m *Manager) EndSession(sessionID uuid.UUID) (Session, error) {
	c, err := m.Resume(sessionID)
	if err != nil {
		return Session{}, err
	}

	snap, closed := c.End()
	if closed {
		if m.collector != nil {
			m.collector.LiveSessionsActive.Dec()
		}
		m.log.Info("live session ended",
			zap.String("session_id", sessionID.String()),
			zap.Int("messages", len(snap.Messages)),
			zap.Int("vision_results", len(snap.VisionResults)),
		)
	}
	return snap, nil
}

// Remove drops an ended session from the registry.
func (m *Manager) Remove(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// RunReaper ends sessions that have been active longer than maxAge and drops
// ended sessions from the registry once past the same age. Runs until ctx is
// cancelled.
func (m *Manager) RunReaper(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(maxAge)
		}
	}
}

func (m *Manager) reap(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	stale := make([]*Controller, 0)
	for _, c := range m.sessions {
		if c.Snapshot().StartTime.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		id := c.ID()
		if c.State() == StateActive {
			m.log.Warn("ending stale live session", zap.String("session_id", id.String()))
			if _, err := m.EndSession(id); err != nil {
				continue
			}
		} else {
			m.Remove(id)
		}
	}
}
