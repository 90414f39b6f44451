package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/kanpelabs/kanpe-core/internal/store"
	"github.com/kanpelabs/kanpe-core/internal/stt"
)

var (
	// ErrSessionActive rejects a second concurrent recording.
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrNoActiveSession rejects pause/resume with nothing running.
	ErrNoActiveSession = errors.New("no active recording session")
	// ErrWrongSession rejects lifecycle calls naming a different session than
	// the active one.
	ErrWrongSession = errors.New("session id does not match the active session")
)

// Bus is the slice of the event surface the manager publishes to.
type Bus interface {
	PublishCaption(evt protocol.CaptionEvent) error
	PublishRecordingState(evt protocol.RecordingStateEvent) error
	PublishConnection(evt protocol.ConnectionEvent) error
	PublishSessionCompleted(evt protocol.SessionCompletedEvent) error
}

// Info describes the active session for status queries.
type Info struct {
	SessionID string                  `json:"session_id"`
	State     protocol.RecordingState `json:"state"`
	StartedAt time.Time               `json:"started_at"`
	Elapsed   time.Duration           `json:"elapsed"`
}

// Manager owns the recording lifecycle. At most one session is active at a
// time; all transitions go through the manager's lock.
type Manager struct {
	cfg       config.Config
	store     *store.Store
	bus       Bus
	provider  stt.Provider
	finalizer *Finalizer
	log       *slog.Logger

	mu         sync.Mutex
	active     *pipeline
	dropTotals map[protocol.Source]int64

	clock func() time.Time
}

func NewManager(cfg config.Config, st *store.Store, bus Bus, provider stt.Provider, finalizer *Finalizer, log *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		provider:   provider,
		finalizer:  finalizer,
		log:        log,
		dropTotals: make(map[protocol.Source]int64),
		clock:      time.Now,
	}
}

// Start begins a new recording session. Fails with ErrSessionActive while one
// is already running.
func (m *Manager) Start(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return Info{}, ErrSessionActive
	}

	settings, err := m.store.Settings(ctx)
	if err != nil {
		return Info{}, err
	}

	id := uuid.NewString()
	now := m.clock()
	if err := m.store.CreateSession(ctx, store.Session{
		ID:        id,
		Title:     "New Session",
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}); err != nil {
		return Info{}, err
	}

	p, err := newPipeline(ctx, m.cfg, settings, id, now, m.provider, m.store, m.bus, m.log)
	if err != nil {
		// Roll the row back so a wedged capture setup does not leave a
		// permanently active session behind.
		if delErr := m.store.DeleteSession(ctx, id); delErr != nil {
			m.log.Warn("failed to roll back session row", slog.String("error", delErr.Error()))
		}
		return Info{}, fmt.Errorf("start capture pipeline: %w", err)
	}
	m.active = p

	m.publishState(protocol.RecordingStateRecording, id)
	m.log.Info("recording started", slog.String("session_id", id))
	return Info{SessionID: id, State: protocol.RecordingStateRecording, StartedAt: now}, nil
}

// Pause gates audio forwarding without touching the STT connections. Pausing
// an already paused session is a no-op.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNoActiveSession
	}
	if m.active.id != id {
		return ErrWrongSession
	}
	if m.active.paused.CompareAndSwap(false, true) {
		m.publishState(protocol.RecordingStatePaused, id)
		m.log.Info("recording paused", slog.String("session_id", id))
	}
	return nil
}

// Resume reopens the audio gate. Resuming a running session is a no-op.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNoActiveSession
	}
	if m.active.id != id {
		return ErrWrongSession
	}
	if m.active.paused.CompareAndSwap(true, false) {
		m.publishState(protocol.RecordingStateRecording, id)
		m.log.Info("recording resumed", slog.String("session_id", id))
	}
	return nil
}

// Stop ends the named session, finalizes its metadata and returns the stored
// row. Stopping an already stopped session returns the row unchanged, so the
// call is idempotent.
func (m *Manager) Stop(ctx context.Context, id string) (store.Session, error) {
	m.mu.Lock()
	p := m.active
	if p != nil && p.id == id {
		m.active = nil
	} else {
		p = nil
	}
	m.mu.Unlock()

	if p == nil {
		// Already stopped, or another caller took the pipeline; report the
		// stored row as-is.
		return m.store.SessionByID(ctx, id)
	}

	p.shutdown(ctx)
	m.mu.Lock()
	for src, capturer := range p.capturers {
		m.dropTotals[src] += capturer.Dropped()
	}
	m.mu.Unlock()
	m.publishState(protocol.RecordingStateStopped, id)

	duration := m.clock().Sub(p.startedAt)
	lines := p.agg.Committed()
	settings, err := m.store.Settings(ctx)
	if err != nil {
		return store.Session{}, err
	}
	title, summary := m.finalizer.TitleSummary(ctx, settings, lines)

	if err := m.store.FinalizeSession(ctx, id, title, summary, int64(duration.Seconds()), p.agg.Participants()); err != nil {
		return store.Session{}, err
	}
	if err := m.bus.PublishSessionCompleted(protocol.SessionCompletedEvent{
		SessionID: id, Title: title, Summary: summary,
	}); err != nil {
		m.log.Warn("failed to publish session completion", slog.String("error", err.Error()))
	}
	m.log.Info("recording stopped",
		slog.String("session_id", id),
		slog.Duration("duration", duration),
		slog.Int("captions", len(lines)))

	return m.store.SessionByID(ctx, id)
}

// Active reports the running session, if any.
func (m *Manager) Active() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Info{}, false
	}
	state := protocol.RecordingStateRecording
	if m.active.paused.Load() {
		state = protocol.RecordingStatePaused
	}
	return Info{
		SessionID: m.active.id,
		State:     state,
		StartedAt: m.active.startedAt,
		Elapsed:   m.clock().Sub(m.active.startedAt),
	}, true
}

// CaptureDrops reports cumulative dropped-frame counts per source across all
// sessions, including the one currently running.
func (m *Manager) CaptureDrops() map[protocol.Source]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[protocol.Source]int64, len(m.dropTotals))
	for src, n := range m.dropTotals {
		out[src] = n
	}
	if m.active != nil {
		for src, capturer := range m.active.capturers {
			out[src] += capturer.Dropped()
		}
	}
	return out
}

// Shutdown stops any active session during daemon teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	p := m.active
	m.mu.Unlock()
	if p == nil {
		return
	}
	if _, err := m.Stop(ctx, p.id); err != nil {
		m.log.Warn("failed to stop session during shutdown", slog.String("error", err.Error()))
	}
}

func (m *Manager) publishState(state protocol.RecordingState, id string) {
	if err := m.bus.PublishRecordingState(protocol.RecordingStateEvent{State: state, SessionID: id}); err != nil {
		m.log.Warn("failed to publish recording state", slog.String("error", err.Error()))
	}
}
