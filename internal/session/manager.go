package session

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Triviape/triviape-sub002/internal/content"
	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/telemetry"
)

const (
	defaultTimerInterval = time.Second
	defaultRetention     = 10 * time.Minute
)

type Config struct {
	Clock       clockwork.Clock
	Broadcaster Broadcaster
	EventBus    event.Publisher
	Content     content.Source
	// Defaults fill every setting a creator leaves unset.
	Defaults      domain.Settings
	TimerInterval time.Duration
	Retention     time.Duration
}

// Manager is the session coordinator: it routes commands to the room owning each session.
// Commands for one session run serially; different sessions run concurrently.
type Manager struct {
	clock     clockwork.Clock
	out       Broadcaster
	eb        event.Publisher
	content   content.Source
	defaults  domain.Settings
	tick      time.Duration
	retention time.Duration

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewManager(c Config) *Manager {
	m := &Manager{
		clock:     c.Clock,
		out:       c.Broadcaster,
		eb:        c.EventBus,
		content:   c.Content,
		defaults:  c.Defaults,
		tick:      c.TimerInterval,
		retention: c.Retention,
		rooms:     make(map[string]*room),
	}

	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.tick == 0 {
		m.tick = defaultTimerInterval
	}
	if m.retention <= 0 {
		m.retention = defaultRetention
	}

	return m
}

type CreateRequest struct {
	Host     domain.Profile
	Settings protocol.Settings
}

// Create opens a new session in the lobby with the creator as host.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*protocol.Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(err)
	}

	r := newRoom(id.String(), m.clock, m.retention, m.drop)

	g, err := NewGame(GameConfig{
		SessionID:     r.id,
		Host:          req.Host,
		Settings:      req.Settings.Merge(m.defaults),
		Clock:         m.clock,
		Scheduler:     r,
		Broadcaster:   m.out,
		Publisher:     m.eb,
		TimerInterval: m.tick,
	})
	if err != nil {
		return nil, err
	}

	r.game = g
	snap := g.Snapshot()
	s := g.Summary()
	r.summary.Store(&s)

	m.mu.Lock()
	m.rooms[r.id] = r
	m.mu.Unlock()

	go r.run()
	telemetry.SessionsLive.Inc()

	slog.InfoContext(ctx, "session: created", "session", r.id, "host", req.Host.PlayerID)

	return &snap, nil
}

type JoinRequest struct {
	SessionID string
	Player    domain.Profile
}

// Join admits a new player, or reconnects a player that is already on the roster. Either way
// the caller receives the full snapshot.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*protocol.Snapshot, error) {
	var snap protocol.Snapshot
	err := m.with(ctx, req.SessionID, func(g *Game) (err error) {
		snap, err = g.Join(req.Player)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

func (m *Manager) Leave(ctx context.Context, sessionID, playerID string) error {
	return m.with(ctx, sessionID, func(g *Game) error {
		return g.Leave(playerID)
	})
}

// Disconnect starts the grace period of a player whose connection dropped.
func (m *Manager) Disconnect(ctx context.Context, sessionID, playerID string) error {
	return m.with(ctx, sessionID, func(g *Game) error {
		return g.Disconnect(playerID)
	})
}

type SetReadyRequest struct {
	SessionID string
	PlayerID  string
	Ready     bool
}

func (m *Manager) SetReady(ctx context.Context, req SetReadyRequest) error {
	return m.with(ctx, req.SessionID, func(g *Game) error {
		return g.SetReady(req.PlayerID, req.Ready)
	})
}

type StartRequest struct {
	SessionID string
	PlayerID  string
	Force     bool
}

// Start loads the question sequence from the content source and starts the countdown.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	return m.with(ctx, req.SessionID, func(g *Game) error {
		if err := g.CanStart(req.PlayerID, req.Force); err != nil {
			return err
		}

		s := g.Settings()
		qs, err := m.content.Questions(ctx, content.Query{
			Count:      s.QuestionCount,
			Category:   s.Category,
			Difficulty: s.Difficulty,
		})
		if err != nil {
			return errors.New(errors.CodeUnavailable,
				errors.WithCause(err),
				errors.WithMessagef("load questions for session %s", req.SessionID),
			)
		}

		return g.Start(req.PlayerID, req.Force, qs)
	})
}

type SubmitRequest struct {
	SessionID  string
	PlayerID   string
	QuestionID string
	Answer     string
}

func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*domain.AnswerSubmission, error) {
	var sub domain.AnswerSubmission
	err := m.with(ctx, req.SessionID, func(g *Game) (err error) {
		sub, err = g.Submit(req.PlayerID, req.QuestionID, req.Answer)
		return err
	})
	if err != nil {
		return nil, err
	}

	telemetry.AnswersEvaluated.WithLabelValues(strconv.FormatBool(sub.IsCorrect)).Inc()

	return &sub, nil
}

type ChatRequest struct {
	SessionID string
	PlayerID  string
	Text      string
}

func (m *Manager) Chat(ctx context.Context, req ChatRequest) error {
	return m.with(ctx, req.SessionID, func(g *Game) error {
		return g.Chat(req.PlayerID, req.Text)
	})
}

func (m *Manager) Pause(ctx context.Context, sessionID, playerID string) error {
	return m.with(ctx, sessionID, func(g *Game) error {
		return g.Pause(playerID)
	})
}

func (m *Manager) Resume(ctx context.Context, sessionID, playerID string) error {
	return m.with(ctx, sessionID, func(g *Game) error {
		return g.Resume(playerID)
	})
}

type SnapshotRequest struct {
	SessionID string
	// PlayerID restricts the snapshot to members when set.
	PlayerID string
}

func (m *Manager) Snapshot(ctx context.Context, req SnapshotRequest) (*protocol.Snapshot, error) {
	var snap protocol.Snapshot
	err := m.with(ctx, req.SessionID, func(g *Game) error {
		if req.PlayerID != "" && !g.Member(req.PlayerID) {
			return notInSession(req.PlayerID)
		}
		snap = g.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

type ListRequest struct {
	// All includes sessions that can no longer be joined.
	All bool
}

// List returns sessions ordered by creation time, newest first.
func (m *Manager) List(_ context.Context, req ListRequest) []protocol.SessionSummary {
	m.mu.RLock()
	out := make([]protocol.SessionSummary, 0, len(m.rooms))
	for _, r := range m.rooms {
		s := r.summary.Load()
		if s == nil || (!req.All && !s.Joinable()) {
			continue
		}
		out = append(out, *s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b protocol.SessionSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})

	return out
}

// Stop shuts every room down.
func (m *Manager) Stop() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.stop()
		<-r.done
		telemetry.SessionsLive.Dec()
	}
}

func (m *Manager) with(ctx context.Context, sessionID string, fn func(g *Game) error) error {
	m.mu.RLock()
	r, ok := m.rooms[sessionID]
	m.mu.RUnlock()

	if !ok {
		return sessionNotFound(sessionID)
	}

	return r.do(ctx, fn)
}

// drop forgets a terminal session once its retention window is over.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	r.stop()
	telemetry.SessionsLive.Dec()
	slog.Info("session: dropped after retention", "session", id)
}

func sessionNotFound(id string) error {
	return errors.Rejected(errors.CodeNotFound, errors.ReasonSessionNotFound, "session not found: %s", id)
}
