package session

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/ranking"
	"github.com/Triviape/triviape-sub002/internal/roster"
	"github.com/Triviape/triviape-sub002/internal/scoring"
)

const (
	timerCountdown = "countdown"
	timerQuestion  = "question"
	timerTick      = "tick"
	timerRetention = "retention"
	timerGrace     = "grace:"

	maxChatLog    = 100
	maxChatLength = 500
)

// End reasons.
const (
	ReasonAllQuestionsAnswered = "all-questions-answered"
	ReasonEmptyRoster          = "empty-roster"
)

// Leave reasons.
const (
	LeaveExplicit     = "left"
	LeaveGraceExpired = "grace-expired"
)

// Scheduler runs fn on the session's own goroutine after d. Scheduling an existing key
// replaces the pending timer.
type Scheduler interface {
	Schedule(key string, d time.Duration, fn func())
	Cancel(key string)
}

// Broadcaster delivers an event to the given players, in call order.
type Broadcaster interface {
	Broadcast(playerIDs []string, e protocol.Event)
}

type GameConfig struct {
	SessionID     string
	Host          domain.Profile
	Settings      domain.Settings
	Clock         clockwork.Clock
	Scheduler     Scheduler
	Broadcaster   Broadcaster
	Publisher     event.Publisher
	TimerInterval time.Duration
}

// Game is the canonical state machine of one session. It is not safe for concurrent use:
// every method must run on the session's goroutine.
type Game struct {
	s        domain.Session
	roster   *roster.Roster
	engine   *scoring.Engine
	rankings []domain.PlayerRanking
	version  uint64
	stats    *domain.GameStatistics

	clock clockwork.Clock
	sched Scheduler
	out   Broadcaster
	pub   event.Publisher
	tick  time.Duration

	questionStart time.Time
	deadline      time.Time
	paused        time.Duration
	ended         bool
}

// NewGame creates a session in the waiting state with the host as its first member.
func NewGame(c GameConfig) (*Game, error) {
	if err := validateSettings(c.Settings); err != nil {
		return nil, err
	}

	now := c.Clock.Now()
	g := &Game{
		s: domain.Session{
			SessionID: c.SessionID,
			HostID:    c.Host.PlayerID,
			State:     domain.SessionWaiting,
			Settings:  c.Settings,
			CreatedAt: now,
		},
		roster: roster.New(c.Settings.MaxPlayers),
		engine: scoring.NewEngine(c.Settings.Scoring),
		clock:  c.Clock,
		sched:  c.Scheduler,
		out:    c.Broadcaster,
		pub:    c.Publisher,
		tick:   c.TimerInterval,
	}

	if _, err := g.roster.Join(c.Host, now); err != nil {
		return nil, err
	}
	g.rerank()

	return g, nil
}

func validateSettings(s domain.Settings) error {
	invalid := func(format string, args ...any) error {
		return errors.Rejected(errors.CodeInvalidArgument, errors.ReasonInvalidPayload, format, args...)
	}

	switch {
	case s.MaxPlayers < 1:
		return invalid("max players must be positive, got %d", s.MaxPlayers)
	case s.MinPlayers < 1 || s.MinPlayers > s.MaxPlayers:
		return invalid("min players must be in [1, %d], got %d", s.MaxPlayers, s.MinPlayers)
	case s.QuestionCount < 1:
		return invalid("question count must be positive, got %d", s.QuestionCount)
	case s.TimePerQuestion <= 0:
		return invalid("time per question must be positive, got %s", s.TimePerQuestion)
	case s.Countdown < 0, s.GracePeriod < 0:
		return invalid("countdown and grace period must not be negative")
	}

	switch s.Difficulty {
	case domain.DifficultyAny, domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard:
	default:
		return invalid("unknown difficulty %q", s.Difficulty)
	}

	return nil
}

func (g *Game) ID() string { return g.s.SessionID }

func (g *Game) State() domain.SessionState { return g.s.State }

func (g *Game) Settings() domain.Settings { return g.s.Settings }

// Ended reports whether the terminal broadcast has been emitted.
func (g *Game) Ended() bool { return g.ended }

func (g *Game) Member(playerID string) bool { return g.roster.Has(playerID) }

// Join adds a player to the lobby. A player already on the roster is treated as reconnecting.
func (g *Game) Join(p domain.Profile) (protocol.Snapshot, error) {
	if g.roster.Has(p.PlayerID) {
		if g.s.State.Terminal() {
			return g.Snapshot(), nil
		}
		return g.reconnect(p.PlayerID), nil
	}

	if g.s.State != domain.SessionWaiting {
		return protocol.Snapshot{}, errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonSessionNotJoinable,
			"session %s is %s", g.s.SessionID, g.s.State)
	}

	pl, err := g.roster.Join(p, g.clock.Now())
	if err != nil {
		return protocol.Snapshot{}, err
	}
	g.rerank()

	g.broadcastExcept(pl.PlayerID, protocol.PlayerJoined{SessionID: g.s.SessionID, Player: g.player(pl.PlayerID)})

	return g.Snapshot(), nil
}

func (g *Game) reconnect(playerID string) protocol.Snapshot {
	if p, _ := g.roster.Get(playerID); p.Status != domain.PlayerDisconnected {
		return g.Snapshot()
	}

	g.sched.Cancel(timerGrace + playerID)
	if _, err := g.roster.Reconnect(playerID, g.clock.Now()); err == nil {
		g.broadcastExcept(playerID, protocol.PlayerReconnected{SessionID: g.s.SessionID, Player: g.player(playerID)})
	}

	return g.Snapshot()
}

// Leave removes a player immediately. Leaving a finished session is a no-op.
func (g *Game) Leave(playerID string) error {
	if g.s.State.Terminal() {
		return nil
	}

	if !g.roster.Has(playerID) {
		return notInSession(playerID)
	}

	g.sched.Cancel(timerGrace + playerID)
	g.remove(playerID, LeaveExplicit)

	return nil
}

func (g *Game) remove(playerID, reason string) {
	_, newHost, err := g.roster.Leave(playerID)
	if err != nil {
		return
	}
	if newHost != "" {
		g.s.HostID = newHost
	}

	g.broadcast(protocol.PlayerLeft{SessionID: g.s.SessionID, PlayerID: playerID, Reason: reason, NewHostID: newHost})

	if g.roster.Len() == 0 {
		g.finish(domain.SessionCancelled, ReasonEmptyRoster)
		return
	}

	g.rerank()
	if newHost != "" {
		g.broadcast(protocol.PlayerUpdated{SessionID: g.s.SessionID, Player: g.player(newHost)})
	}

	if g.s.State == domain.SessionActive || g.s.State == domain.SessionPaused {
		g.publishRankings()
	}

	g.completeIfAllAnswered()
}

// Disconnect holds the player's seat for the grace period.
func (g *Game) Disconnect(playerID string) error {
	if g.s.State.Terminal() {
		return nil
	}

	p, ok := g.roster.Get(playerID)
	if !ok {
		return notInSession(playerID)
	}
	if p.Status == domain.PlayerDisconnected {
		return nil
	}

	if _, err := g.roster.MarkDisconnected(playerID, g.clock.Now()); err != nil {
		return err
	}

	grace := g.s.Settings.GracePeriod
	g.broadcast(protocol.PlayerDisconnected{SessionID: g.s.SessionID, PlayerID: playerID, GracePeriodMs: grace.Milliseconds()})
	g.sched.Schedule(timerGrace+playerID, grace, func() { g.graceExpired(playerID) })

	g.completeIfAllAnswered()

	return nil
}

func (g *Game) graceExpired(playerID string) {
	if g.s.State.Terminal() {
		return
	}

	if p, ok := g.roster.Get(playerID); !ok || p.Status != domain.PlayerDisconnected {
		return
	}

	g.remove(playerID, LeaveGraceExpired)
}

func (g *Game) SetReady(playerID string, ready bool) error {
	if g.s.State != domain.SessionWaiting {
		return invalidState(g.s.State)
	}

	if _, err := g.roster.SetReady(playerID, ready); err != nil {
		return err
	}

	g.broadcast(protocol.PlayerUpdated{SessionID: g.s.SessionID, Player: g.player(playerID)})

	return nil
}

// CanStart checks the waiting to starting guards without changing anything.
func (g *Game) CanStart(playerID string, force bool) error {
	if g.s.State != domain.SessionWaiting {
		return invalidState(g.s.State)
	}

	if err := g.requireHost(playerID); err != nil {
		return err
	}

	if n := g.roster.Connected(); n < g.s.Settings.MinPlayers {
		return errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonNotEnoughPlayers,
			"need at least %d players, have %d", g.s.Settings.MinPlayers, n)
	}

	if !force && !g.roster.AllReady() {
		return errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonPlayersNotReady,
			"not every player is ready")
	}

	return nil
}

// Start fixes the question sequence and begins the countdown.
func (g *Game) Start(playerID string, force bool, questions []domain.Question) error {
	if err := g.CanStart(playerID, force); err != nil {
		return err
	}

	if len(questions) == 0 {
		return errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonInvalidState, "no questions available")
	}
	if len(questions) > g.s.Settings.QuestionCount {
		questions = questions[:g.s.Settings.QuestionCount]
	}

	g.s.Questions = slices.Clone(questions)
	g.s.State = domain.SessionStarting

	countdown := g.s.Settings.Countdown
	g.deadline = g.clock.Now().Add(countdown)

	g.broadcast(protocol.GameStarting{
		SessionID:      g.s.SessionID,
		CountdownMs:    countdown.Milliseconds(),
		TotalQuestions: len(g.s.Questions),
	})
	g.sched.Schedule(timerCountdown, countdown, g.begin)

	return nil
}

func (g *Game) begin() {
	if g.s.State != domain.SessionStarting {
		return
	}

	g.s.State = domain.SessionActive
	g.s.StartedAt = g.clock.Now()
	g.roster.SetStatus(domain.PlayerPlaying)

	g.broadcast(protocol.GameStarted{
		SessionID:      g.s.SessionID,
		StartedAt:      g.s.StartedAt,
		TotalQuestions: len(g.s.Questions),
	})

	g.ask(0)
}

func (g *Game) ask(i int) {
	g.s.CurrentIndex = i
	q := g.s.Questions[i]
	limit := g.limit(q)

	g.questionStart = g.clock.Now()
	g.deadline = g.questionStart.Add(limit)

	g.broadcast(protocol.QuestionChanged{
		SessionID:   g.s.SessionID,
		Index:       i,
		Total:       len(g.s.Questions),
		Question:    protocol.QuestionFrom(q, limit, g.points(q)),
		TimeLimitMs: limit.Milliseconds(),
	})

	g.arm(limit)
}

func (g *Game) arm(remaining time.Duration) {
	idx := g.s.CurrentIndex
	g.sched.Schedule(timerQuestion, remaining, func() { g.timeout(idx) })
	g.scheduleTick()
}

func (g *Game) scheduleTick() {
	if g.tick > 0 {
		g.sched.Schedule(timerTick, g.tick, g.onTick)
	}
}

func (g *Game) onTick() {
	if g.s.State != domain.SessionActive {
		return
	}

	rem := g.remaining()
	g.broadcast(protocol.TimerUpdate{
		SessionID:   g.s.SessionID,
		QuestionID:  g.s.Questions[g.s.CurrentIndex].QuestionID,
		RemainingMs: rem.Milliseconds(),
	})

	if rem > 0 {
		g.scheduleTick()
	}
}

func (g *Game) timeout(idx int) {
	if g.s.State != domain.SessionActive || idx != g.s.CurrentIndex {
		return
	}

	g.completeQuestion(protocol.CompletedTimeout)
}

// Submit records an answer to the current question. Time spent is measured by the server.
// A first answer to a question that has already been completed is recorded as late.
func (g *Game) Submit(playerID, questionID, answer string) (domain.AnswerSubmission, error) {
	if _, ok := g.roster.Get(playerID); !ok {
		return domain.AnswerSubmission{}, notInSession(playerID)
	}

	// checked before the state so that a repeat is rejected the same way at any time
	if g.engine.Answered(questionID, playerID) {
		return domain.AnswerSubmission{}, errors.Rejected(errors.CodeAlreadyExists, errors.ReasonDuplicateSubmission,
			"answer is already submitted: player=%s question=%s", playerID, questionID)
	}

	if g.s.State == domain.SessionActive || g.s.State == domain.SessionPaused {
		if i := slices.IndexFunc(g.s.Questions[:g.s.CurrentIndex], func(q domain.Question) bool {
			return q.QuestionID == questionID
		}); i >= 0 {
			return g.submitLate(playerID, g.s.Questions[i], answer)
		}
	}

	if g.s.State != domain.SessionActive {
		return domain.AnswerSubmission{}, invalidState(g.s.State)
	}

	q := g.s.Questions[g.s.CurrentIndex]
	now := g.clock.Now()

	sub, err := g.engine.Evaluate(q, g.limit(q), domain.AnswerSubmission{
		PlayerID:    playerID,
		QuestionID:  questionID,
		Answer:      answer,
		TimeSpent:   now.Sub(g.questionStart),
		SubmittedAt: now,
	})
	if err != nil {
		return domain.AnswerSubmission{}, err
	}

	p, _ := g.roster.Update(playerID, func(p *domain.Player) {
		p.Score += sub.PointsAwarded
		p.TotalAnswers++
		if sub.IsCorrect {
			p.CorrectAnswers++
		}
		p.ResponseTime += sub.TimeSpent
		p.Streak = scoring.NextStreak(p.Streak, sub.IsCorrect)
		p.LastActivity = now
	})

	g.broadcast(protocol.AnswerSubmitted{
		SessionID:  g.s.SessionID,
		PlayerID:   playerID,
		QuestionID: q.QuestionID,
		Answered:   g.engine.AnsweredCount(q.QuestionID),
		Expected:   g.roster.Connected(),
	})
	g.broadcast(protocol.ScoreUpdated{
		SessionID:      g.s.SessionID,
		PlayerID:       playerID,
		QuestionID:     q.QuestionID,
		PointsAwarded:  sub.PointsAwarded,
		Score:          p.Score,
		Streak:         p.Streak,
		CorrectAnswers: p.CorrectAnswers,
		TotalAnswers:   p.TotalAnswers,
	})

	g.rerank()
	g.publishRankings()
	g.completeIfAllAnswered()

	return sub, nil
}

// submitLate records an answer to a completed question. It counts as answered and breaks the
// streak, but it has no effect on the question in progress.
func (g *Game) submitLate(playerID string, q domain.Question, answer string) (domain.AnswerSubmission, error) {
	now := g.clock.Now()

	sub, err := g.engine.RecordLate(q, domain.AnswerSubmission{
		PlayerID:    playerID,
		QuestionID:  q.QuestionID,
		Answer:      answer,
		TimeSpent:   g.limit(q),
		SubmittedAt: now,
	})
	if err != nil {
		return domain.AnswerSubmission{}, err
	}

	p, _ := g.roster.Update(playerID, func(p *domain.Player) {
		p.TotalAnswers++
		p.ResponseTime += sub.TimeSpent
		p.Streak = scoring.NextStreak(p.Streak, false)
		p.LastActivity = now
	})

	g.broadcast(protocol.ScoreUpdated{
		SessionID:      g.s.SessionID,
		PlayerID:       playerID,
		QuestionID:     q.QuestionID,
		Score:          p.Score,
		Streak:         p.Streak,
		CorrectAnswers: p.CorrectAnswers,
		TotalAnswers:   p.TotalAnswers,
	})

	g.rerank()
	g.publishRankings()

	return sub, nil
}

// completeIfAllAnswered ends the current question once every connected player has answered.
func (g *Game) completeIfAllAnswered() {
	if g.s.State != domain.SessionActive {
		return
	}

	q := g.s.Questions[g.s.CurrentIndex]
	connected := 0
	for _, p := range g.roster.Players() {
		if p.Status == domain.PlayerDisconnected {
			continue
		}
		connected++
		if !g.engine.Answered(q.QuestionID, p.PlayerID) {
			return
		}
	}

	if connected > 0 {
		g.completeQuestion(protocol.CompletedAllAnswered)
	}
}

func (g *Game) completeQuestion(reason string) {
	g.sched.Cancel(timerQuestion)
	g.sched.Cancel(timerTick)

	q := g.s.Questions[g.s.CurrentIndex]

	var (
		results    []protocol.AnswerResult
		streakLost bool
	)
	for _, p := range g.roster.Players() {
		if sub, ok := g.engine.Submission(q.QuestionID, p.PlayerID); ok {
			results = append(results, protocol.AnswerResult{
				PlayerID:      p.PlayerID,
				Answer:        sub.Answer,
				IsCorrect:     sub.IsCorrect,
				PointsAwarded: sub.PointsAwarded,
				Late:          sub.Late,
				TimeSpentMs:   sub.TimeSpent.Milliseconds(),
			})
			continue
		}

		// a skipped question breaks the streak
		if p.Streak > 0 {
			_, _ = g.roster.Update(p.PlayerID, func(p *domain.Player) { p.Streak = 0 })
			streakLost = true
		}
	}

	g.broadcast(protocol.AnswerRevealed{
		SessionID:     g.s.SessionID,
		QuestionID:    q.QuestionID,
		CorrectAnswer: q.CorrectAnswer,
		Results:       results,
	})
	g.broadcast(protocol.QuestionCompleted{
		SessionID:  g.s.SessionID,
		QuestionID: q.QuestionID,
		Index:      g.s.CurrentIndex,
		Reason:     reason,
	})

	if streakLost {
		g.rerank()
		g.publishRankings()
	}

	if next := g.s.CurrentIndex + 1; next < len(g.s.Questions) {
		g.ask(next)
		return
	}

	g.finish(domain.SessionCompleted, ReasonAllQuestionsAnswered)
}

// Pause freezes the question clock.
func (g *Game) Pause(playerID string) error {
	if err := g.requireHost(playerID); err != nil {
		return err
	}
	if g.s.State != domain.SessionActive {
		return invalidState(g.s.State)
	}

	g.paused = g.remaining()
	g.sched.Cancel(timerQuestion)
	g.sched.Cancel(timerTick)
	g.s.State = domain.SessionPaused

	g.broadcast(protocol.GamePaused{SessionID: g.s.SessionID, RemainingMs: g.paused.Milliseconds()})

	return nil
}

// Resume restarts the question clock with the time that was left when pausing.
func (g *Game) Resume(playerID string) error {
	if err := g.requireHost(playerID); err != nil {
		return err
	}
	if g.s.State != domain.SessionPaused {
		return invalidState(g.s.State)
	}

	q := g.s.Questions[g.s.CurrentIndex]
	now := g.clock.Now()
	g.deadline = now.Add(g.paused)
	g.questionStart = g.deadline.Add(-g.limit(q))
	g.s.State = domain.SessionActive

	g.broadcast(protocol.GameResumed{SessionID: g.s.SessionID, RemainingMs: g.paused.Milliseconds()})
	g.arm(g.paused)
	g.paused = 0

	g.completeIfAllAnswered()

	return nil
}

func (g *Game) Chat(playerID, text string) error {
	if g.s.State.Terminal() {
		return invalidState(g.s.State)
	}

	p, ok := g.roster.Get(playerID)
	if !ok {
		return notInSession(playerID)
	}

	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > maxChatLength {
		return errors.Rejected(errors.CodeInvalidArgument, errors.ReasonInvalidPayload,
			"chat message must be 1 to %d characters", maxChatLength)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return errors.Internal(err)
	}

	msg := domain.ChatMessage{
		MessageID: id.String(),
		PlayerID:  playerID,
		Name:      p.Name,
		Text:      text,
		SentAt:    g.clock.Now(),
	}

	g.s.Chat = append(g.s.Chat, msg)
	if n := len(g.s.Chat); n > maxChatLog {
		g.s.Chat = slices.Clone(g.s.Chat[n-maxChatLog:])
	}

	g.broadcast(g.chatEvent(msg))

	return nil
}

func (g *Game) finish(state domain.SessionState, reason string) {
	if g.ended {
		return
	}
	g.ended = true

	asked := 0
	if g.s.State == domain.SessionActive || g.s.State == domain.SessionPaused {
		asked = g.s.CurrentIndex + 1
	}

	g.sched.Cancel(timerCountdown)
	g.sched.Cancel(timerQuestion)
	g.sched.Cancel(timerTick)
	for _, id := range g.roster.IDs() {
		g.sched.Cancel(timerGrace + id)
	}

	now := g.clock.Now()
	g.s.State = state
	g.s.CompletedAt = now
	g.s.EndReason = reason

	if state == domain.SessionCompleted {
		g.roster.SetStatus(domain.PlayerFinished)
	}
	g.rerank()

	ended := protocol.GameEnded{
		SessionID: g.s.SessionID,
		State:     string(state),
		Reason:    reason,
		Rankings:  protocol.RankingsFrom(g.rankings),
	}

	if state == domain.SessionCompleted {
		var d time.Duration
		if !g.s.StartedAt.IsZero() {
			d = now.Sub(g.s.StartedAt)
		}
		st := ranking.Statistics(g.s.SessionID, g.roster.Players(), g.s.Questions, asked, g.engine.Submissions(), d)
		g.stats = &st
		ended.Statistics = protocol.StatisticsFrom(st)
	}

	g.broadcast(ended)
	g.publish(domain.EventSessionEnded{Result: g.Result()})
}

// Result is the archival payload of the session.
func (g *Game) Result() domain.Result {
	s := g.s
	s.Questions = slices.Clone(g.s.Questions)
	s.Chat = slices.Clone(g.s.Chat)

	r := domain.Result{
		Session:  s,
		Rankings: slices.Clone(g.rankings),
	}
	if g.stats != nil {
		r.Statistics = *g.stats
	}

	return r
}

// Snapshot is the full state a member needs to rebuild its projection.
func (g *Game) Snapshot() protocol.Snapshot {
	snap := protocol.Snapshot{
		SessionID:      g.s.SessionID,
		HostID:         g.s.HostID,
		State:          string(g.s.State),
		Settings:       protocol.SettingsFrom(g.s.Settings),
		Rankings:       protocol.RankingsFrom(g.rankings),
		CurrentIndex:   g.s.CurrentIndex,
		TotalQuestions: len(g.s.Questions),
		RemainingMs:    g.remaining().Milliseconds(),
		Chat:           make([]protocol.ChatMessage, 0, len(g.s.Chat)),
		CreatedAt:      g.s.CreatedAt,
		EndReason:      g.s.EndReason,
	}

	for _, p := range g.roster.Players() {
		snap.Players = append(snap.Players, protocol.PlayerFrom(p))
	}
	for _, m := range g.s.Chat {
		snap.Chat = append(snap.Chat, g.chatEvent(m))
	}

	if g.s.State == domain.SessionActive || g.s.State == domain.SessionPaused {
		q := g.s.Questions[g.s.CurrentIndex]
		pq := protocol.QuestionFrom(q, g.limit(q), g.points(q))
		snap.Question = &pq
	}
	if !g.s.StartedAt.IsZero() {
		t := g.s.StartedAt
		snap.StartedAt = &t
	}
	if !g.s.CompletedAt.IsZero() {
		t := g.s.CompletedAt
		snap.CompletedAt = &t
	}
	if g.stats != nil {
		snap.Statistics = protocol.StatisticsFrom(*g.stats)
	}

	return snap
}

func (g *Game) Summary() protocol.SessionSummary {
	host, _ := g.roster.Get(g.s.HostID)
	return protocol.SessionSummary{
		SessionID:     g.s.SessionID,
		HostID:        g.s.HostID,
		HostName:      host.Name,
		State:         string(g.s.State),
		Players:       g.roster.Len(),
		MaxPlayers:    g.s.Settings.MaxPlayers,
		QuestionCount: g.s.Settings.QuestionCount,
		Difficulty:    string(g.s.Settings.Difficulty),
		Category:      g.s.Settings.Category,
		CreatedAt:     g.s.CreatedAt,
	}
}

func (g *Game) remaining() time.Duration {
	switch g.s.State {
	case domain.SessionStarting, domain.SessionActive:
		return max(0, g.deadline.Sub(g.clock.Now()))
	case domain.SessionPaused:
		return g.paused
	default:
		return 0
	}
}

func (g *Game) limit(q domain.Question) time.Duration {
	if q.TimeLimit > 0 {
		return q.TimeLimit
	}
	return g.s.Settings.TimePerQuestion
}

func (g *Game) points(q domain.Question) int {
	if q.Points > 0 {
		return q.Points
	}
	return g.engine.Settings().BasePoints
}

func (g *Game) requireHost(playerID string) error {
	p, ok := g.roster.Get(playerID)
	if !ok {
		return notInSession(playerID)
	}
	if !p.IsHost {
		return errors.Rejected(errors.CodePermissionDenied, errors.ReasonNotHost, "only the host can do this")
	}
	return nil
}

func (g *Game) rerank() {
	g.rankings = ranking.Recompute(g.roster.Players())
	for _, r := range g.rankings {
		_, _ = g.roster.Update(r.PlayerID, func(p *domain.Player) { p.Rank = r.Position })
	}
}

func (g *Game) publishRankings() {
	g.broadcast(protocol.RankingsUpdated{SessionID: g.s.SessionID, Rankings: protocol.RankingsFrom(g.rankings)})
	g.version++
	g.publish(domain.EventRankingsUpdated{SessionID: g.s.SessionID, Version: g.version, Rankings: slices.Clone(g.rankings)})
}

func (g *Game) player(playerID string) protocol.Player {
	p, _ := g.roster.Get(playerID)
	return protocol.PlayerFrom(p)
}

func (g *Game) chatEvent(m domain.ChatMessage) protocol.ChatMessage {
	return protocol.ChatMessage{
		SessionID: g.s.SessionID,
		MessageID: m.MessageID,
		PlayerID:  m.PlayerID,
		Name:      m.Name,
		Text:      m.Text,
		SentAt:    m.SentAt,
	}
}

func (g *Game) broadcast(e protocol.Event) {
	g.out.Broadcast(g.roster.IDs(), e)
}

func (g *Game) broadcastExcept(playerID string, e protocol.Event) {
	ids := slices.DeleteFunc(g.roster.IDs(), func(id string) bool { return id == playerID })
	g.out.Broadcast(ids, e)
}

func (g *Game) publish(e event.Event) {
	if g.pub != nil {
		g.pub.Publish(context.Background(), e)
	}
}

func invalidState(s domain.SessionState) error {
	return errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonInvalidState, "session is %s", s)
}

func notInSession(playerID string) error {
	return errors.Rejected(errors.CodeNotFound, errors.ReasonNotInSession, "player %s is not in the session", playerID)
}
