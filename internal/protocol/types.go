package protocol

import (
	"time"

	"github.com/Triviape/triviape-sub002/internal/domain"
)

// Durations travel as integer milliseconds.

type Settings struct {
	MaxPlayers         int     `json:"maxPlayers,omitempty"`
	MinPlayers         int     `json:"minPlayers,omitempty"`
	QuestionCount      int     `json:"questionCount,omitempty"`
	TimePerQuestionMs  int64   `json:"timePerQuestionMs,omitempty"`
	Difficulty         string  `json:"difficulty,omitempty"`
	Category           string  `json:"category,omitempty"`
	CountdownMs        int64   `json:"countdownMs,omitempty"`
	GracePeriodMs      int64   `json:"gracePeriodMs,omitempty"`
	BasePoints         int     `json:"basePoints,omitempty"`
	BonusForSpeed      *bool   `json:"bonusForSpeed,omitempty"`
	MaxSpeedMultiplier float64 `json:"maxSpeedMultiplier,omitempty"`
}

// Merge overlays the non-zero fields of s onto base.
func (s Settings) Merge(base domain.Settings) domain.Settings {
	out := base
	if s.MaxPlayers > 0 {
		out.MaxPlayers = s.MaxPlayers
	}
	if s.MinPlayers > 0 {
		out.MinPlayers = s.MinPlayers
	}
	if s.QuestionCount > 0 {
		out.QuestionCount = s.QuestionCount
	}
	if s.TimePerQuestionMs > 0 {
		out.TimePerQuestion = Millis(s.TimePerQuestionMs)
	}
	if s.Difficulty != "" {
		out.Difficulty = domain.Difficulty(s.Difficulty)
	}
	if s.Category != "" {
		out.Category = s.Category
	}
	if s.CountdownMs > 0 {
		out.Countdown = Millis(s.CountdownMs)
	}
	if s.GracePeriodMs > 0 {
		out.GracePeriod = Millis(s.GracePeriodMs)
	}
	if s.BasePoints > 0 {
		out.Scoring.BasePoints = s.BasePoints
	}
	if s.BonusForSpeed != nil {
		out.Scoring.BonusForSpeed = *s.BonusForSpeed
	}
	if s.MaxSpeedMultiplier > 0 {
		out.Scoring.MaxSpeedMultiplier = s.MaxSpeedMultiplier
	}
	return out
}

func SettingsFrom(s domain.Settings) Settings {
	bonus := s.Scoring.BonusForSpeed
	return Settings{
		MaxPlayers:         s.MaxPlayers,
		MinPlayers:         s.MinPlayers,
		QuestionCount:      s.QuestionCount,
		TimePerQuestionMs:  s.TimePerQuestion.Milliseconds(),
		Difficulty:         string(s.Difficulty),
		Category:           s.Category,
		CountdownMs:        s.Countdown.Milliseconds(),
		GracePeriodMs:      s.GracePeriod.Milliseconds(),
		BasePoints:         s.Scoring.BasePoints,
		BonusForSpeed:      &bonus,
		MaxSpeedMultiplier: s.Scoring.MaxSpeedMultiplier,
	}
}

type Player struct {
	PlayerID       string    `json:"playerId"`
	Name           string    `json:"name"`
	Avatar         string    `json:"avatar,omitempty"`
	Status         string    `json:"status"`
	Score          int       `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	TotalAnswers   int       `json:"totalAnswers"`
	Streak         int       `json:"streak"`
	Rank           int       `json:"rank"`
	IsHost         bool      `json:"isHost"`
	IsReady        bool      `json:"isReady"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

func PlayerFrom(p domain.Player) Player {
	return Player{
		PlayerID:       p.PlayerID,
		Name:           p.Name,
		Avatar:         p.Avatar,
		Status:         string(p.Status),
		Score:          p.Score,
		CorrectAnswers: p.CorrectAnswers,
		TotalAnswers:   p.TotalAnswers,
		Streak:         p.Streak,
		Rank:           p.Rank,
		IsHost:         p.IsHost,
		IsReady:        p.IsReady,
		JoinedAt:       p.JoinedAt,
		LastActivity:   p.LastActivity,
	}
}

// Question is the public view of a question: the correct answer is never sent before reveal.
type Question struct {
	QuestionID  string   `json:"questionId"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	TimeLimitMs int64    `json:"timeLimitMs"`
	Points      int      `json:"points"`
	Category    string   `json:"category,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
}

func QuestionFrom(q domain.Question, limit time.Duration, points int) Question {
	return Question{
		QuestionID:  q.QuestionID,
		Prompt:      q.Prompt,
		Options:     q.Options,
		TimeLimitMs: limit.Milliseconds(),
		Points:      points,
		Category:    q.Category,
		Difficulty:  string(q.Difficulty),
	}
}

type Ranking struct {
	PlayerID              string   `json:"playerId"`
	Name                  string   `json:"name"`
	Position              int      `json:"position"`
	Score                 int      `json:"score"`
	Accuracy              float64  `json:"accuracy"`
	AverageResponseTimeMs int64    `json:"averageResponseTimeMs"`
	Streak                int      `json:"streak"`
	Badges                []string `json:"badges,omitempty"`
}

func RankingsFrom(rs []domain.PlayerRanking) []Ranking {
	out := make([]Ranking, 0, len(rs))
	for _, r := range rs {
		out = append(out, Ranking{
			PlayerID:              r.PlayerID,
			Name:                  r.Name,
			Position:              r.Position,
			Score:                 r.Score,
			Accuracy:              r.Accuracy,
			AverageResponseTimeMs: r.AverageResponseTime.Milliseconds(),
			Streak:                r.Streak,
			Badges:                r.Badges,
		})
	}
	return out
}

type Statistics struct {
	TotalPlayers     int                `json:"totalPlayers"`
	TotalQuestions   int                `json:"totalQuestions"`
	AverageScore     float64            `json:"averageScore"`
	CompletionRate   float64            `json:"completionRate"`
	CategoryAccuracy map[string]float64 `json:"categoryAccuracy"`
	DurationMs       int64              `json:"durationMs"`
}

func StatisticsFrom(s domain.GameStatistics) *Statistics {
	return &Statistics{
		TotalPlayers:     s.TotalPlayers,
		TotalQuestions:   s.TotalQuestions,
		AverageScore:     s.AverageScore,
		CompletionRate:   s.CompletionRate,
		CategoryAccuracy: s.CategoryAccuracy,
		DurationMs:       s.Duration.Milliseconds(),
	}
}

// Snapshot is the full canonical state of one session as seen by a member.
type Snapshot struct {
	SessionID      string        `json:"sessionId"`
	HostID         string        `json:"hostId"`
	State          string        `json:"state"`
	Settings       Settings      `json:"settings"`
	Players        []Player      `json:"players"`
	Rankings       []Ranking     `json:"rankings"`
	CurrentIndex   int           `json:"currentIndex"`
	TotalQuestions int           `json:"totalQuestions"`
	Question       *Question     `json:"question,omitempty"`
	RemainingMs    int64         `json:"remainingMs"`
	Chat           []ChatMessage `json:"chat"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	EndReason      string        `json:"endReason,omitempty"`
	Statistics     *Statistics   `json:"statistics,omitempty"`
}

// SessionSummary is what the session browser lists.
type SessionSummary struct {
	SessionID     string    `json:"sessionId"`
	HostID        string    `json:"hostId"`
	HostName      string    `json:"hostName"`
	State         string    `json:"state"`
	Players       int       `json:"players"`
	MaxPlayers    int       `json:"maxPlayers"`
	QuestionCount int       `json:"questionCount"`
	Difficulty    string    `json:"difficulty,omitempty"`
	Category      string    `json:"category,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Joinable reports whether a new player could join right now.
func (s SessionSummary) Joinable() bool {
	return s.State == string(domain.SessionWaiting) && (s.MaxPlayers <= 0 || s.Players < s.MaxPlayers)
}

// Command payloads.
type (
	Authenticate struct {
		PlayerID string `json:"playerId"`
		Name     string `json:"name"`
		Avatar   string `json:"avatar,omitempty"`
		Token    string `json:"token"`
	}

	Authenticated struct {
		PlayerID string `json:"playerId"`
		Name     string `json:"name"`
	}

	CreateSession struct {
		Settings Settings `json:"settings"`
	}

	SessionRef struct {
		SessionID string `json:"sessionId"`
	}

	SetReady struct {
		SessionID string `json:"sessionId"`
		Ready     bool   `json:"ready"`
	}

	StartGame struct {
		SessionID string `json:"sessionId"`
		Force     bool   `json:"force,omitempty"`
	}

	SubmitAnswer struct {
		SessionID  string `json:"sessionId"`
		QuestionID string `json:"questionId"`
		Answer     string `json:"answer"`
	}

	// AnswerAccepted acknowledges a recorded submission. Correctness is revealed later.
	AnswerAccepted struct {
		QuestionID  string `json:"questionId"`
		TimeSpentMs int64  `json:"timeSpentMs"`
	}

	SendChat struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}

	SessionList struct {
		Sessions []SessionSummary `json:"sessions"`
	}
)

// Millis converts a wire duration.
func Millis(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
