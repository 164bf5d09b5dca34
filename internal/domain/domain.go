package domain

import (
	"time"
)

// SessionState is the lifecycle state of a quiz session.
type SessionState string

const (
	SessionWaiting   SessionState = "waiting"
	SessionStarting  SessionState = "starting"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type PlayerStatus string

const (
	PlayerWaiting      PlayerStatus = "waiting"
	PlayerReady        PlayerStatus = "ready"
	PlayerPlaying      PlayerStatus = "playing"
	PlayerFinished     PlayerStatus = "finished"
	PlayerDisconnected PlayerStatus = "disconnected"
)

type Difficulty string

const (
	DifficultyAny    Difficulty = ""
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ScoringSettings controls how the scoring engine awards points.
type ScoringSettings struct {
	BasePoints    int
	BonusForSpeed bool
	// MaxSpeedMultiplier caps the awarded points at BasePoints*MaxSpeedMultiplier.
	MaxSpeedMultiplier float64
}

// Settings are fixed when a session is created.
type Settings struct {
	MaxPlayers      int
	MinPlayers      int
	QuestionCount   int
	TimePerQuestion time.Duration
	Difficulty      Difficulty
	Category        string
	Countdown       time.Duration
	GracePeriod     time.Duration
	Scoring         ScoringSettings
}

// Profile is the identity a player brings into a session.
type Profile struct {
	PlayerID string
	Name     string
	Avatar   string
}

// Session represents a quiz session.
type Session struct {
	SessionID    string
	HostID       string
	State        SessionState
	Settings     Settings
	Questions    []Question
	CurrentIndex int
	Chat         []ChatMessage
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	// EndReason explains why a session reached a terminal state.
	EndReason string
}

// Player is scoped to one session.
type Player struct {
	PlayerID       string
	Name           string
	Avatar         string
	Status         PlayerStatus
	Score          int
	CorrectAnswers int
	TotalAnswers   int
	Streak         int
	Rank           int
	IsHost         bool
	IsReady        bool
	JoinSeq        int
	JoinedAt       time.Time
	LastActivity   time.Time
	// ResponseTime is the sum of time spent over all recorded answers.
	ResponseTime time.Duration
	// PrevStatus is restored when a disconnected player reconnects.
	PrevStatus     PlayerStatus
	DisconnectedAt time.Time
}

// AverageResponseTime is zero when the player has not answered anything.
func (p Player) AverageResponseTime() time.Duration {
	if p.TotalAnswers == 0 {
		return 0
	}
	return p.ResponseTime / time.Duration(p.TotalAnswers)
}

// Accuracy is the share of correct answers in [0, 1].
func (p Player) Accuracy() float64 {
	if p.TotalAnswers == 0 {
		return 0
	}
	return float64(p.CorrectAnswers) / float64(p.TotalAnswers)
}

type Question struct {
	QuestionID    string
	Prompt        string
	Options       []string
	CorrectAnswer string
	// TimeLimit and Points override the session settings when non-zero.
	TimeLimit  time.Duration
	Points     int
	Category   string
	Difficulty Difficulty
}

// AnswerSubmission is one player's answer to one question.
type AnswerSubmission struct {
	PlayerID      string
	QuestionID    string
	Answer        string
	TimeSpent     time.Duration
	SubmittedAt   time.Time
	IsCorrect     bool
	PointsAwarded int
	Late          bool
}

// PlayerRanking is derived from Player state, never mutated on its own.
type PlayerRanking struct {
	PlayerID            string
	Name                string
	Position            int
	Score               int
	Accuracy            float64
	AverageResponseTime time.Duration
	Streak              int
	Badges              []string
}

// GameStatistics is computed once when a session completes.
type GameStatistics struct {
	SessionID        string
	TotalPlayers     int
	TotalQuestions   int
	AverageScore     float64
	CompletionRate   float64
	CategoryAccuracy map[string]float64
	Duration         time.Duration
}

type ChatMessage struct {
	MessageID string
	PlayerID  string
	Name      string
	Text      string
	SentAt    time.Time
}

// Result is what the history store receives for a finished session.
type Result struct {
	Session    Session
	Rankings   []PlayerRanking
	Statistics GameStatistics
}
