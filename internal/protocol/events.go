package protocol

import (
	"encoding/json"
	"time"

	"github.com/Triviape/triviape-sub002/internal/errors"
)

// Broadcast event names.
const (
	EventPlayerJoined       = "player-joined"
	EventPlayerLeft         = "player-left"
	EventPlayerDisconnected = "player-disconnected"
	EventPlayerReconnected  = "player-reconnected"
	EventPlayerUpdated      = "player-updated"
	EventGameStarting       = "game-starting"
	EventGameStarted        = "game-started"
	EventGamePaused         = "game-paused"
	EventGameResumed        = "game-resumed"
	EventQuestionChanged    = "question-changed"
	EventAnswerSubmitted    = "answer-submitted"
	EventAnswerRevealed     = "answer-revealed"
	EventQuestionCompleted  = "question-completed"
	EventScoreUpdated       = "score-updated"
	EventRankingsUpdated    = "rankings-updated"
	EventTimerUpdate        = "timer-update"
	EventGameEnded          = "game-ended"
	EventChatMessage        = "chat-message"
	EventError              = NameError
)

// Event is one variant of the broadcast union.
type Event interface {
	EventName() string
}

type PlayerJoined struct {
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

// PlayerLeft is sent for explicit leaves and for grace period expiry. NewHostID is set when the
// departing player was host and someone was promoted.
type PlayerLeft struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
	Reason    string `json:"reason"`
	NewHostID string `json:"newHostId,omitempty"`
}

type PlayerDisconnected struct {
	SessionID     string `json:"sessionId"`
	PlayerID      string `json:"playerId"`
	GracePeriodMs int64  `json:"gracePeriodMs"`
}

type PlayerReconnected struct {
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

// PlayerUpdated carries ready flag and host changes.
type PlayerUpdated struct {
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

type GameStarting struct {
	SessionID      string `json:"sessionId"`
	CountdownMs    int64  `json:"countdownMs"`
	TotalQuestions int    `json:"totalQuestions"`
}

type GameStarted struct {
	SessionID      string    `json:"sessionId"`
	StartedAt      time.Time `json:"startedAt"`
	TotalQuestions int       `json:"totalQuestions"`
}

type GamePaused struct {
	SessionID   string `json:"sessionId"`
	RemainingMs int64  `json:"remainingMs"`
}

type GameResumed struct {
	SessionID   string `json:"sessionId"`
	RemainingMs int64  `json:"remainingMs"`
}

type QuestionChanged struct {
	SessionID   string   `json:"sessionId"`
	Index       int      `json:"index"`
	Total       int      `json:"total"`
	Question    Question `json:"question"`
	TimeLimitMs int64    `json:"timeLimitMs"`
}

// AnswerSubmitted tells members that someone answered without revealing correctness.
type AnswerSubmitted struct {
	SessionID  string `json:"sessionId"`
	PlayerID   string `json:"playerId"`
	QuestionID string `json:"questionId"`
	Answered   int    `json:"answered"`
	Expected   int    `json:"expected"`
}

type AnswerResult struct {
	PlayerID      string `json:"playerId"`
	Answer        string `json:"answer"`
	IsCorrect     bool   `json:"isCorrect"`
	PointsAwarded int    `json:"pointsAwarded"`
	Late          bool   `json:"late,omitempty"`
	TimeSpentMs   int64  `json:"timeSpentMs"`
}

type AnswerRevealed struct {
	SessionID     string         `json:"sessionId"`
	QuestionID    string         `json:"questionId"`
	CorrectAnswer string         `json:"correctAnswer"`
	Results       []AnswerResult `json:"results"`
}

const (
	CompletedTimeout     = "timeout"
	CompletedAllAnswered = "all-answered"
)

type QuestionCompleted struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Index      int    `json:"index"`
	Reason     string `json:"reason"`
}

type ScoreUpdated struct {
	SessionID      string `json:"sessionId"`
	PlayerID       string `json:"playerId"`
	QuestionID     string `json:"questionId"`
	PointsAwarded  int    `json:"pointsAwarded"`
	Score          int    `json:"score"`
	Streak         int    `json:"streak"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalAnswers   int    `json:"totalAnswers"`
}

type RankingsUpdated struct {
	SessionID string    `json:"sessionId"`
	Rankings  []Ranking `json:"rankings"`
}

type TimerUpdate struct {
	SessionID   string `json:"sessionId"`
	QuestionID  string `json:"questionId"`
	RemainingMs int64  `json:"remainingMs"`
}

// GameEnded is the single terminal broadcast for both completed and cancelled sessions.
type GameEnded struct {
	SessionID  string      `json:"sessionId"`
	State      string      `json:"state"`
	Reason     string      `json:"reason"`
	Rankings   []Ranking   `json:"rankings"`
	Statistics *Statistics `json:"statistics,omitempty"`
}

type ChatMessage struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	PlayerID  string    `json:"playerId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

// ErrorEvent is the payload of an "error" envelope.
type ErrorEvent struct {
	Code    errors.Code `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

// Err rebuilds the typed error on the receiving side.
func (e ErrorEvent) Err() *errors.Error {
	return errors.New(e.Code, errors.WithReason(e.Reason), errors.WithMessagef("%s", e.Message))
}

func (PlayerJoined) EventName() string       { return EventPlayerJoined }
func (PlayerLeft) EventName() string         { return EventPlayerLeft }
func (PlayerDisconnected) EventName() string { return EventPlayerDisconnected }
func (PlayerReconnected) EventName() string  { return EventPlayerReconnected }
func (PlayerUpdated) EventName() string      { return EventPlayerUpdated }
func (GameStarting) EventName() string       { return EventGameStarting }
func (GameStarted) EventName() string        { return EventGameStarted }
func (GamePaused) EventName() string         { return EventGamePaused }
func (GameResumed) EventName() string        { return EventGameResumed }
func (QuestionChanged) EventName() string    { return EventQuestionChanged }
func (AnswerSubmitted) EventName() string    { return EventAnswerSubmitted }
func (AnswerRevealed) EventName() string     { return EventAnswerRevealed }
func (QuestionCompleted) EventName() string  { return EventQuestionCompleted }
func (ScoreUpdated) EventName() string       { return EventScoreUpdated }
func (RankingsUpdated) EventName() string    { return EventRankingsUpdated }
func (TimerUpdate) EventName() string        { return EventTimerUpdate }
func (GameEnded) EventName() string          { return EventGameEnded }
func (ChatMessage) EventName() string        { return EventChatMessage }
func (ErrorEvent) EventName() string         { return EventError }

// DecodeEvent turns a broadcast envelope into its typed variant.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.EventName {
	case EventPlayerJoined:
		return decode[PlayerJoined](env)
	case EventPlayerLeft:
		return decode[PlayerLeft](env)
	case EventPlayerDisconnected:
		return decode[PlayerDisconnected](env)
	case EventPlayerReconnected:
		return decode[PlayerReconnected](env)
	case EventPlayerUpdated:
		return decode[PlayerUpdated](env)
	case EventGameStarting:
		return decode[GameStarting](env)
	case EventGameStarted:
		return decode[GameStarted](env)
	case EventGamePaused:
		return decode[GamePaused](env)
	case EventGameResumed:
		return decode[GameResumed](env)
	case EventQuestionChanged:
		return decode[QuestionChanged](env)
	case EventAnswerSubmitted:
		return decode[AnswerSubmitted](env)
	case EventAnswerRevealed:
		return decode[AnswerRevealed](env)
	case EventQuestionCompleted:
		return decode[QuestionCompleted](env)
	case EventScoreUpdated:
		return decode[ScoreUpdated](env)
	case EventRankingsUpdated:
		return decode[RankingsUpdated](env)
	case EventTimerUpdate:
		return decode[TimerUpdate](env)
	case EventGameEnded:
		return decode[GameEnded](env)
	case EventChatMessage:
		return decode[ChatMessage](env)
	case EventError:
		return decode[ErrorEvent](env)
	default:
		return nil, errors.Rejected(errors.CodeInvalidArgument, errors.ReasonUnknownCommand,
			"unknown event %q", env.EventName)
	}
}

func decode[T Event](env Envelope) (Event, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, errors.Rejected(errors.CodeInvalidArgument, errors.ReasonInvalidPayload,
			"invalid %s payload: %v", env.EventName, err)
	}
	return v, nil
}
