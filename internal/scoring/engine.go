package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
)

const (
	DefaultBasePoints         = 100
	DefaultMaxSpeedMultiplier = 1.5
)

// Engine evaluates answers for one session. It keeps the ledger of accepted submissions so that
// a second submission from the same player for the same question is always rejected.
// Engine is not safe for concurrent use; the session that owns it serializes access.
type Engine struct {
	settings domain.ScoringSettings
	ledger   map[string]map[string]domain.AnswerSubmission
	log      []domain.AnswerSubmission
}

func NewEngine(s domain.ScoringSettings) *Engine {
	if s.BasePoints <= 0 {
		s.BasePoints = DefaultBasePoints
	}
	if s.MaxSpeedMultiplier < 1 {
		s.MaxSpeedMultiplier = 1
	}

	return &Engine{
		settings: s,
		ledger:   make(map[string]map[string]domain.AnswerSubmission),
	}
}

// Evaluate scores a submission against the question's canonical answer and records it.
// A submission whose TimeSpent exceeds limit is recorded as incorrect with zero points.
func (e *Engine) Evaluate(q domain.Question, limit time.Duration, sub domain.AnswerSubmission) (domain.AnswerSubmission, error) {
	if sub.QuestionID != q.QuestionID {
		return sub, errors.Rejected(errors.CodeInvalidArgument, errors.ReasonQuestionMismatch,
			"submission for question %s evaluated against question %s", sub.QuestionID, q.QuestionID)
	}

	if e.Answered(q.QuestionID, sub.PlayerID) {
		return sub, errors.Rejected(errors.CodeAlreadyExists, errors.ReasonDuplicateSubmission,
			"answer is already submitted: player=%s question=%s", sub.PlayerID, q.QuestionID)
	}

	sub.Late = limit > 0 && sub.TimeSpent > limit
	sub.IsCorrect = !sub.Late && sub.Answer == q.CorrectAnswer
	sub.PointsAwarded = 0
	if sub.IsCorrect {
		sub.PointsAwarded = e.points(q, limit, sub.TimeSpent)
	}

	e.record(sub)
	return sub, nil
}

// RecordLate records a first answer to a question that has already been completed. It is
// incorrect and worth nothing, whatever was answered.
func (e *Engine) RecordLate(q domain.Question, sub domain.AnswerSubmission) (domain.AnswerSubmission, error) {
	if sub.QuestionID != q.QuestionID {
		return sub, errors.Rejected(errors.CodeInvalidArgument, errors.ReasonQuestionMismatch,
			"submission for question %s recorded against question %s", sub.QuestionID, q.QuestionID)
	}

	if e.Answered(q.QuestionID, sub.PlayerID) {
		return sub, errors.Rejected(errors.CodeAlreadyExists, errors.ReasonDuplicateSubmission,
			"answer is already submitted: player=%s question=%s", sub.PlayerID, q.QuestionID)
	}

	sub.Late = true
	sub.IsCorrect = false
	sub.PointsAwarded = 0

	e.record(sub)
	return sub, nil
}

func (e *Engine) record(sub domain.AnswerSubmission) {
	if e.ledger[sub.QuestionID] == nil {
		e.ledger[sub.QuestionID] = make(map[string]domain.AnswerSubmission)
	}
	e.ledger[sub.QuestionID][sub.PlayerID] = sub
	e.log = append(e.log, sub)
}

// points = base + base*(multiplier-1)*fractionRemaining, rounded half up.
func (e *Engine) points(q domain.Question, limit, spent time.Duration) int {
	base := e.settings.BasePoints
	if q.Points > 0 {
		base = q.Points
	}

	if !e.settings.BonusForSpeed || limit <= 0 {
		return base
	}

	remaining := decimal.NewFromInt(int64(limit - spent)).Div(decimal.NewFromInt(int64(limit)))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if remaining.GreaterThan(decimal.NewFromInt(1)) {
		remaining = decimal.NewFromInt(1)
	}

	b := decimal.NewFromInt(int64(base))
	mult := decimal.NewFromFloat(e.settings.MaxSpeedMultiplier)
	bonus := b.Mul(mult.Sub(decimal.NewFromInt(1))).Mul(remaining)
	total := b.Add(bonus).Round(0)

	if ceiling := b.Mul(mult).Floor(); total.GreaterThan(ceiling) {
		total = ceiling
	}

	return int(total.IntPart())
}

func (e *Engine) Answered(questionID, playerID string) bool {
	_, ok := e.ledger[questionID][playerID]
	return ok
}

// AnsweredCount returns the number of recorded submissions for a question.
func (e *Engine) AnsweredCount(questionID string) int {
	return len(e.ledger[questionID])
}

func (e *Engine) Submission(questionID, playerID string) (domain.AnswerSubmission, bool) {
	s, ok := e.ledger[questionID][playerID]
	return s, ok
}

// Submissions returns every recorded submission in arrival order.
func (e *Engine) Submissions() []domain.AnswerSubmission {
	out := make([]domain.AnswerSubmission, len(e.log))
	copy(out, e.log)
	return out
}

func (e *Engine) Settings() domain.ScoringSettings {
	return e.settings
}

// NextStreak increments on a correct answer and resets on anything else.
func NextStreak(streak int, correct bool) int {
	if !correct {
		return 0
	}
	return streak + 1
}
