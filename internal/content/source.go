// Package content supplies the question sequence of a session at start time.
package content

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
)

type Query struct {
	Count      int
	Category   string
	Difficulty domain.Difficulty
}

// Source returns an already-shuffled list of at most q.Count questions.
type Source interface {
	Questions(ctx context.Context, q Query) ([]domain.Question, error)
}

// Bank is an in-memory question bank.
type Bank struct {
	questions []domain.Question
	shuffle   func(n int, swap func(i, j int))
}

func NewBank(questions []domain.Question) *Bank {
	return &Bank{
		questions: slices.Clone(questions),
		shuffle:   rand.Shuffle,
	}
}

func (b *Bank) Questions(_ context.Context, q Query) ([]domain.Question, error) {
	out := make([]domain.Question, 0, len(b.questions))
	for _, qq := range b.questions {
		if q.Category != "" && qq.Category != q.Category {
			continue
		}
		if q.Difficulty != domain.DifficultyAny && qq.Difficulty != q.Difficulty {
			continue
		}
		out = append(out, qq)
	}

	if len(out) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no questions: category=%q difficulty=%q", q.Category, q.Difficulty))
	}

	b.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	if q.Count > 0 && len(out) > q.Count {
		out = out[:q.Count]
	}

	return out, nil
}

func (b *Bank) Len() int {
	return len(b.questions)
}
