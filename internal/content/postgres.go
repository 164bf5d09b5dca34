package content

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
)

// PostgresSource draws questions from the questions table:
//
//	CREATE TABLE questions (
//		question_id   TEXT PRIMARY KEY,
//		prompt        TEXT NOT NULL,
//		options       TEXT[] NOT NULL,
//		answer        TEXT NOT NULL,
//		time_limit_ms BIGINT NOT NULL DEFAULT 0,
//		points        INT NOT NULL DEFAULT 0,
//		category      TEXT NOT NULL DEFAULT '',
//		difficulty    TEXT NOT NULL DEFAULT ''
//	);
type PostgresSource struct {
	db *pgxpool.Pool
}

func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Questions(ctx context.Context, q Query) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, prompt, options, answer, time_limit_ms, points, category, difficulty
FROM questions
WHERE ($1::text = '' OR category = $1) AND ($2::text = '' OR difficulty = $2)
ORDER BY random()
LIMIT $3;`

	limit := q.Count
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, stmt, q.Category, string(q.Difficulty), limit)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var (
			qq         domain.Question
			limitMs    int64
			difficulty string
		)
		if err := r.Scan(&qq.QuestionID, &qq.Prompt, &qq.Options, &qq.CorrectAnswer, &limitMs, &qq.Points, &qq.Category, &difficulty); err != nil {
			return domain.Question{}, err
		}
		qq.TimeLimit = time.Duration(limitMs) * time.Millisecond
		qq.Difficulty = domain.Difficulty(difficulty)
		return qq, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	if len(qs) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no questions: category=%q difficulty=%q", q.Category, q.Difficulty))
	}

	return qs, nil
}
