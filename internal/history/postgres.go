package history

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS quiz_sessions (
	session_id        TEXT PRIMARY KEY,
	host_id           TEXT NOT NULL,
	settings          JSONB NOT NULL,
	questions         TEXT[] NOT NULL,
	total_players     INT NOT NULL,
	average_score     NUMERIC(12, 2) NOT NULL,
	completion_rate   NUMERIC(5, 4) NOT NULL,
	category_accuracy JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quiz_session_results (
	session_id       TEXT NOT NULL REFERENCES quiz_sessions (session_id),
	player_id        TEXT NOT NULL,
	name             TEXT NOT NULL,
	position         INT NOT NULL,
	score            INT NOT NULL,
	accuracy         NUMERIC(5, 4) NOT NULL,
	avg_response_ms  BIGINT NOT NULL,
	streak           INT NOT NULL,
	badges           TEXT[] NOT NULL,
	PRIMARY KEY (session_id, player_id)
);`

// PostgresStore writes a session and its per-player results in one transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) (err error) {
	settings, err := json.Marshal(r.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	accuracy, err := json.Marshal(r.Statistics.CategoryAccuracy)
	if err != nil {
		return fmt.Errorf("marshal category accuracy: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO quiz_sessions (session_id, host_id, settings, questions, total_players, average_score,
	completion_rate, category_accuracy, created_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
		insResultStmt = `
INSERT INTO quiz_session_results (session_id, player_id, name, position, score, accuracy,
	avg_response_ms, streak, badges)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`
	)

	_, err = tx.Exec(ctx, insSessionStmt,
		r.SessionID, r.HostID, settings, r.Questions, r.Statistics.TotalPlayers,
		decimal.NewFromFloat(r.Statistics.AverageScore).Round(2),
		decimal.NewFromFloat(r.Statistics.CompletionRate).Round(4),
		accuracy, r.CreatedAt, r.StartedAt, r.CompletedAt,
	)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		// archived already
		err = nil
		return tx.Rollback(ctx)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	b := &pgx.Batch{}
	for _, rk := range r.Rankings {
		badges := rk.Badges
		if badges == nil {
			badges = []string{}
		}
		b.Queue(insResultStmt, r.SessionID, rk.PlayerID, rk.Name, rk.Position, rk.Score,
			decimal.NewFromFloat(rk.Accuracy).Round(4), rk.AverageResponseTimeMs, rk.Streak, badges)
	}

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}

	return tx.Commit(ctx)
}
