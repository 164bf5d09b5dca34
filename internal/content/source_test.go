package content_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/content"
	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
)

func TestBank_Questions(t *testing.T) {
	b := content.NewBank([]domain.Question{
		{QuestionID: "h1", Category: "history", Difficulty: domain.DifficultyEasy},
		{QuestionID: "h2", Category: "history", Difficulty: domain.DifficultyHard},
		{QuestionID: "s1", Category: "science", Difficulty: domain.DifficultyEasy},
		{QuestionID: "s2", Category: "science", Difficulty: domain.DifficultyEasy},
	})

	tests := map[string]struct {
		query   content.Query
		wantIDs []string
		wantLen int
	}{
		"filter by category": {
			query:   content.Query{Category: "history"},
			wantIDs: []string{"h1", "h2"},
			wantLen: 2,
		},
		"filter by category and difficulty": {
			query:   content.Query{Category: "science", Difficulty: domain.DifficultyEasy},
			wantIDs: []string{"s1", "s2"},
			wantLen: 2,
		},
		"count caps the result": {
			query:   content.Query{Count: 3},
			wantIDs: []string{"h1", "h2", "s1", "s2"},
			wantLen: 3,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := b.Questions(context.Background(), tt.query)
			require.NoError(t, err)
			require.Len(t, got, tt.wantLen)

			for _, q := range got {
				assert.Contains(t, tt.wantIDs, q.QuestionID)
			}
		})
	}

	_, err := b.Questions(context.Background(), content.Query{Category: "sports"})
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestLoadFile(t *testing.T) {
	const doc = `
questions:
  - id: q1
    prompt: "2 + 2?"
    options: ["3", "4", "5"]
    answer: "4"
    time_limit: 15s
    points: 200
    category: math
    difficulty: Easy
  - id: q2
    prompt: "Capital of France?"
    options: ["Paris", "Rome"]
    answer: "Paris"
`
	file := filepath.Join(t.TempDir(), "questions.yaml")
	require.NoError(t, os.WriteFile(file, []byte(doc), 0o600))

	b, err := content.LoadFile(file)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	got, err := b.Questions(context.Background(), content.Query{Category: "math"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, domain.Question{
		QuestionID:    "q1",
		Prompt:        "2 + 2?",
		Options:       []string{"3", "4", "5"},
		CorrectAnswer: "4",
		TimeLimit:     15 * time.Second,
		Points:        200,
		Category:      "math",
		Difficulty:    domain.DifficultyEasy,
	}, got[0])
}

func TestLoadFile_RejectsQuestionWithoutAnswer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "questions.yaml")
	require.NoError(t, os.WriteFile(file, []byte("questions:\n  - id: q1\n    prompt: nothing\n"), 0o600))

	_, err := content.LoadFile(file)
	assert.ErrorContains(t, err, "missing answer")
}
