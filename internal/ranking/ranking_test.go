package ranking_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/ranking"
)

func player(id string, seq, score, answers, correct int, responseTime time.Duration) domain.Player {
	return domain.Player{
		PlayerID:       id,
		Name:           id,
		JoinSeq:        seq,
		Score:          score,
		TotalAnswers:   answers,
		CorrectAnswers: correct,
		ResponseTime:   responseTime,
	}
}

func ids(rs []domain.PlayerRanking) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.PlayerID)
	}
	return out
}

func TestRecompute_Ordering(t *testing.T) {
	tests := map[string]struct {
		players []domain.Player
		want    []string
	}{
		"higher score ranks first": {
			players: []domain.Player{
				player("a", 1, 100, 1, 1, time.Second),
				player("b", 2, 300, 3, 3, 3*time.Second),
				player("c", 3, 200, 2, 2, 2*time.Second),
			},
			want: []string{"b", "c", "a"},
		},
		"equal score breaks on lower average response time": {
			players: []domain.Player{
				player("a", 1, 100, 2, 1, 8*time.Second),
				player("b", 2, 100, 2, 1, 4*time.Second),
			},
			want: []string{"b", "a"},
		},
		"equal score and response time breaks on join order": {
			players: []domain.Player{
				player("late", 5, 100, 1, 1, time.Second),
				player("early", 1, 100, 1, 1, time.Second),
			},
			want: []string{"early", "late"},
		},
		"players who never answered sort after those who did": {
			players: []domain.Player{
				player("idle", 1, 0, 0, 0, 0),
				player("wrong", 2, 0, 1, 0, 9*time.Second),
			},
			want: []string{"wrong", "idle"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := ranking.Recompute(tt.players)
			assert.Equal(t, tt.want, ids(got))

			for i, r := range got {
				assert.Equal(t, i+1, r.Position)
			}
		})
	}
}

func TestRecompute_DeterministicForAllPermutations(t *testing.T) {
	players := []domain.Player{
		player("a", 1, 100, 2, 1, 4*time.Second),
		player("b", 2, 100, 2, 1, 4*time.Second),
		player("c", 3, 300, 3, 3, 9*time.Second),
		player("d", 4, 0, 0, 0, 0),
		player("e", 5, 100, 2, 1, 2*time.Second),
		player("f", 6, 0, 1, 0, time.Second),
	}

	want := ranking.Recompute(players)
	require.Equal(t, []string{"c", "e", "a", "b", "f", "d"}, ids(want))

	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		shuffled := append([]domain.Player(nil), players...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		require.Equal(t, want, ranking.Recompute(shuffled))
	}
}

func TestRecompute_Badges(t *testing.T) {
	p1 := player("a", 1, 300, 3, 3, 3*time.Second)
	p1.Streak = 3
	p2 := player("b", 2, 100, 2, 1, time.Second)

	got := ranking.Recompute([]domain.Player{p1, p2})

	assert.Equal(t, []string{ranking.BadgeFlawless, ranking.BadgeHotStreak}, got[0].Badges)
	assert.Equal(t, []string{ranking.BadgeSpeedster}, got[1].Badges)
	assert.InDelta(t, 0.5, got[1].Accuracy, 1e-9)
	assert.Equal(t, 500*time.Millisecond, got[1].AverageResponseTime)
}

func TestStatistics(t *testing.T) {
	questions := []domain.Question{
		{QuestionID: "q1", Category: "history"},
		{QuestionID: "q2", Category: "science"},
	}
	players := []domain.Player{
		player("a", 1, 200, 2, 2, 0),
		player("b", 2, 100, 1, 1, 0),
	}
	subs := []domain.AnswerSubmission{
		{PlayerID: "a", QuestionID: "q1", IsCorrect: true},
		{PlayerID: "b", QuestionID: "q1", IsCorrect: false},
		{PlayerID: "a", QuestionID: "q2", IsCorrect: true},
		{PlayerID: "gone", QuestionID: "q2", IsCorrect: false},
	}

	st := ranking.Statistics("s1", players, questions, 2, subs, time.Minute)

	assert.Equal(t, "s1", st.SessionID)
	assert.Equal(t, 2, st.TotalPlayers)
	assert.Equal(t, 2, st.TotalQuestions)
	assert.InDelta(t, 150, st.AverageScore, 1e-9)
	assert.InDelta(t, 0.75, st.CompletionRate, 1e-9)
	assert.InDelta(t, 0.5, st.CategoryAccuracy["history"], 1e-9)
	assert.InDelta(t, 1, st.CategoryAccuracy["science"], 1e-9)
	assert.Equal(t, time.Minute, st.Duration)
}
