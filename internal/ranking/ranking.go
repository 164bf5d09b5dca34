// Package ranking derives ordered standings and end-of-game statistics from player state.
//
// Ordering is a pure function of (score, average response time, join order): score descending,
// then average response time ascending with players who never answered placed last, then join
// order ascending.
package ranking

import (
	"math"
	"slices"
	"time"

	"github.com/Triviape/triviape-sub002/internal/domain"
)

const (
	BadgeFlawless  = "flawless"
	BadgeHotStreak = "hot-streak"
	BadgeSpeedster = "speedster"

	hotStreakThreshold = 3
)

// Recompute returns the standings for players. The input is not modified.
func Recompute(players []domain.Player) []domain.PlayerRanking {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, Compare)

	speedster := fastest(sorted)

	out := make([]domain.PlayerRanking, 0, len(sorted))
	for i, p := range sorted {
		out = append(out, domain.PlayerRanking{
			PlayerID:            p.PlayerID,
			Name:                p.Name,
			Position:            i + 1,
			Score:               p.Score,
			Accuracy:            p.Accuracy(),
			AverageResponseTime: p.AverageResponseTime(),
			Streak:              p.Streak,
			Badges:              badges(p, p.PlayerID == speedster),
		})
	}

	return out
}

// Compare orders a before b when a ranks higher.
func Compare(a, b domain.Player) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}

	if ra, rb := responseKey(a), responseKey(b); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	if a.JoinSeq != b.JoinSeq {
		if a.JoinSeq < b.JoinSeq {
			return -1
		}
		return 1
	}

	switch {
	case a.PlayerID < b.PlayerID:
		return -1
	case a.PlayerID > b.PlayerID:
		return 1
	default:
		return 0
	}
}

func responseKey(p domain.Player) time.Duration {
	if p.TotalAnswers == 0 {
		return time.Duration(math.MaxInt64)
	}
	return p.AverageResponseTime()
}

// fastest returns the player with the lowest average response time, first in rank order on ties.
func fastest(sorted []domain.Player) string {
	var (
		id   string
		best = time.Duration(math.MaxInt64)
	)
	for _, p := range sorted {
		if p.TotalAnswers == 0 {
			continue
		}
		if avg := p.AverageResponseTime(); avg < best {
			best, id = avg, p.PlayerID
		}
	}
	return id
}

func badges(p domain.Player, speedster bool) []string {
	var b []string
	if p.TotalAnswers > 0 && p.CorrectAnswers == p.TotalAnswers {
		b = append(b, BadgeFlawless)
	}
	if p.Streak >= hotStreakThreshold {
		b = append(b, BadgeHotStreak)
	}
	if speedster {
		b = append(b, BadgeSpeedster)
	}
	return b
}

// Statistics aggregates a finished session. asked is the number of questions that were put to the
// players; submissions is every recorded answer.
func Statistics(sessionID string, players []domain.Player, questions []domain.Question, asked int, submissions []domain.AnswerSubmission, d time.Duration) domain.GameStatistics {
	st := domain.GameStatistics{
		SessionID:        sessionID,
		TotalPlayers:     len(players),
		TotalQuestions:   asked,
		CategoryAccuracy: make(map[string]float64),
		Duration:         d,
	}

	if len(players) > 0 {
		total := 0
		for _, p := range players {
			total += p.Score
		}
		st.AverageScore = float64(total) / float64(len(players))
	}

	inRoster := make(map[string]bool, len(players))
	for _, p := range players {
		inRoster[p.PlayerID] = true
	}

	category := make(map[string]string, len(questions))
	for _, q := range questions {
		category[q.QuestionID] = q.Category
	}

	var (
		answered int
		correct  = make(map[string]int)
		seen     = make(map[string]int)
	)
	for _, s := range submissions {
		if !inRoster[s.PlayerID] {
			continue
		}
		answered++

		c := category[s.QuestionID]
		seen[c]++
		if s.IsCorrect {
			correct[c]++
		}
	}

	for c, n := range seen {
		st.CategoryAccuracy[c] = float64(correct[c]) / float64(n)
	}

	if expected := len(players) * asked; expected > 0 {
		st.CompletionRate = math.Min(1, float64(answered)/float64(expected))
	}

	return st
}
