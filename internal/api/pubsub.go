package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/Triviape/triviape-sub002/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		PlayerID string `json:"player_id"`
		Score    string `json:"score"`
	}
)

func leaderboardFrom(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			PlayerID: entry.PlayerID,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

// PublishLeaderboardUpdated fans the leaderboard out to the session channel, for spectators, and
// to the channel of every player on it.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := leaderboardFrom(e.Leaderboard)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.sessionChannel(data.SessionID), e.Name(), data)
	})

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.playerChannel(entry.PlayerID), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) sessionChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, sessionID)
}

func (a *API) playerChannel(playerID string) string {
	return fmt.Sprintf("%s:player:%s", a.prefix, playerID)
}
