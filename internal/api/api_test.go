package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/api"
	"github.com/Triviape/triviape-sub002/internal/content"
	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/gateway"
	"github.com/Triviape/triviape-sub002/internal/leaderboard"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/session"
)

type fixture struct {
	router   *gin.Engine
	api      *api.API
	sessions *session.Manager
	ls       *leaderboard.Service
	redis    redis.UniversalClient
}

func newFixture(t *testing.T) *fixture {
	gin.SetMode(gin.TestMode)

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { _ = rc.Close() })

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	m := session.NewManager(session.Config{
		Broadcaster: gateway.NewHub(),
		EventBus:    eb,
		Content:     content.NewBank([]domain.Question{{QuestionID: "q1", CorrectAnswer: "a"}}),
		Defaults: domain.Settings{
			MaxPlayers:      4,
			MinPlayers:      1,
			QuestionCount:   1,
			TimePerQuestion: time.Minute,
			GracePeriod:     time.Minute,
			Scoring:         domain.ScoringSettings{BasePoints: 100},
		},
	})
	t.Cleanup(m.Stop)

	ls := leaderboard.NewService(leaderboard.Config{EventBus: eb, Redis: rc, Prefix: "test"})

	r := gin.New()
	a := api.New(api.Config{
		Router:       r,
		EventBus:     eb,
		Sessions:     m,
		Leaderboard:  ls,
		Redis:        rc,
		PubsubPrefix: "test",
	})

	return &fixture{router: r, api: a, sessions: m, ls: ls, redis: rc}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func TestAPI_Sessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.sessions.Create(ctx, session.CreateRequest{Host: domain.Profile{PlayerID: "a", Name: "Alice"}})
	require.NoError(t, err)
	running, err := f.sessions.Create(ctx, session.CreateRequest{Host: domain.Profile{PlayerID: "b"}})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Start(ctx, session.StartRequest{SessionID: running.SessionID, PlayerID: "b"}))

	var list protocol.SessionList
	assert.Equal(t, http.StatusOK, f.get(t, "/sessions", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, open.SessionID, list.Sessions[0].SessionID)
	assert.Equal(t, "Alice", list.Sessions[0].HostName)

	assert.Equal(t, http.StatusOK, f.get(t, "/sessions?all=true", &list))
	assert.Len(t, list.Sessions, 2)

	var snap protocol.Snapshot
	assert.Equal(t, http.StatusOK, f.get(t, "/sessions/"+open.SessionID, &snap))
	assert.Equal(t, "a", snap.HostID)

	var e errors.Error
	assert.Equal(t, http.StatusNotFound, f.get(t, "/sessions/nope", &e))
	assert.Equal(t, errors.ReasonSessionNotFound, e.Reason)

	assert.Equal(t, http.StatusOK, f.get(t, "/health", nil))
}

func TestAPI_GetLeaderboard(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ls.UpdateLeaderboard(context.Background(), domain.EventRankingsUpdated{
		SessionID: "s1",
		Version:   1,
		Rankings: []domain.PlayerRanking{
			{PlayerID: "p2", Score: 90},
			{PlayerID: "p1", Score: 140},
		},
	}))

	var l api.Leaderboard
	assert.Equal(t, http.StatusOK, f.get(t, "/sessions/s1/leaderboard", &l))
	assert.Equal(t, api.Leaderboard{
		SessionID: "s1",
		Entries: []api.LeaderboardEntry{
			{PlayerID: "p1", Score: "140"},
			{PlayerID: "p2", Score: "90"},
		},
	}, l)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/sessions/s2/leaderboard", nil))
}

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ps := f.redis.Subscribe(ctx, "test:session:s1", "test:player:p1", "test:player:p2")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, f.api.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{
			SessionID: "s1",
			Entries: []domain.LeaderboardEntry{
				{PlayerID: "p1", Score: 140},
				{PlayerID: "p2", Score: 90},
			},
		},
	}))

	channels := map[string]bool{}
	for range 3 {
		msg, err := ps.ReceiveMessage(ctx)
		require.NoError(t, err)
		channels[msg.Channel] = true

		var n struct {
			Event string          `json:"event"`
			Data  api.Leaderboard `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, domain.EventNameLeaderboardUpdated, n.Event)
		assert.Len(t, n.Data.Entries, 2)
	}

	assert.Equal(t, map[string]bool{
		"test:session:s1": true,
		"test:player:p1":  true,
		"test:player:p2":  true,
	}, channels)
}
