package leaderboard_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/leaderboard"
	"github.com/Triviape/triviape-sub002/internal/telemetry"
)

func rankings(session string, version uint64, scores ...any) domain.EventRankingsUpdated {
	e := domain.EventRankingsUpdated{SessionID: session, Version: version}
	for i := 0; i+1 < len(scores); i += 2 {
		e.Rankings = append(e.Rankings, domain.PlayerRanking{
			PlayerID: scores[i].(string),
			Score:    scores[i+1].(int),
			Position: len(e.Rankings) + 1,
		})
	}
	return e
}

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 1, "p1", 240, "p2", 100, "p3", 0)))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, &domain.Leaderboard{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p1", Score: 240},
			{PlayerID: "p2", Score: 100},
			{PlayerID: "p3", Score: 0},
		},
	}, resp)

	// p3 has left the session
	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 2, "p2", 300, "p1", 240)))

	resp, err = s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{PlayerID: "p2", Score: 300},
		{PlayerID: "p1", Score: 240},
	}, resp.Entries)
}

func TestService_UpdateLeaderboard_OutOfOrder(t *testing.T) {
	tests := map[string]struct {
		events []domain.EventRankingsUpdated
		want   []domain.LeaderboardEntry
	}{
		"an older event does not bring back a player who left": {
			events: []domain.EventRankingsUpdated{
				rankings("s1", 2, "p1", 240, "p2", 100),
				rankings("s1", 1, "p1", 140, "p2", 100, "p3", 0),
			},
			want: []domain.LeaderboardEntry{
				{PlayerID: "p1", Score: 240},
				{PlayerID: "p2", Score: 100},
			},
		},
		"an older event does not lower a score": {
			events: []domain.EventRankingsUpdated{
				rankings("s1", 3, "p2", 300, "p1", 240),
				rankings("s1", 2, "p1", 240, "p2", 100),
			},
			want: []domain.LeaderboardEntry{
				{PlayerID: "p2", Score: 300},
				{PlayerID: "p1", Score: 240},
			},
		},
		"a replayed version is applied once": {
			events: []domain.EventRankingsUpdated{
				rankings("s1", 1, "p1", 100),
				rankings("s1", 1, "p1", 500),
			},
			want: []domain.LeaderboardEntry{
				{PlayerID: "p1", Score: 100},
			},
		},
		"versions are tracked per session": {
			events: []domain.EventRankingsUpdated{
				rankings("s2", 5, "p9", 900),
				rankings("s1", 1, "p1", 100),
			},
			want: []domain.LeaderboardEntry{
				{PlayerID: "p1", Score: 100},
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := makeService(t)
			ctx := context.Background()

			for _, e := range tt.events {
				require.NoError(t, s.UpdateLeaderboard(ctx, e))
			}

			resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Entries)
		})
	}
}

func TestService_GetLeaderboard_NotFound(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "nope"})
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestService_EndOnSessionEnded(t *testing.T) {
	eb := event.NewBus()
	received := collect(eb)
	s, rs := makeService(t, withEventBus(eb), withPublishInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 1, "p1", 100)))
	// inside the window: held back until the session ends
	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 2, "p1", 100, "p2", 150)))

	eb.Publish(ctx, domain.EventSessionEnded{Result: domain.Result{Session: domain.Session{SessionID: "s1"}}})
	eb.Stop()

	assert.Equal(t, time.Minute, rs.TTL("test:{s1}:leaderboard"))
	assert.Equal(t, time.Minute, rs.TTL("test:{s1}:version"))
	assert.ElementsMatch(t, [][]domain.LeaderboardEntry{
		{{PlayerID: "p1", Score: 100}},
		{{PlayerID: "p2", Score: 150}, {PlayerID: "p1", Score: 100}},
	}, received.entries())

	// a late update keeps the expiry
	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 3, "p1", 200, "p2", 150)))
	assert.Equal(t, time.Minute, rs.TTL("test:{s1}:leaderboard"))
	assert.Equal(t, time.Minute, rs.TTL("test:{s1}:version"))
}

func TestService_End_EmptySession(t *testing.T) {
	s, _ := makeService(t)

	assert.NoError(t, s.End(context.Background(), "nobody"))
}

func TestService_TrailingPublish(t *testing.T) {
	eb := event.NewBus()
	received := collect(eb)
	s, _ := makeService(t, withEventBus(eb), withPublishInterval(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 1, "p1", 110)))
	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 2, "p2", 220, "p1", 110)))
	require.NoError(t, s.UpdateLeaderboard(ctx, rankings("s1", 3, "p2", 220, "p1", 150)))

	require.Eventually(t, func() bool {
		return len(received.entries()) == 2
	}, time.Second, 5*time.Millisecond)

	eb.Stop()

	assert.ElementsMatch(t, [][]domain.LeaderboardEntry{
		{{PlayerID: "p1", Score: 110}},
		{{PlayerID: "p2", Score: 220}, {PlayerID: "p1", Score: 150}},
	}, received.entries())
}

func TestServer_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventRankingsUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish correct event leaderboard.updated after receiving rankings.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventRankingsUpdated{
						rankings("s1", "p1", 110),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionID: "s1",
					Entries: []domain.LeaderboardEntry{
						{PlayerID: "p1", Score: 110},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events leaderboard.updated after receiving events rankings.updated for 2 different sessions": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventRankingsUpdated{
						rankings("s1", 1, "p1", 110),
						rankings("s2", 1, "p2", 220),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated event")
			},
		},

		"should hold back the second change for the same session within the publish interval and publish it on stop": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventRankingsUpdated{
						rankings("s1", 1, "p1", 110),
						rankings("s1", 2, "p2", 220, "p1", 110),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive the leading and the trailing event")
				assert.Contains(t, out.publishedEvents, domain.EventLeaderboardUpdated{Leaderboard: domain.Leaderboard{
					SessionID: "s1",
					Entries: []domain.LeaderboardEntry{
						{PlayerID: "p2", Score: 220},
						{PlayerID: "p1", Score: 110},
					},
				}})
			},
		},

		"should ignore a stale change": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventRankingsUpdated{
						rankings("s1", 2, "p1", 110),
						rankings("s1", 1, "p1", 50, "p2", 0),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, _ := makeService(t,
				withEventBus(eb),
				withPublishInterval(time.Hour),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			s.Stop(context.Background())
			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, telemetry.MonitorRedis(rc, "leaderboard"))
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
		TTL:      time.Minute,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withPublishInterval(d time.Duration) options {
	return func(c *leaderboard.Config) {
		c.PublishInterval = d
	}
}

type collector struct {
	mu       sync.Mutex
	received [][]domain.LeaderboardEntry
}

func collect(eb *event.Bus) *collector {
	c := &collector{}
	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		c.mu.Lock()
		c.received = append(c.received, e.(domain.EventLeaderboardUpdated).Leaderboard.Entries)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *collector) entries() [][]domain.LeaderboardEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.received)
}
