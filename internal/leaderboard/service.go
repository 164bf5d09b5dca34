// Package leaderboard mirrors live session standings into Redis sorted sets so that readers
// outside the session goroutine (HTTP, spectators, other instances) can query them.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
	defaultTTL             = time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL applies to the mirror of a session once it has ended.
	TTL time.Duration
	// PublishInterval is the minimum gap between two leaderboard.updated of a session.
	PublishInterval time.Duration
}

type Service struct {
	eb       *event.Bus
	redis    redis.UniversalClient
	prefix   string
	ttl      time.Duration
	interval time.Duration

	unsubscribe []func()

	mu       sync.Mutex
	trailing map[string]*time.Timer
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		redis:    c.Redis,
		prefix:   c.Prefix,
		ttl:      c.TTL,
		interval: c.PublishInterval,
		trailing: make(map[string]*time.Timer),
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}

	s.unsubscribe = append(s.unsubscribe,
		s.eb.Subscribe(domain.EventNameRankingsUpdated, func(ctx context.Context, e event.Event) error {
			return s.UpdateLeaderboard(ctx, e.(domain.EventRankingsUpdated))
		}),
		s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
			return s.End(ctx, e.(domain.EventSessionEnded).Result.Session.SessionID)
		}),
	)

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, including all players and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonSessionNotFound),
			errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// updateScript replaces the standings of a session unless a newer version was already applied.
// KEYS: leaderboard, version. ARGV: version, then member/score pairs.
var updateScript = redis.NewScript(`
local version = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if version <= current then
  return 0
end

local keep = {}
for i = 2, #ARGV, 2 do
  keep[ARGV[i]] = true
  redis.call('ZADD', KEYS[1], ARGV[i + 1], ARGV[i])
end
for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if not keep[m] then
    redis.call('ZREM', KEYS[1], m)
  end
end

local ttl = redis.call('PTTL', KEYS[2])
redis.call('SET', KEYS[2], ARGV[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// UpdateLeaderboard replaces the standings of a session with the ones in the event. Events are
// delivered out of order, so an event older than the last applied version is ignored.
// Players missing from the event have left and are removed.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventRankingsUpdated) error {
	if len(e.Rankings) == 0 {
		return nil
	}

	args := make([]any, 0, 1+2*len(e.Rankings))
	args = append(args, e.Version)
	for _, r := range e.Rankings {
		args = append(args, r.PlayerID, r.Score)
	}

	applied, err := updateScript.Run(ctx, s.redis,
		[]string{s.getLeaderboardKey(e.SessionID), s.getLeaderboardVersionKey(e.SessionID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	if applied == 0 {
		slog.DebugContext(ctx, "leaderboard: stale rankings ignored", "session", e.SessionID, "version", e.Version)
		return nil
	}

	return s.schedulePublishLeaderboard(ctx, e.SessionID)
}

// schedulePublishLeaderboard publishes at most one leaderboard.updated per session per interval,
// because a burst of answers produces a burst of ranking changes. A change inside the window is
// published once the window closes.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sessionID string) error {
	// SetNX also keeps several instances from publishing the same change.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sessionID), time.Now().UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		s.publishLater(ctx, sessionID)
		return nil
	}

	return s.publishLeaderboard(ctx, sessionID)
}

// publishLater arms at most one trailing publish per session.
func (s *Service) publishLater(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trailing[sessionID]; ok {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.trailing[sessionID] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		delete(s.trailing, sessionID)
		s.mu.Unlock()

		if err := s.publishLeaderboard(ctx, sessionID); err != nil {
			slog.WarnContext(ctx, "leaderboard: trailing publish failed", "session", sessionID, "error", err)
		}
	})
}

func (s *Service) cancelTrailing(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.trailing[sessionID]; ok {
		t.Stop()
		delete(s.trailing, sessionID)
	}
}

func (s *Service) publishLeaderboard(ctx context.Context, sessionID string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// Stop detaches the service from the bus and publishes every pending trailing update right away.
func (s *Service) Stop(ctx context.Context) {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}

	s.mu.Lock()
	var sessions []string
	for id, t := range s.trailing {
		if t.Stop() {
			sessions = append(sessions, id)
		}
		delete(s.trailing, id)
	}
	s.mu.Unlock()

	for _, id := range sessions {
		if err := s.publishLeaderboard(ctx, id); err != nil {
			slog.WarnContext(ctx, "leaderboard: flush failed", "session", id, "error", err)
		}
	}
}

// End publishes the final standings without throttling and schedules their expiry.
func (s *Service) End(ctx context.Context, sessionID string) error {
	s.cancelTrailing(sessionID)

	// not found: nobody ever made it onto the board
	if err := s.publishLeaderboard(ctx, sessionID); err != nil && errors.Convert(err).Code != errors.CodeNotFound {
		slog.WarnContext(ctx, "leaderboard: final publish failed", "session", sessionID, "error", err)
	}

	return s.Expire(ctx, sessionID)
}

// Expire keeps the final standings readable for a while after the session ends.
func (s *Service) Expire(ctx context.Context, sessionID string) error {
	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, s.getLeaderboardKey(sessionID), s.ttl)
		p.Expire(ctx, s.getLeaderboardVersionKey(sessionID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire leaderboard: %w", err)
	}
	return nil
}

// Keys of a session share a hash tag so the update script runs on a single cluster slot.
func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:{%s}:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardVersionKey(session string) string {
	return fmt.Sprintf("%s:{%s}:version", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:{%s}:time", s.prefix, session)
}
