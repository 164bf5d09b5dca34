// Package api exposes the HTTP surface: the session browser, read-only session views and the
// websocket endpoint.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/leaderboard"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/session"
)

type Config struct {
	Router   gin.IRouter
	EventBus *event.Bus
	Sessions *session.Manager
	// Leaderboard and Redis are optional; without them the leaderboard route answers 503 and
	// nothing is fanned out over pub/sub.
	Leaderboard  *leaderboard.Service
	Gateway      http.Handler
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	sessions *session.Manager
	ls       *leaderboard.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		sessions: c.Sessions,
		ls:       c.Leaderboard,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	r := c.Router
	r.GET("/health", a.Health)
	r.GET("/sessions", a.ListSessions)
	r.GET("/sessions/:id", a.GetSession)
	r.GET("/sessions/:id/leaderboard", a.GetLeaderboard)
	if c.Gateway != nil {
		r.GET("/ws", gin.WrapH(c.Gateway))
	}

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListSessions returns the joinable sessions, or every session in memory with ?all=true.
func (a *API) ListSessions(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))

	c.JSON(http.StatusOK, protocol.SessionList{
		Sessions: a.sessions.List(c.Request.Context(), session.ListRequest{All: all}),
	})
}

func (a *API) GetSession(c *gin.Context) {
	snap, err := a.sessions.Snapshot(c.Request.Context(), session.SnapshotRequest{SessionID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	if a.ls == nil {
		writeError(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is disabled")))
		return
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, leaderboardFrom(*l))
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
