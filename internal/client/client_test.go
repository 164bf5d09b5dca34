package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/api"
	"github.com/Triviape/triviape-sub002/internal/content"
	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/gateway"
	"github.com/Triviape/triviape-sub002/internal/identity"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/session"
)

var questions = []domain.Question{
	{QuestionID: "q1", Prompt: "2 + 2?", Options: []string{"3", "4"}, CorrectAnswer: "4"},
	{QuestionID: "q2", Prompt: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectAnswer: "Paris"},
}

func answerFor(questionID string) string {
	for _, q := range questions {
		if q.QuestionID == questionID {
			return q.CorrectAnswer
		}
	}
	return ""
}

type server struct {
	srv      *httptest.Server
	sessions *session.Manager
}

func newServer(t *testing.T, auth identity.Authenticator) *server {
	gin.SetMode(gin.TestMode)

	hub := gateway.NewHub()
	m := session.NewManager(session.Config{
		Broadcaster: hub,
		Content:     content.NewBank(questions),
		Defaults: domain.Settings{
			MaxPlayers:      4,
			MinPlayers:      1,
			QuestionCount:   2,
			TimePerQuestion: 5 * time.Second,
			Countdown:       10 * time.Millisecond,
			GracePeriod:     time.Minute,
			Scoring:         domain.ScoringSettings{BasePoints: 100, BonusForSpeed: true, MaxSpeedMultiplier: 1.5},
		},
		TimerInterval: -1,
	})
	t.Cleanup(m.Stop)

	r := gin.New()
	api.New(api.Config{
		Router:   r,
		Sessions: m,
		Gateway: gateway.New(gateway.Config{
			Hub:               hub,
			Sessions:          m,
			Auth:              auth,
			HandshakeTimeout:  time.Second,
			HeartbeatInterval: time.Second,
		}),
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &server{srv: srv, sessions: m}
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// signals records lifecycle changes.
type signals struct {
	mu   sync.Mutex
	seen []Lifecycle
}

func (s *signals) record(l Lifecycle) {
	s.mu.Lock()
	s.seen = append(s.seen, l)
	s.mu.Unlock()
}

func (s *signals) names() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Signal, 0, len(s.seen))
	for _, l := range s.seen {
		out = append(out, l.Signal)
	}
	return out
}

func (s *signals) last() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[len(s.seen)-1]
}

func (s *server) connect(t *testing.T, playerID string, sig *signals) *Client {
	c := Config{
		URL:              s.wsURL(),
		Identity:         protocol.Authenticate{PlayerID: playerID, Name: "name-" + playerID},
		MaxReconnects:    3,
		ReconnectBackoff: 20 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
	}
	if sig != nil {
		c.Lifecycle = sig.record
	}

	cl, err := Dial(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	return cl
}

// drop kills the transport without telling the client, as a network failure would.
func drop(c *Client) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	_ = ws.Close()
}

func sameAsServer(t *testing.T, s *server, c *Client) func() bool {
	return func() bool {
		local, ok := c.State()
		if !ok {
			return false
		}
		canonical, err := s.sessions.Snapshot(context.Background(), session.SnapshotRequest{SessionID: local.SessionID})
		require.NoError(t, err)

		return jsonOf(t, local) == jsonOf(t, canonical)
	}
}

func TestClient_PlaysASession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := newServer(t, nil)
	sig := &signals{}
	a := s.connect(t, "a", sig)
	b := s.connect(t, "b", nil)
	assert.Equal(t, []Signal{SignalConnected}, sig.names())
	assert.Equal(t, "a", a.PlayerID())

	snap, err := a.CreateSession(ctx, protocol.Settings{})
	require.NoError(t, err)
	assert.Equal(t, snap.SessionID, a.Session())

	open, err := NewBrowser(s.srv.URL, time.Second).List(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "name-a", open[0].HostName)

	questionsA := make(chan protocol.QuestionChanged, len(questions))
	questionsB := make(chan protocol.QuestionChanged, len(questions))
	ended := make(chan protocol.GameEnded, 1)
	a.On(protocol.EventQuestionChanged, func(e protocol.Event) { questionsA <- e.(protocol.QuestionChanged) })
	b.On(protocol.EventQuestionChanged, func(e protocol.Event) { questionsB <- e.(protocol.QuestionChanged) })
	b.On(protocol.EventGameEnded, func(e protocol.Event) { ended <- e.(protocol.GameEnded) })

	_, err = b.JoinSession(ctx, open[0].SessionID)
	require.NoError(t, err)
	require.NoError(t, b.SetReady(ctx, snap.SessionID, true))
	require.NoError(t, a.StartGame(ctx, snap.SessionID, false))

	for range questions {
		qa, qb := <-questionsA, <-questionsB
		require.Equal(t, qa.Question.QuestionID, qb.Question.QuestionID)

		_, err := a.SubmitAnswer(ctx, snap.SessionID, qa.Question.QuestionID, answerFor(qa.Question.QuestionID))
		require.NoError(t, err)

		_, err = b.SubmitAnswer(ctx, snap.SessionID, qb.Question.QuestionID, "wrong")
		require.NoError(t, err)
	}

	select {
	case e := <-ended:
		assert.Equal(t, string(domain.SessionCompleted), e.State)
		require.Len(t, e.Rankings, 2)
		assert.Equal(t, "a", e.Rankings[0].PlayerID)
	case <-ctx.Done():
		t.Fatal("game did not end")
	}

	canonical, err := s.sessions.Snapshot(ctx, session.SnapshotRequest{SessionID: snap.SessionID})
	require.NoError(t, err)

	for _, c := range []*Client{a, b} {
		require.Eventually(t, func() bool {
			state, _ := c.State()
			return state.State == string(domain.SessionCompleted)
		}, time.Second, 10*time.Millisecond)

		state, _ := c.State()
		assert.Equal(t, scores(*canonical), scores(state))
		assert.Equal(t, jsonOf(t, canonical.Rankings), jsonOf(t, state.Rankings))
	}
}

func jsonOf(t *testing.T, v any) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func scores(s protocol.Snapshot) map[string]int {
	out := make(map[string]int, len(s.Players))
	for _, p := range s.Players {
		out[p.PlayerID] = p.Score
	}
	return out
}

func TestClient_RequestContinuationRunsOnce(t *testing.T) {
	s := newServer(t, nil)
	c := s.connect(t, "a", nil)

	var calls atomic.Int32
	got := make(chan error, 2)
	c.Request(protocol.CmdJoinSession, protocol.SessionRef{SessionID: "missing"}, func(_ protocol.Envelope, err error) {
		calls.Add(1)
		got <- err
	})

	err := <-got
	assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound))

	// the request timer must not fire a second time
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	err = c.Do(context.Background(), "teleport", nil, nil)
	assert.True(t, errors.HasReason(err, errors.ReasonUnknownCommand))
}

func TestClient_RequestLocalFailures(t *testing.T) {
	s := newServer(t, nil)

	tests := map[string]struct {
		arrange func(t *testing.T) *Client
		payload any
		check   func(t *testing.T, err error)
	}{
		"payload that cannot be encoded": {
			arrange: func(t *testing.T) *Client {
				return s.connect(t, "a", nil)
			},
			payload: make(chan int),
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
		"closed client": {
			arrange: func(t *testing.T) *Client {
				c := s.connect(t, "b", nil)
				c.Close()
				<-c.Done()
				return c
			},
			payload: nil,
			check: func(t *testing.T, err error) {
				assert.True(t, errors.HasReason(err, errors.ReasonConnectionLost))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := tt.arrange(t)

			returned := make(chan struct{})
			got := make(chan error, 1)
			var early atomic.Bool

			c.Request(protocol.CmdListSessions, tt.payload, func(_ protocol.Envelope, err error) {
				select {
				case <-returned:
				case <-time.After(time.Second):
					early.Store(true)
				}
				got <- err
			})
			close(returned)

			select {
			case err := <-got:
				assert.False(t, early.Load(), "continuation ran before Request returned")
				tt.check(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("continuation was never invoked")
			}
		})
	}
}

func TestClient_ReconnectResynchronizes(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, nil)

	sig := &signals{}
	a := s.connect(t, "a", sig)
	b := s.connect(t, "b", nil)

	snap, err := a.CreateSession(ctx, protocol.Settings{})
	require.NoError(t, err)
	_, err = b.JoinSession(ctx, snap.SessionID)
	require.NoError(t, err)

	drop(a)

	require.Eventually(t, func() bool {
		names := sig.names()
		return len(names) > 0 && names[len(names)-1] == SignalReconnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []Signal{SignalConnected, SignalConnectionLost, SignalReconnected}, sig.names())
	assert.NoError(t, sig.last().Err)
	assert.Equal(t, snap.SessionID, a.Session())

	require.Eventually(t, sameAsServer(t, s, a), time.Second, 10*time.Millisecond)
	require.Eventually(t, sameAsServer(t, s, b), time.Second, 10*time.Millisecond)

	// still a member with a working connection
	require.NoError(t, a.SendChat(ctx, snap.SessionID, "back"))
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	s := newServer(t, nil)
	sig := &signals{}
	a := s.connect(t, "a", sig)

	s.srv.Close()
	drop(a)

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client kept reconnecting")
	}

	assert.Equal(t, []Signal{SignalConnected, SignalConnectionLost, SignalReconnectFailed}, sig.names())

	err := a.Do(context.Background(), protocol.CmdListSessions, nil, nil)
	assert.True(t, errors.HasReason(err, errors.ReasonConnectionLost))
}

func TestClient_Close(t *testing.T) {
	s := newServer(t, nil)
	sig := &signals{}
	a := s.connect(t, "a", sig)

	a.Close()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish")
	}
	assert.Equal(t, []Signal{SignalConnected, SignalDisconnected}, sig.names())
}

func TestDial_Failures(t *testing.T) {
	t.Run("rejected credential", func(t *testing.T) {
		s := newServer(t, identity.NewJWTVerifier("secret"))

		sig := &signals{}
		_, err := Dial(context.Background(), Config{
			URL:       s.wsURL(),
			Identity:  protocol.Authenticate{PlayerID: "a", Token: "forged"},
			Lifecycle: sig.record,
		})
		assert.Equal(t, errors.CodeUnauthenticated, errors.Convert(err).Code)
		assert.Equal(t, []Signal{SignalFailed}, sig.names())
	})

	t.Run("accepted credential", func(t *testing.T) {
		v := identity.NewJWTVerifier("secret")
		s := newServer(t, v)

		token, err := v.Sign(domain.Profile{PlayerID: "a", Name: "Alice"}, time.Hour)
		require.NoError(t, err)

		c, err := Dial(context.Background(), Config{URL: s.wsURL(), Identity: protocol.Authenticate{Token: token}})
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, "a", c.PlayerID())
	})

	t.Run("handshake timeout", func(t *testing.T) {
		upgrader := websocket.Upgrader{}
		silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			_, _, _ = ws.ReadMessage()
			time.Sleep(time.Second)
		}))
		defer silent.Close()

		sig := &signals{}
		start := time.Now()
		_, err := Dial(context.Background(), Config{
			URL:              "ws" + strings.TrimPrefix(silent.URL, "http"),
			Identity:         protocol.Authenticate{PlayerID: "a"},
			HandshakeTimeout: 100 * time.Millisecond,
			Lifecycle:        sig.record,
		})
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, []Signal{SignalFailed}, sig.names())
	})
}
