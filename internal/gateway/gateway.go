// Package gateway is the server half of the connection manager: it upgrades HTTP requests to
// websockets, authenticates them and routes their commands to the session manager.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/identity"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/session"
	"github.com/Triviape/triviape-sub002/internal/telemetry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeat        = 30 * time.Second
	defaultMissedHeartbeats = 2

	writeWait      = 10 * time.Second
	commandTimeout = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type Config struct {
	Hub      *Hub
	Sessions *session.Manager
	Auth     identity.Authenticator

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many heartbeat intervals may pass without any frame from the
	// client before its players are marked disconnected.
	MissedHeartbeats int
	CheckOrigin      func(r *http.Request) bool
}

type Gateway struct {
	hub       *Hub
	sessions  *session.Manager
	auth      identity.Authenticator
	handshake time.Duration
	heartbeat time.Duration
	missed    int
	upgrader  websocket.Upgrader
}

func New(c Config) *Gateway {
	g := &Gateway{
		hub:       c.Hub,
		sessions:  c.Sessions,
		auth:      c.Auth,
		handshake: c.HandshakeTimeout,
		heartbeat: c.HeartbeatInterval,
		missed:    c.MissedHeartbeats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
	}

	if g.auth == nil {
		g.auth = identity.Opaque{}
	}
	if g.handshake <= 0 {
		g.handshake = defaultHandshakeTimeout
	}
	if g.heartbeat <= 0 {
		g.heartbeat = defaultHeartbeat
	}
	if g.missed <= 0 {
		g.missed = defaultMissedHeartbeats
	}
	if g.upgrader.CheckOrigin == nil {
		g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "gateway: upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	p, err := g.authenticate(r.Context(), ws)
	if err != nil {
		slog.InfoContext(r.Context(), "gateway: handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.Close()
		return
	}

	c := newConn(ws, p)
	if old := g.hub.register(c); old != nil {
		c.adopt(old)
		old.close()
		slog.InfoContext(r.Context(), "gateway: connection replaced", "player", p.PlayerID)
	}
	telemetry.ConnectionsOpen.Inc()
	slog.InfoContext(r.Context(), "gateway: player connected", "player", p.PlayerID)

	go c.writePump(g.heartbeat)
	g.readPump(c)
}

// authenticate runs the handshake: the first message must be an authenticate command and it
// must arrive before the handshake timeout.
func (g *Gateway) authenticate(ctx context.Context, ws *websocket.Conn) (domain.Profile, error) {
	_ = ws.SetReadDeadline(time.Now().Add(g.handshake))

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return domain.Profile{}, fmt.Errorf("read handshake: %w", err)
	}

	reject := func(err error) (domain.Profile, error) {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(protocol.ErrorEnvelope(env.CorrelationID, err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errors.ReasonUnauthenticated),
			time.Now().Add(writeWait))
		return domain.Profile{}, err
	}

	if env.EventName != protocol.CmdAuthenticate {
		return reject(errors.Rejected(errors.CodeUnauthenticated, errors.ReasonUnauthenticated,
			"expected %s, got %q", protocol.CmdAuthenticate, env.EventName))
	}

	var req protocol.Authenticate
	if err := env.Decode(&req); err != nil {
		return reject(err)
	}

	p, err := g.auth.Authenticate(ctx, req)
	if err != nil {
		return reject(err)
	}

	ack, err := protocol.AckEnvelope(env.CorrelationID, protocol.Authenticated{PlayerID: p.PlayerID, Name: p.Name})
	if err != nil {
		return reject(errors.Internal(err))
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(ack); err != nil {
		return domain.Profile{}, fmt.Errorf("write handshake ack: %w", err)
	}

	return p, nil
}

func (g *Gateway) readPump(c *conn) {
	defer g.release(c)

	wait := g.heartbeat * time.Duration(g.missed)
	extend := func() { _ = c.ws.SetReadDeadline(time.Now().Add(wait)) }
	extend()

	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		extend()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if stderrors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("gateway: connection lost", "player", c.profile.PlayerID, "error", err)
			}
			return
		}
		extend()

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.reply(protocol.ErrorEnvelope("", errors.Rejected(errors.CodeInvalidArgument, errors.ReasonInvalidPayload,
				"malformed envelope: %v", err)))
			continue
		}

		g.dispatch(c, env)
	}
}

// release reports the player as disconnected from every session the connection joined, unless a
// newer connection already took over.
func (g *Gateway) release(c *conn) {
	c.close()
	telemetry.ConnectionsOpen.Dec()

	if !g.hub.unregister(c) {
		return
	}

	pid := c.profile.PlayerID
	slog.Info("gateway: player disconnected", "player", pid)

	for _, sid := range c.joined() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := g.sessions.Disconnect(ctx, sid, pid)
		cancel()

		if err != nil && !errors.HasReason(err, errors.ReasonSessionNotFound) && !errors.HasReason(err, errors.ReasonNotInSession) {
			slog.Warn("gateway: report disconnect failed", "player", pid, "session", sid, "error", err)
		}
	}
}

func (g *Gateway) dispatch(c *conn, env protocol.Envelope) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	command, outcome := env.EventName, "ok"

	payload, err := g.handle(ctx, c, env)
	if err == nil {
		var ack protocol.Envelope
		ack, err = protocol.AckEnvelope(env.CorrelationID, payload)
		if err == nil {
			c.reply(ack)
		}
	}

	if err != nil {
		e := errors.Convert(err)
		outcome = e.Reason
		if outcome == "" {
			outcome = "error"
		}
		if e.Reason == errors.ReasonUnknownCommand {
			command = "unknown"
		}
		if e.Code == errors.CodeInternal {
			slog.ErrorContext(ctx, "gateway: command failed", "command", env.EventName, "player", c.profile.PlayerID, "error", err)
		}
		c.reply(protocol.ErrorEnvelope(env.CorrelationID, err))
	}

	telemetry.CommandDuration.WithLabelValues(command, outcome).Observe(time.Since(start).Seconds())
}

func (g *Gateway) handle(ctx context.Context, c *conn, env protocol.Envelope) (any, error) {
	pid := c.profile.PlayerID

	switch env.EventName {
	case protocol.CmdAuthenticate:
		return nil, errors.Rejected(errors.CodeFailedPrecondition, errors.ReasonInvalidState, "already authenticated")

	case protocol.CmdCreateSession:
		req, err := decode[protocol.CreateSession](env)
		if err != nil {
			return nil, err
		}
		snap, err := g.sessions.Create(ctx, session.CreateRequest{Host: c.profile, Settings: req.Settings})
		if err != nil {
			return nil, err
		}
		c.join(snap.SessionID)
		return snap, nil

	case protocol.CmdJoinSession:
		req, err := decode[protocol.SessionRef](env)
		if err != nil {
			return nil, err
		}
		snap, err := g.sessions.Join(ctx, session.JoinRequest{SessionID: req.SessionID, Player: c.profile})
		if err != nil {
			return nil, err
		}
		c.join(snap.SessionID)
		return snap, nil

	case protocol.CmdLeaveSession:
		req, err := decode[protocol.SessionRef](env)
		if err != nil {
			return nil, err
		}
		if err := g.sessions.Leave(ctx, req.SessionID, pid); err != nil {
			return nil, err
		}
		c.leave(req.SessionID)
		return nil, nil

	case protocol.CmdSetReady:
		req, err := decode[protocol.SetReady](env)
		if err != nil {
			return nil, err
		}
		return nil, g.sessions.SetReady(ctx, session.SetReadyRequest{SessionID: req.SessionID, PlayerID: pid, Ready: req.Ready})

	case protocol.CmdStartGame:
		req, err := decode[protocol.StartGame](env)
		if err != nil {
			return nil, err
		}
		return nil, g.sessions.Start(ctx, session.StartRequest{SessionID: req.SessionID, PlayerID: pid, Force: req.Force})

	case protocol.CmdSubmitAnswer:
		req, err := decode[protocol.SubmitAnswer](env)
		if err != nil {
			return nil, err
		}
		sub, err := g.sessions.Submit(ctx, session.SubmitRequest{
			SessionID:  req.SessionID,
			PlayerID:   pid,
			QuestionID: req.QuestionID,
			Answer:     req.Answer,
		})
		if err != nil {
			return nil, err
		}
		return protocol.AnswerAccepted{QuestionID: sub.QuestionID, TimeSpentMs: sub.TimeSpent.Milliseconds()}, nil

	case protocol.CmdSendChat:
		req, err := decode[protocol.SendChat](env)
		if err != nil {
			return nil, err
		}
		return nil, g.sessions.Chat(ctx, session.ChatRequest{SessionID: req.SessionID, PlayerID: pid, Text: req.Text})

	case protocol.CmdPauseGame:
		req, err := decode[protocol.SessionRef](env)
		if err != nil {
			return nil, err
		}
		return nil, g.sessions.Pause(ctx, req.SessionID, pid)

	case protocol.CmdResumeGame:
		req, err := decode[protocol.SessionRef](env)
		if err != nil {
			return nil, err
		}
		return nil, g.sessions.Resume(ctx, req.SessionID, pid)

	case protocol.CmdSyncState:
		req, err := decode[protocol.SessionRef](env)
		if err != nil {
			return nil, err
		}
		return g.sessions.Snapshot(ctx, session.SnapshotRequest{SessionID: req.SessionID, PlayerID: pid})

	case protocol.CmdListSessions:
		return protocol.SessionList{Sessions: g.sessions.List(ctx, session.ListRequest{})}, nil

	default:
		return nil, errors.Rejected(errors.CodeInvalidArgument, errors.ReasonUnknownCommand,
			"unknown command %q", env.EventName)
	}
}

func decode[T any](env protocol.Envelope) (T, error) {
	var v T
	err := env.Decode(&v)
	return v, err
}
