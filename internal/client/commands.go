package client

import (
	"context"

	"github.com/Triviape/triviape-sub002/internal/protocol"
)

// CreateSession opens a session with this client as host and starts projecting it.
func (c *Client) CreateSession(ctx context.Context, s protocol.Settings) (*protocol.Snapshot, error) {
	return c.snapshot(ctx, protocol.CmdCreateSession, protocol.CreateSession{Settings: s})
}

// JoinSession joins, or rejoins after a reconnect, and resets the projection from the snapshot.
func (c *Client) JoinSession(ctx context.Context, sessionID string) (*protocol.Snapshot, error) {
	return c.snapshot(ctx, protocol.CmdJoinSession, protocol.SessionRef{SessionID: sessionID})
}

// SyncState replaces the projection with the server's current snapshot.
func (c *Client) SyncState(ctx context.Context, sessionID string) (*protocol.Snapshot, error) {
	return c.snapshot(ctx, protocol.CmdSyncState, protocol.SessionRef{SessionID: sessionID})
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	_, err := c.await(ctx, protocol.CmdLeaveSession, protocol.SessionRef{SessionID: sessionID}, func(protocol.Envelope) error {
		c.forget(sessionID)
		return nil
	})
	return err
}

func (c *Client) SetReady(ctx context.Context, sessionID string, ready bool) error {
	return c.Do(ctx, protocol.CmdSetReady, protocol.SetReady{SessionID: sessionID, Ready: ready}, nil)
}

func (c *Client) StartGame(ctx context.Context, sessionID string, force bool) error {
	return c.Do(ctx, protocol.CmdStartGame, protocol.StartGame{SessionID: sessionID, Force: force}, nil)
}

func (c *Client) SubmitAnswer(ctx context.Context, sessionID, questionID, answer string) (*protocol.AnswerAccepted, error) {
	var out protocol.AnswerAccepted
	err := c.Do(ctx, protocol.CmdSubmitAnswer, protocol.SubmitAnswer{
		SessionID:  sessionID,
		QuestionID: questionID,
		Answer:     answer,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendChat(ctx context.Context, sessionID, text string) error {
	return c.Do(ctx, protocol.CmdSendChat, protocol.SendChat{SessionID: sessionID, Text: text}, nil)
}

func (c *Client) PauseGame(ctx context.Context, sessionID string) error {
	return c.Do(ctx, protocol.CmdPauseGame, protocol.SessionRef{SessionID: sessionID}, nil)
}

func (c *Client) ResumeGame(ctx context.Context, sessionID string) error {
	return c.Do(ctx, protocol.CmdResumeGame, protocol.SessionRef{SessionID: sessionID}, nil)
}

func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	var out protocol.SessionList
	if err := c.Do(ctx, protocol.CmdListSessions, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// snapshot applies the acknowledged snapshot on the read goroutine, before any event that
// follows it is delivered.
func (c *Client) snapshot(ctx context.Context, name string, payload any) (*protocol.Snapshot, error) {
	var snap protocol.Snapshot
	_, err := c.await(ctx, name, payload, func(env protocol.Envelope) error {
		if err := env.Decode(&snap); err != nil {
			return err
		}

		c.mu.Lock()
		c.session = snap.SessionID
		c.mu.Unlock()
		c.projector.Reset(snap)

		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) forget(sessionID string) {
	c.mu.Lock()
	if c.session != sessionID {
		c.mu.Unlock()
		return
	}
	c.session = ""
	c.mu.Unlock()

	c.projector.Clear()
}
