// Package protocol defines the JSON wire contract shared by the gateway and the client library.
//
// Every message is an Envelope. Commands carry a correlation id and receive exactly one reply
// (NameAck or NameError) with the same id. Broadcast events omit the correlation id.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Triviape/triviape-sub002/internal/errors"
)

type Envelope struct {
	EventName     string          `json:"eventName"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Commands, client to server.
const (
	CmdAuthenticate  = "authenticate"
	CmdCreateSession = "create-session"
	CmdJoinSession   = "join-session"
	CmdLeaveSession  = "leave-session"
	CmdSetReady      = "set-ready"
	CmdStartGame     = "start-game"
	CmdSubmitAnswer  = "submit-answer"
	CmdSendChat      = "send-chat"
	CmdPauseGame     = "pause-game"
	CmdResumeGame    = "resume-game"
	CmdSyncState     = "sync-state"
	CmdListSessions  = "list-sessions"
)

// Replies.
const (
	NameAck   = "ack"
	NameError = "error"
)

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(name string, payload any, correlationID string) (Envelope, error) {
	env := Envelope{EventName: name, CorrelationID: correlationID}
	if payload == nil {
		return env, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("protocol: marshal %s: %w", name, err)
	}
	env.Payload = b

	return env, nil
}

// EventEnvelope wraps a broadcast event.
func EventEnvelope(e Event) (Envelope, error) {
	return NewEnvelope(e.EventName(), e, "")
}

func AckEnvelope(correlationID string, payload any) (Envelope, error) {
	return NewEnvelope(NameAck, payload, correlationID)
}

// ErrorEnvelope converts err into the wire error payload.
func ErrorEnvelope(correlationID string, err error) Envelope {
	e := errors.Convert(err)
	env, merr := NewEnvelope(NameError, ErrorEvent{Code: e.Code, Reason: e.Reason, Message: e.Message}, correlationID)
	if merr != nil {
		return Envelope{EventName: NameError, CorrelationID: correlationID}
	}
	return env
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Rejected(errors.CodeInvalidArgument, errors.ReasonInvalidPayload,
			"invalid %s payload: %v", e.EventName, err)
	}

	return nil
}
