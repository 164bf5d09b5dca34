package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher streams completed sessions on a subject for downstream consumers.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

func (p *NATSPublisher) Save(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header: nats.Header{
			// lets a JetStream stream on the subject drop duplicates
			"Nats-Msg-Id": []string{r.SessionID},
		},
	}

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish %s: %w", p.subject, err)
	}

	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}

	return nil
}
