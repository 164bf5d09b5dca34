// Package history archives completed sessions to the persistent history store.
package history

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

// Record is the archived form of a completed session.
type Record struct {
	SessionID   string              `json:"sessionId"`
	HostID      string              `json:"hostId"`
	Settings    protocol.Settings   `json:"settings"`
	Questions   []string            `json:"questions"`
	CreatedAt   time.Time           `json:"createdAt"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt time.Time           `json:"completedAt"`
	Rankings    []protocol.Ranking  `json:"rankings"`
	Statistics  protocol.Statistics `json:"statistics"`
}

func RecordFrom(r domain.Result) Record {
	qs := make([]string, 0, len(r.Session.Questions))
	for _, q := range r.Session.Questions {
		qs = append(qs, q.QuestionID)
	}

	return Record{
		SessionID:   r.Session.SessionID,
		HostID:      r.Session.HostID,
		Settings:    protocol.SettingsFrom(r.Session.Settings),
		Questions:   qs,
		CreatedAt:   r.Session.CreatedAt,
		StartedAt:   r.Session.StartedAt,
		CompletedAt: r.Session.CompletedAt,
		Rankings:    protocol.RankingsFrom(r.Rankings),
		Statistics:  *protocol.StatisticsFrom(r.Statistics),
	}
}

// Store receives every completed session once. Saving the same session twice must be harmless.
type Store interface {
	Save(ctx context.Context, r Record) error
}

type Config struct {
	EventBus *event.Bus
	Stores   []Store
}

type Service struct {
	stores []Store
}

func NewService(c Config) *Service {
	s := &Service{stores: c.Stores}

	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.Archive(ctx, e.(domain.EventSessionEnded).Result)
	})

	return s
}

// Archive hands a completed session to every store. Cancelled sessions have no statistics and
// are not archived.
func (s *Service) Archive(ctx context.Context, r domain.Result) error {
	if r.Session.State != domain.SessionCompleted {
		return nil
	}

	rec := RecordFrom(r)

	var errs []error
	for _, st := range s.stores {
		if err := st.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if err := stderrors.Join(errs...); err != nil {
		return fmt.Errorf("history: archive session %s: %w", rec.SessionID, err)
	}

	slog.InfoContext(ctx, "history: session archived", "session", rec.SessionID, "stores", len(s.stores))
	return nil
}
