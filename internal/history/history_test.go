package history_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/event"
	"github.com/Triviape/triviape-sub002/internal/history"
)

type memStore struct {
	mu      sync.Mutex
	records []history.Record
	err     error
}

func (s *memStore) Save(_ context.Context, r history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) saved() []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Record(nil), s.records...)
}

func result(state domain.SessionState) domain.Result {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Result{
		Session: domain.Session{
			SessionID:   "s1",
			HostID:      "a",
			State:       state,
			Questions:   []domain.Question{{QuestionID: "q1"}, {QuestionID: "q2"}},
			CreatedAt:   now,
			StartedAt:   now.Add(time.Minute),
			CompletedAt: now.Add(3 * time.Minute),
		},
		Rankings: []domain.PlayerRanking{
			{PlayerID: "a", Name: "A", Position: 1, Score: 240, Accuracy: 1, AverageResponseTime: 2500 * time.Millisecond},
			{PlayerID: "b", Name: "B", Position: 2, Score: 0},
		},
		Statistics: domain.GameStatistics{
			SessionID:        "s1",
			TotalPlayers:     2,
			TotalQuestions:   2,
			AverageScore:     120,
			CompletionRate:   0.5,
			CategoryAccuracy: map[string]float64{"science": 0.5},
			Duration:         2 * time.Minute,
		},
	}
}

func TestService_Archive(t *testing.T) {
	tests := map[string]struct {
		state domain.SessionState
		want  int
	}{
		"completed session is archived":   {state: domain.SessionCompleted, want: 1},
		"cancelled session is not stored": {state: domain.SessionCancelled, want: 0},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			eb := event.NewBus()
			st := &memStore{}
			history.NewService(history.Config{EventBus: eb, Stores: []history.Store{st}})

			eb.Publish(context.Background(), domain.EventSessionEnded{Result: result(tt.state)})
			eb.Stop()

			assert.Len(t, st.saved(), tt.want)
		})
	}
}

func TestService_ArchiveRecord(t *testing.T) {
	st := &memStore{}
	s := history.NewService(history.Config{EventBus: event.NewBus(), Stores: []history.Store{st}})

	require.NoError(t, s.Archive(context.Background(), result(domain.SessionCompleted)))

	saved := st.saved()
	require.Len(t, saved, 1)
	rec := saved[0]
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, []string{"q1", "q2"}, rec.Questions)
	assert.Equal(t, int64(2500), rec.Rankings[0].AverageResponseTimeMs)
	assert.Equal(t, int64(120000), rec.Statistics.DurationMs)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"completedAt":"2024-05-01T10:03:00Z"`)
}

func TestService_ArchiveReportsEveryFailingStore(t *testing.T) {
	ok := &memStore{}
	s := history.NewService(history.Config{
		EventBus: event.NewBus(),
		Stores: []history.Store{
			&memStore{err: errors.New("postgres down")},
			ok,
			&memStore{err: errors.New("nats down")},
		},
	})

	err := s.Archive(context.Background(), result(domain.SessionCompleted))
	require.Error(t, err)
	assert.ErrorContains(t, err, "postgres down")
	assert.ErrorContains(t, err, "nats down")
	assert.Len(t, ok.saved(), 1)
}
