package client

import (
	"slices"
	"sync"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

const maxChat = 100

// Projector is the client's read-only mirror of one session. It is reset from a snapshot and
// then moved forward by broadcast events.
type Projector struct {
	mu    sync.RWMutex
	state protocol.Snapshot
	set   bool
}

func NewProjector() *Projector {
	return &Projector{}
}

// State returns a copy of the projection and whether one exists.
func (p *Projector) State() (protocol.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.state
	s.Players = slices.Clone(s.Players)
	s.Rankings = slices.Clone(s.Rankings)
	s.Chat = slices.Clone(s.Chat)
	if s.Question != nil {
		q := *s.Question
		s.Question = &q
	}
	return s, p.set
}

func (p *Projector) Reset(s protocol.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = s
	p.set = true
}

func (p *Projector) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = protocol.Snapshot{}
	p.set = false
}

// Apply folds one event into the projection. Events for another session are ignored.
func (p *Projector) Apply(e protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.set {
		return
	}
	s := &p.state

	switch e := e.(type) {
	case protocol.PlayerJoined:
		if e.SessionID == s.SessionID {
			p.upsert(e.Player)
		}

	case protocol.PlayerLeft:
		if e.SessionID != s.SessionID {
			return
		}
		s.Players = slices.DeleteFunc(s.Players, func(pl protocol.Player) bool { return pl.PlayerID == e.PlayerID })
		s.Rankings = slices.DeleteFunc(s.Rankings, func(r protocol.Ranking) bool { return r.PlayerID == e.PlayerID })
		if e.NewHostID != "" {
			s.HostID = e.NewHostID
			p.update(e.NewHostID, func(pl *protocol.Player) { pl.IsHost = true })
		}

	case protocol.PlayerDisconnected:
		if e.SessionID == s.SessionID {
			p.update(e.PlayerID, func(pl *protocol.Player) { pl.Status = string(domain.PlayerDisconnected) })
		}

	case protocol.PlayerReconnected:
		if e.SessionID == s.SessionID {
			p.upsert(e.Player)
		}

	case protocol.PlayerUpdated:
		if e.SessionID == s.SessionID {
			p.upsert(e.Player)
			if e.Player.IsHost {
				s.HostID = e.Player.PlayerID
			}
		}

	case protocol.GameStarting:
		if e.SessionID == s.SessionID {
			s.State = string(domain.SessionStarting)
			s.TotalQuestions = e.TotalQuestions
		}

	case protocol.GameStarted:
		if e.SessionID != s.SessionID {
			return
		}
		s.State = string(domain.SessionActive)
		s.TotalQuestions = e.TotalQuestions
		at := e.StartedAt
		s.StartedAt = &at
		for i := range s.Players {
			if s.Players[i].Status != string(domain.PlayerDisconnected) {
				s.Players[i].Status = string(domain.PlayerPlaying)
			}
		}

	case protocol.GamePaused:
		if e.SessionID == s.SessionID {
			s.State = string(domain.SessionPaused)
			s.RemainingMs = e.RemainingMs
		}

	case protocol.GameResumed:
		if e.SessionID == s.SessionID {
			s.State = string(domain.SessionActive)
			s.RemainingMs = e.RemainingMs
		}

	case protocol.QuestionChanged:
		if e.SessionID != s.SessionID {
			return
		}
		q := e.Question
		s.Question = &q
		s.CurrentIndex = e.Index
		s.TotalQuestions = e.Total
		s.RemainingMs = e.TimeLimitMs

	case protocol.TimerUpdate:
		if e.SessionID == s.SessionID {
			s.RemainingMs = e.RemainingMs
		}

	case protocol.ScoreUpdated:
		if e.SessionID == s.SessionID {
			p.update(e.PlayerID, func(pl *protocol.Player) {
				pl.Score = e.Score
				pl.Streak = e.Streak
				pl.CorrectAnswers = e.CorrectAnswers
				pl.TotalAnswers = e.TotalAnswers
			})
		}

	case protocol.RankingsUpdated:
		if e.SessionID == s.SessionID {
			p.rank(e.Rankings)
		}

	case protocol.AnswerRevealed:
		if e.SessionID != s.SessionID {
			return
		}
		// streaks of players who did not answer were reset
		answered := make(map[string]bool, len(e.Results))
		for _, r := range e.Results {
			answered[r.PlayerID] = true
		}
		for i := range s.Players {
			if !answered[s.Players[i].PlayerID] {
				s.Players[i].Streak = 0
			}
		}

	case protocol.QuestionCompleted:
		if e.SessionID == s.SessionID {
			s.RemainingMs = 0
		}

	case protocol.GameEnded:
		if e.SessionID != s.SessionID {
			return
		}
		s.State = e.State
		s.EndReason = e.Reason
		s.Question = nil
		s.RemainingMs = 0
		s.Statistics = e.Statistics
		p.rank(e.Rankings)
		if e.State == string(domain.SessionCompleted) {
			for i := range s.Players {
				if s.Players[i].Status != string(domain.PlayerDisconnected) {
					s.Players[i].Status = string(domain.PlayerFinished)
				}
			}
		}

	case protocol.ChatMessage:
		if e.SessionID != s.SessionID {
			return
		}
		s.Chat = append(s.Chat, e)
		if len(s.Chat) > maxChat {
			s.Chat = slices.Clone(s.Chat[len(s.Chat)-maxChat:])
		}

	case protocol.AnswerSubmitted, protocol.ErrorEvent:
	}
}

func (p *Projector) upsert(pl protocol.Player) {
	for i := range p.state.Players {
		if p.state.Players[i].PlayerID == pl.PlayerID {
			p.state.Players[i] = pl
			return
		}
	}
	p.state.Players = append(p.state.Players, pl)
}

func (p *Projector) update(playerID string, fn func(pl *protocol.Player)) {
	for i := range p.state.Players {
		if p.state.Players[i].PlayerID == playerID {
			fn(&p.state.Players[i])
			return
		}
	}
}

func (p *Projector) rank(rs []protocol.Ranking) {
	p.state.Rankings = slices.Clone(rs)
	for _, r := range rs {
		p.update(r.PlayerID, func(pl *protocol.Player) {
			pl.Rank = r.Position
			pl.Score = r.Score
			pl.Streak = r.Streak
		})
	}
}
