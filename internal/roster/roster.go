// Package roster keeps the membership of one session: who joined, in which order, who is host,
// who is ready and who is temporarily disconnected.
package roster

import (
	"time"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/errors"
)

// Roster is not safe for concurrent use; the owning session serializes access.
type Roster struct {
	max     int
	players map[string]*domain.Player
	order   []string
	seq     int
}

func New(maxPlayers int) *Roster {
	return &Roster{
		max:     maxPlayers,
		players: make(map[string]*domain.Player),
	}
}

// Join appends a new player. The first player to join becomes host.
func (r *Roster) Join(p domain.Profile, now time.Time) (domain.Player, error) {
	if _, ok := r.players[p.PlayerID]; ok {
		return domain.Player{}, errors.Rejected(errors.CodeAlreadyExists, errors.ReasonInvalidState,
			"player %s already joined", p.PlayerID)
	}

	if r.max > 0 && len(r.players) >= r.max {
		return domain.Player{}, errors.Rejected(errors.CodeResourceExhausted, errors.ReasonSessionFull,
			"session is full: max players %d", r.max)
	}

	r.seq++
	pl := &domain.Player{
		PlayerID:     p.PlayerID,
		Name:         p.Name,
		Avatar:       p.Avatar,
		Status:       domain.PlayerWaiting,
		IsHost:       len(r.players) == 0,
		JoinSeq:      r.seq,
		JoinedAt:     now,
		LastActivity: now,
	}
	r.players[p.PlayerID] = pl
	r.order = append(r.order, p.PlayerID)

	return *pl, nil
}

// Leave removes a player. When the removed player was host, host is promoted to the
// longest-tenured remaining player; newHost is empty if nobody was promoted.
func (r *Roster) Leave(playerID string) (removed domain.Player, newHost string, err error) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, "", notInSession(playerID)
	}

	removed = *p
	delete(r.players, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if removed.IsHost {
		newHost, _ = r.PromoteHost()
	}

	return removed, newHost, nil
}

// MarkDisconnected keeps the seat but flips the status, remembering the previous one.
func (r *Roster) MarkDisconnected(playerID string, now time.Time) (domain.Player, error) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, notInSession(playerID)
	}

	if p.Status != domain.PlayerDisconnected {
		p.PrevStatus = p.Status
		p.Status = domain.PlayerDisconnected
		p.DisconnectedAt = now
	}

	return *p, nil
}

// Reconnect restores the status a player had before disconnecting.
func (r *Roster) Reconnect(playerID string, now time.Time) (domain.Player, error) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, notInSession(playerID)
	}

	if p.Status == domain.PlayerDisconnected {
		p.Status = p.PrevStatus
		p.PrevStatus = ""
		p.DisconnectedAt = time.Time{}
	}
	p.LastActivity = now

	return *p, nil
}

// PromoteHost hands the host role to the longest-tenured player, preferring connected ones.
func (r *Roster) PromoteHost() (string, bool) {
	if len(r.order) == 0 {
		return "", false
	}

	candidate := ""
	for _, id := range r.order {
		if r.players[id].Status != domain.PlayerDisconnected {
			candidate = id
			break
		}
	}
	if candidate == "" {
		candidate = r.order[0]
	}

	for _, p := range r.players {
		p.IsHost = p.PlayerID == candidate
	}

	return candidate, true
}

func (r *Roster) SetReady(playerID string, ready bool) (domain.Player, error) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, notInSession(playerID)
	}

	p.IsReady = ready
	if p.Status != domain.PlayerDisconnected {
		p.Status = domain.PlayerWaiting
		if ready {
			p.Status = domain.PlayerReady
		}
	} else {
		p.PrevStatus = domain.PlayerWaiting
		if ready {
			p.PrevStatus = domain.PlayerReady
		}
	}

	return *p, nil
}

// Update applies fn to the stored player.
func (r *Roster) Update(playerID string, fn func(p *domain.Player)) (domain.Player, error) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, notInSession(playerID)
	}

	fn(p)
	return *p, nil
}

// SetStatus moves every connected player to status; disconnected players resume into it.
func (r *Roster) SetStatus(s domain.PlayerStatus) {
	for _, p := range r.players {
		if p.Status == domain.PlayerDisconnected {
			p.PrevStatus = s
			continue
		}
		p.Status = s
	}
}

func (r *Roster) Get(playerID string) (domain.Player, bool) {
	p, ok := r.players[playerID]
	if !ok {
		return domain.Player{}, false
	}
	return *p, true
}

func (r *Roster) Has(playerID string) bool {
	_, ok := r.players[playerID]
	return ok
}

// Players returns a copy of the roster in join order.
func (r *Roster) Players() []domain.Player {
	out := make([]domain.Player, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.players[id])
	}
	return out
}

func (r *Roster) IDs() []string {
	return append([]string(nil), r.order...)
}

func (r *Roster) Len() int {
	return len(r.order)
}

// Connected counts players that are not disconnected.
func (r *Roster) Connected() int {
	n := 0
	for _, p := range r.players {
		if p.Status != domain.PlayerDisconnected {
			n++
		}
	}
	return n
}

func (r *Roster) Host() string {
	for _, p := range r.players {
		if p.IsHost {
			return p.PlayerID
		}
	}
	return ""
}

// AllReady reports whether every connected player other than the host is ready.
func (r *Roster) AllReady() bool {
	for _, p := range r.players {
		if p.IsHost || p.Status == domain.PlayerDisconnected {
			continue
		}
		if !p.IsReady {
			return false
		}
	}
	return true
}

func (r *Roster) Max() int {
	return r.max
}

func notInSession(playerID string) error {
	return errors.Rejected(errors.CodeNotFound, errors.ReasonNotInSession, "player %s is not in the session", playerID)
}
