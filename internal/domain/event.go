package domain

const (
	EventNameSessionEnded       = "session.ended"
	EventNameRankingsUpdated    = "rankings.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventSessionEnded is published once when a session reaches a terminal state.
type EventSessionEnded struct {
	Result Result
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventRankingsUpdated struct {
	SessionID string
	// Version grows by one with every rankings change of the session, starting at 1.
	Version  uint64
	Rankings []PlayerRanking
}

func (EventRankingsUpdated) Name() string { return EventNameRankingsUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Leaderboard is the external mirror of a session's standings, sorted by score descending.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	PlayerID string
	Score    float64
}
