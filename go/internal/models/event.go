package models

import "time"

// EventType identifies a room state transition pushed to clients.
type EventType string

const (
	EventUserJoined    EventType = "userJoined"
	EventUserVoted     EventType = "userVoted"
	EventUserLeft      EventType = "userLeft"
	EventVotesRevealed EventType = "votesRevealed"
	EventVotesReset    EventType = "votesReset"
)

// IncludesHistory reports whether clients expect the round history with this event.
func (t EventType) IncludesHistory() bool {
	return t == EventUserJoined || t == EventVotesRevealed
}

// RoomEvent is emitted by a room coordinator after a transition has been applied.
type RoomEvent struct {
	Type       EventType          `json:"type"`
	RoomID     string             `json:"roomId"`
	State      RoomState          `json:"state"`
	Round      *RoundHistoryEntry `json:"round,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}
