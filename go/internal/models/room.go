package models

import "time"

// Room represents a planning poker room.
type Room struct {
	ID           string    `json:"id"`
	Revealed     bool      `json:"revealed"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// RoomState is the view of a room handed to clients. Participants only
// contains members with a live session.
type RoomState struct {
	RoomID       string              `json:"roomId"`
	Participants []Participant       `json:"participants"`
	Revealed     bool                `json:"revealed"`
	RoundHistory []RoundHistoryEntry `json:"roundHistory"`
}
