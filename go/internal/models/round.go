package models

import "time"

// VoteSnapshot is a single participant's pick as recorded at reveal time.
type VoteSnapshot struct {
	Name         string  `json:"name"`
	Vote         *string `json:"vote"`
	SessionToken string  `json:"sessionToken"`
}

// RoundHistoryEntry is an immutable record of one revealed round.
type RoundHistoryEntry struct {
	RoundID          string         `json:"id"`
	Votes            []VoteSnapshot `json:"votes"`
	ParticipantCount int            `json:"participants"`
	WinningCard      string         `json:"winningCard"`
	WinnerName       *string        `json:"winnerName,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}
