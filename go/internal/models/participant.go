package models

import "time"

// Participant is one voting member of a room. SessionToken is supplied by the
// client and stays the same across reconnects from the same browser.
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SessionToken string    `json:"sessionToken"`
	Vote         *string   `json:"vote"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// HasVoted reports whether the participant picked a card this round.
func (p Participant) HasVoted() bool {
	return p.Vote != nil
}
