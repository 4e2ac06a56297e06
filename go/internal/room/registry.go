package room

import "sort"

// Session binds a live connection to a participant.
type Session struct {
	ConnID        string
	ParticipantID string
	SessionToken  string
}

// Registry maps live connections to participants. It belongs to a single
// coordinator and is not safe for concurrent use.
type Registry struct {
	byConn map[string]Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byConn: make(map[string]Session)}
}

// Attach binds connID to the participant. Any other connection bound to the
// same participant is dropped and returned.
func (r *Registry) Attach(connID, participantID, sessionToken string) []string {
	var replaced []string
	for id, s := range r.byConn {
		if id != connID && s.ParticipantID == participantID {
			delete(r.byConn, id)
			replaced = append(replaced, id)
		}
	}
	r.byConn[connID] = Session{ConnID: connID, ParticipantID: participantID, SessionToken: sessionToken}
	sort.Strings(replaced)
	return replaced
}

// Detach removes the connection. ok is false if it was not bound.
func (r *Registry) Detach(connID string) (Session, bool) {
	s, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
	}
	return s, ok
}

// Lookup returns the session bound to connID.
func (r *Registry) Lookup(connID string) (Session, bool) {
	s, ok := r.byConn[connID]
	return s, ok
}

// IsActive reports whether the participant has a live connection.
func (r *Registry) IsActive(participantID string) bool {
	for _, s := range r.byConn {
		if s.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// ActiveParticipants returns the set of participant ids with a live connection.
func (r *Registry) ActiveParticipants() map[string]struct{} {
	active := make(map[string]struct{}, len(r.byConn))
	for _, s := range r.byConn {
		active[s.ParticipantID] = struct{}{}
	}
	return active
}

// ConnIDs returns every bound connection id in a stable order.
func (r *Registry) ConnIDs() []string {
	ids := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.byConn)
}

// Clear drops every session.
func (r *Registry) Clear() {
	r.byConn = make(map[string]Session)
}
