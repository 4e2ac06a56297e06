package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/store"
	"github.com/mcdev12/planning-poker/go/internal/tally"
)

var errBoom = errors.New("boom")

// memStore is an in-memory Store with switchable failures.
type memStore struct {
	mu           sync.Mutex
	rooms        map[string]models.Room
	participants map[string]map[string]models.Participant
	history      map[string][]models.RoundHistoryEntry

	failParticipant bool
	failHistory     bool
}

func newMemStore() *memStore {
	return &memStore{
		rooms:        make(map[string]models.Room),
		participants: make(map[string]map[string]models.Participant),
		history:      make(map[string][]models.RoundHistoryEntry),
	}
}

func (s *memStore) SaveRoom(_ context.Context, room models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *memStore) LoadRoom(_ context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) SaveParticipant(_ context.Context, roomID string, p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failParticipant {
		return errBoom
	}
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = models.Room{ID: roomID}
	}
	if s.participants[roomID] == nil {
		s.participants[roomID] = make(map[string]models.Participant)
	}
	p.Vote = copyString(p.Vote)
	s.participants[roomID][p.ID] = p
	return nil
}

func (s *memStore) LoadParticipants(_ context.Context, roomID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, 0, len(s.participants[roomID]))
	for _, p := range s.participants[roomID] {
		p.Vote = copyString(p.Vote)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) DeleteInactiveParticipants(_ context.Context, roomID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.participants[roomID] {
		if p.LastSeen.Before(before) {
			delete(s.participants[roomID], id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) AppendRoundHistory(_ context.Context, roomID string, entry models.RoundHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistory {
		return errBoom
	}
	for _, e := range s.history[roomID] {
		if e.RoundID == entry.RoundID {
			return nil
		}
	}
	s.history[roomID] = append([]models.RoundHistoryEntry{entry}, s.history[roomID]...)
	return nil
}

func (s *memStore) LoadRoundHistory(_ context.Context, roomID string) ([]models.RoundHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RoundHistoryEntry{}, s.history[roomID]...), nil
}

func (s *memStore) participant(roomID, token string) (models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[roomID] {
		if p.SessionToken == token {
			return p, true
		}
	}
	return models.Participant{}, false
}

func (s *memStore) setFailParticipant(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failParticipant = v
}

func (s *memStore) setFailHistory(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHistory = v
}

type delivery struct {
	connIDs []string
	event   models.RoomEvent
}

// recorder captures notifications and published events.
type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
	published  []models.RoomEvent
}

func (r *recorder) Notify(connIDs []string, event models.RoomEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{connIDs: append([]string(nil), connIDs...), event: event})
}

func (r *recorder) Publish(_ context.Context, event models.RoomEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, event)
	return nil
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.event.Type)
	}
	return out
}

func (r *recorder) publishedTypes() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.published))
	for _, e := range r.published {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[len(r.deliveries)-1]
}

// stalledPublisher blocks every Publish until released or its context ends.
type stalledPublisher struct {
	release chan struct{}
	calls   atomic.Int32
}

func newStalledPublisher(t *testing.T) *stalledPublisher {
	p := &stalledPublisher{release: make(chan struct{})}
	t.Cleanup(func() { close(p.release) })
	return p
}

func (p *stalledPublisher) Publish(ctx context.Context, _ models.RoomEvent) error {
	p.calls.Add(1)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	store *memStore
	rec   *recorder
	clock *clockwork.FakeClock
	mgr   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, DefaultConfig())
}

// newHarnessWith builds a harness whose events go to pub instead of the
// recorder when pub is non-nil.
func newHarnessWith(t *testing.T, pub Publisher, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		rec:   &recorder{},
		clock: clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	ids := []string{"calm-river-11", "calm-river-11", "bold-wolf-22"}
	next := 0
	if pub == nil {
		pub = h.rec
	}
	h.mgr = NewManager(Deps{
		Store:     h.store,
		Notifier:  h.rec,
		Publisher: pub,
		Strategy:  tally.NewMajority(tally.DefaultPolicy()),
		Clock:     h.clock,
		NewRoomID: func() string {
			id := ids[next%len(ids)]
			next++
			return id
		},
	}, cfg)
	t.Cleanup(h.mgr.Shutdown)
	return h
}

func (h *harness) seedRoom(t *testing.T, roomID string) {
	t.Helper()
	now := h.clock.Now()
	if err := h.store.SaveRoom(context.Background(), models.Room{ID: roomID, CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatalf("seed room: %v", err)
	}
}

func (h *harness) join(t *testing.T, roomID, connID, token, name string) models.RoomState {
	t.Helper()
	state, err := h.mgr.Join(context.Background(), roomID, connID, token, name)
	if err != nil {
		t.Fatalf("join %s/%s: %v", token, name, err)
	}
	return state
}

func (h *harness) vote(t *testing.T, roomID, connID, value string) {
	t.Helper()
	if err := h.mgr.Vote(context.Background(), roomID, connID, value); err != nil {
		t.Fatalf("vote: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func participantByName(state models.RoomState, name string) (models.Participant, bool) {
	for _, p := range state.Participants {
		if p.Name == name {
			return p, true
		}
	}
	return models.Participant{}, false
}
