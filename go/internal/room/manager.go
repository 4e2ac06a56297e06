package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/roomid"
	"github.com/mcdev12/planning-poker/go/internal/store"
	"github.com/mcdev12/planning-poker/go/internal/tally"
)

const maxRoomIDAttempts = 5

// Manager routes operations to the single coordinator for each room id,
// starting one on demand. Coordinators remove themselves once evicted.
type Manager struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	rooms  map[string]*Coordinator
	closed bool
}

// NewManager creates a manager. Missing clock, strategy and id generator get defaults.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Strategy == nil {
		deps.Strategy = tally.NewMajority(tally.DefaultPolicy())
	}
	if deps.NewRoomID == nil {
		deps.NewRoomID = roomid.New
	}
	return &Manager{
		deps:  deps,
		cfg:   cfg,
		rooms: make(map[string]*Coordinator),
	}
}

func (m *Manager) coordinator(roomID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.rooms[roomID]; ok {
		return c, nil
	}
	c := newCoordinator(roomID, m.deps, m.cfg, m.forget)
	m.rooms[roomID] = c
	return c, nil
}

// lookup returns the running coordinator without starting one.
func (m *Manager) lookup(roomID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

func (m *Manager) forget(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[c.roomID] == c {
		delete(m.rooms, c.roomID)
	}
}

// withRoom calls fn on the room's coordinator, retrying on a fresh one if the
// current coordinator was evicted in between.
func (m *Manager) withRoom(ctx context.Context, roomID string, fn func(*Coordinator) error) error {
	for {
		c, err := m.coordinator(roomID)
		if err != nil {
			return err
		}
		err = fn(c)
		if !errors.Is(err, ErrClosed) {
			return err
		}
		m.forget(c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// CreateRoom persists a new room with its creator and returns the room id and
// the creator's session token. A blank token is replaced with a fresh one.
func (m *Manager) CreateRoom(ctx context.Context, name, sessionToken string) (string, string, error) {
	if sessionToken == "" {
		sessionToken = uuid.NewString()
	}

	roomID, err := m.freeRoomID(ctx)
	if err != nil {
		return "", "", err
	}

	now := m.deps.Clock.Now()
	if err := m.deps.Store.SaveRoom(ctx, models.Room{ID: roomID, CreatedAt: now, LastActivity: now}); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	creator := models.Participant{
		ID:           uuid.NewString(),
		Name:         name,
		SessionToken: sessionToken,
		JoinedAt:     now,
		LastSeen:     now,
	}
	if err := m.deps.Store.SaveParticipant(ctx, roomID, creator); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log.Info().
		Str("room_id", roomID).
		Str("participant_id", creator.ID).
		Msg("room created")
	return roomID, sessionToken, nil
}

func (m *Manager) freeRoomID(ctx context.Context) (string, error) {
	for i := 0; i < maxRoomIDAttempts; i++ {
		id := m.deps.NewRoomID()
		_, err := m.deps.Store.LoadRoom(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		log.Debug().Str("room_id", id).Msg("room id collision, retrying")
	}
	return "", fmt.Errorf("no free room id after %d attempts", maxRoomIDAttempts)
}

// Join attaches a connection to a room. See Coordinator.Join.
func (m *Manager) Join(ctx context.Context, roomID, connID, sessionToken, name string) (models.RoomState, error) {
	var state models.RoomState
	err := m.withRoom(ctx, roomID, func(c *Coordinator) error {
		var err error
		state, err = c.Join(ctx, connID, sessionToken, name)
		return err
	})
	return state, err
}

// Vote records a vote for the participant bound to connID.
func (m *Manager) Vote(ctx context.Context, roomID, connID, value string) error {
	return m.withRoom(ctx, roomID, func(c *Coordinator) error {
		return c.Vote(ctx, connID, value)
	})
}

// Reveal reveals the room's votes. ignored reports an already revealed room.
func (m *Manager) Reveal(ctx context.Context, roomID, roundLabel string) (bool, error) {
	var ignored bool
	err := m.withRoom(ctx, roomID, func(c *Coordinator) error {
		var err error
		ignored, err = c.Reveal(ctx, roundLabel)
		return err
	})
	return ignored, err
}

// Reset clears the room's votes.
func (m *Manager) Reset(ctx context.Context, roomID string) error {
	return m.withRoom(ctx, roomID, func(c *Coordinator) error {
		return c.Reset(ctx)
	})
}

// Disconnect drops connID from the room. A room without a running coordinator
// has no sessions, so nothing is started for it.
func (m *Manager) Disconnect(ctx context.Context, roomID, connID string) error {
	c := m.lookup(roomID)
	if c == nil {
		return nil
	}
	err := c.Disconnect(ctx, connID)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// RoomState returns the room view with history, loading the room if needed.
func (m *Manager) RoomState(ctx context.Context, roomID string) (models.RoomState, error) {
	var state models.RoomState
	err := m.withRoom(ctx, roomID, func(c *Coordinator) error {
		var err error
		state, err = c.State(ctx)
		return err
	})
	return state, err
}

// Len returns the number of rooms held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops every coordinator. Further operations return ErrClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	coordinators := make([]*Coordinator, 0, len(m.rooms))
	for _, c := range m.rooms {
		coordinators = append(coordinators, c)
	}
	m.rooms = make(map[string]*Coordinator)
	m.mu.Unlock()

	for _, c := range coordinators {
		c.Stop()
	}
	log.Info().Int("rooms", len(coordinators)).Msg("room manager stopped")
}
