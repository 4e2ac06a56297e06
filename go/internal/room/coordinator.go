// Package room owns the live state of planning poker rooms. Each room is
// served by one Coordinator goroutine that applies every operation in order.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/store"
	"github.com/mcdev12/planning-poker/go/internal/tally"
)

// Store is the persistence the coordinator writes through to.
type Store interface {
	SaveRoom(ctx context.Context, room models.Room) error
	LoadRoom(ctx context.Context, roomID string) (*models.Room, error)
	SaveParticipant(ctx context.Context, roomID string, p models.Participant) error
	LoadParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	DeleteInactiveParticipants(ctx context.Context, roomID string, before time.Time) (int64, error)
	AppendRoundHistory(ctx context.Context, roomID string, entry models.RoundHistoryEntry) error
	LoadRoundHistory(ctx context.Context, roomID string) ([]models.RoundHistoryEntry, error)
}

// Notifier delivers an event to the given connections. Implementations must
// not block and must preserve per-connection ordering.
type Notifier interface {
	Notify(connIDs []string, event models.RoomEvent)
}

// Publisher forwards applied room events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event models.RoomEvent) error
}

// Config tunes coordinator timing.
type Config struct {
	GracePeriod    time.Duration // how long an empty room stays in memory
	ParticipantTTL time.Duration // participants unseen this long are dropped on cold load; 0 disables
	PublishTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:    5 * time.Second,
		ParticipantTTL: store.DefaultParticipantTTL,
		PublishTimeout: 2 * time.Second,
	}
}

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	Store     Store
	Notifier  Notifier
	Publisher Publisher
	Strategy  tally.Strategy
	Clock     clockwork.Clock
	NewRoomID func() string
}

// publishQueueSize bounds the events waiting for the Publisher. Events beyond
// it are dropped with a warning.
const publishQueueSize = 64

type op struct {
	fn   func()
	done chan struct{}
}

// Coordinator is the single writer for one room. All fields below the
// channels are owned by the run goroutine.
type Coordinator struct {
	roomID  string
	deps    Deps
	cfg     Config
	onEvict func(*Coordinator)

	ops      chan op
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	loaded       bool
	closed       bool
	room         models.Room
	participants []*models.Participant
	sessions     *Registry

	graceCancel chan struct{}
	graceGen    uint64

	published chan models.RoomEvent
}

func newCoordinator(roomID string, deps Deps, cfg Config, onEvict func(*Coordinator)) *Coordinator {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Strategy == nil {
		deps.Strategy = tally.NewMajority(tally.DefaultPolicy())
	}
	c := &Coordinator{
		roomID:   roomID,
		deps:     deps,
		cfg:      cfg,
		onEvict:  onEvict,
		ops:      make(chan op),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: NewRegistry(),
	}
	if deps.Publisher != nil {
		c.published = make(chan models.RoomEvent, publishQueueSize)
		go c.publishLoop()
	}
	go c.run()
	return c
}

// RoomID returns the id of the room this coordinator serves.
func (c *Coordinator) RoomID() string {
	return c.roomID
}

// Done is closed once the coordinator has stopped accepting operations.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Stop shuts the coordinator down and waits for the current operation to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.stopped
}

func (c *Coordinator) run() {
	defer func() {
		if c.published != nil {
			close(c.published)
		}
		close(c.stopped)
	}()
	for {
		select {
		case o := <-c.ops:
			o.fn()
			c.settle()
			close(o.done)
			if c.closed {
				return
			}
		case <-c.quit:
			c.cancelGrace()
			c.closed = true
			return
		}
	}
}

// submit runs fn on the coordinator goroutine and waits for it to finish.
func (c *Coordinator) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- op{fn: fn, done: done}:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// settle runs after every operation and decides whether the room should stay in memory.
func (c *Coordinator) settle() {
	if c.closed {
		return
	}
	if c.sessions.Len() > 0 {
		c.cancelGrace()
		return
	}
	if !c.loaded {
		c.close()
		return
	}
	if c.graceCancel == nil {
		c.armGrace()
	}
}

func (c *Coordinator) armGrace() {
	c.graceGen++
	gen := c.graceGen
	cancel := make(chan struct{})
	c.graceCancel = cancel

	timer := c.deps.Clock.NewTimer(c.cfg.GracePeriod)
	go func() {
		select {
		case <-timer.Chan():
			_ = c.submit(context.Background(), func() { c.expire(gen) })
		case <-cancel:
			stopAndDrainTimer(timer)
		case <-c.stopped:
			stopAndDrainTimer(timer)
		}
	}()

	log.Debug().
		Str("room_id", c.roomID).
		Dur("grace_period", c.cfg.GracePeriod).
		Msg("room empty, grace period started")
}

func (c *Coordinator) cancelGrace() {
	if c.graceCancel == nil {
		return
	}
	close(c.graceCancel)
	c.graceCancel = nil
	log.Debug().Str("room_id", c.roomID).Msg("grace period cancelled")
}

func (c *Coordinator) expire(gen uint64) {
	if gen != c.graceGen || c.graceCancel == nil || c.sessions.Len() > 0 {
		return
	}
	c.graceCancel = nil
	log.Info().Str("room_id", c.roomID).Msg("room evicted after grace period")
	c.close()
}

// close drops the in-memory snapshot. Persisted rows are untouched.
func (c *Coordinator) close() {
	c.closed = true
	c.loaded = false
	c.participants = nil
	c.sessions.Clear()
	if c.onEvict != nil {
		c.onEvict(c)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// ---------- Operations ----------

// Join attaches connID to the participant holding sessionToken, creating the
// participant if the token is new. The updated state is broadcast to every
// session in the room, including the joiner.
func (c *Coordinator) Join(ctx context.Context, connID, sessionToken, name string) (models.RoomState, error) {
	var (
		state models.RoomState
		err   error
	)
	if serr := c.submit(ctx, func() { state, err = c.join(ctx, connID, sessionToken, name) }); serr != nil {
		return models.RoomState{}, serr
	}
	return state, err
}

func (c *Coordinator) join(ctx context.Context, connID, sessionToken, name string) (models.RoomState, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return models.RoomState{}, err
	}

	now := c.deps.Clock.Now()
	p := c.byToken(sessionToken)
	created := p == nil
	var prev models.Participant

	if created {
		if c.nameActive(name) {
			return models.RoomState{}, ErrNameTaken
		}
		p = &models.Participant{
			ID:           uuid.NewString(),
			Name:         name,
			SessionToken: sessionToken,
			JoinedAt:     now,
			LastSeen:     now,
		}
		c.participants = append(c.participants, p)
	} else {
		prev = *p
		p.LastSeen = now
	}

	if err := c.deps.Store.SaveParticipant(ctx, c.roomID, *p); err != nil {
		if created {
			c.participants = c.participants[:len(c.participants)-1]
		} else {
			*p = prev
		}
		return models.RoomState{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if replaced := c.sessions.Attach(connID, p.ID, sessionToken); len(replaced) > 0 {
		log.Debug().
			Str("room_id", c.roomID).
			Str("participant_id", p.ID).
			Strs("replaced_connections", replaced).
			Msg("session replaced by newer connection")
	}
	c.cancelGrace()

	log.Info().
		Str("room_id", c.roomID).
		Str("participant_id", p.ID).
		Str("connection_id", connID).
		Bool("reconnect", !created).
		Msg("participant joined")

	state := c.snapshot(c.history(ctx))
	c.broadcast(models.EventUserJoined, state, nil)
	return state, nil
}

// Vote records value for the participant bound to connID. Unknown connections are ignored.
func (c *Coordinator) Vote(ctx context.Context, connID, value string) error {
	var err error
	if serr := c.submit(ctx, func() { err = c.vote(ctx, connID, value) }); serr != nil {
		return serr
	}
	return err
}

func (c *Coordinator) vote(ctx context.Context, connID, value string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	s, ok := c.sessions.Lookup(connID)
	if !ok {
		return nil
	}
	p := c.byID(s.ParticipantID)
	if p == nil {
		return nil
	}

	prevVote, prevSeen := p.Vote, p.LastSeen
	if value == "" {
		p.Vote = nil
	} else {
		v := value
		p.Vote = &v
	}
	p.LastSeen = c.deps.Clock.Now()

	if err := c.deps.Store.SaveParticipant(ctx, c.roomID, *p); err != nil {
		p.Vote, p.LastSeen = prevVote, prevSeen
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.broadcast(models.EventUserVoted, c.snapshot(nil), nil)
	return nil
}

// Reveal flips the room to revealed and records the round. ignored is true when
// the room was already revealed; that is not an error.
func (c *Coordinator) Reveal(ctx context.Context, roundLabel string) (ignored bool, err error) {
	if serr := c.submit(ctx, func() { ignored, err = c.reveal(ctx, roundLabel) }); serr != nil {
		return false, serr
	}
	return ignored, err
}

func (c *Coordinator) reveal(ctx context.Context, roundLabel string) (bool, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	if c.room.Revealed {
		log.Debug().Str("room_id", c.roomID).Msg("reveal ignored, room already revealed")
		return true, nil
	}

	now := c.deps.Clock.Now()
	c.room.Revealed = true
	c.room.LastActivity = now
	if err := c.deps.Store.SaveRoom(ctx, c.room); err != nil {
		log.Error().Err(err).Str("room_id", c.roomID).Msg("failed to persist revealed flag")
	}

	var round *models.RoundHistoryEntry
	if entry, ok := c.tallyRound(roundLabel, now); ok {
		if err := c.deps.Store.AppendRoundHistory(ctx, c.roomID, entry); err != nil {
			log.Error().
				Err(err).
				Str("room_id", c.roomID).
				Str("round_id", entry.RoundID).
				Msg("failed to record round history")
		}
		round = &entry
		log.Info().
			Str("room_id", c.roomID).
			Str("round_id", entry.RoundID).
			Str("winning_card", entry.WinningCard).
			Int("participants", entry.ParticipantCount).
			Msg("round revealed")
	}

	c.broadcast(models.EventVotesRevealed, c.snapshot(c.history(ctx)), round)
	return false, nil
}

// tallyRound builds the history entry for the current votes. ok is false when nobody voted.
func (c *Coordinator) tallyRound(roundLabel string, now time.Time) (models.RoundHistoryEntry, bool) {
	active := c.active()
	snapshot := make([]models.VoteSnapshot, 0, len(active))
	votes := make([]tally.Vote, 0, len(active))
	for _, p := range active {
		snapshot = append(snapshot, models.VoteSnapshot{
			Name:         p.Name,
			Vote:         copyString(p.Vote),
			SessionToken: p.SessionToken,
		})
		if p.HasVoted() {
			votes = append(votes, tally.Vote{Name: p.Name, Value: *p.Vote})
		}
	}
	if len(votes) == 0 {
		return models.RoundHistoryEntry{}, false
	}

	result := c.deps.Strategy.Tally(votes)
	if roundLabel == "" {
		roundLabel = syntheticRoundLabel(now)
	}
	entry := models.RoundHistoryEntry{
		RoundID:          roundLabel,
		Votes:            snapshot,
		ParticipantCount: len(snapshot),
		WinningCard:      result.Value,
		Timestamp:        now,
	}
	if result.HasWinner() && len(result.Winners) > 0 {
		winner := result.Winners[0]
		entry.WinnerName = &winner
	}
	return entry, true
}

// syntheticRoundLabel is unique within a room: millisecond time plus random hex.
func syntheticRoundLabel(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// Reset hides the cards and clears every vote. Round history is kept.
func (c *Coordinator) Reset(ctx context.Context) error {
	var err error
	if serr := c.submit(ctx, func() { err = c.reset(ctx) }); serr != nil {
		return serr
	}
	return err
}

func (c *Coordinator) reset(ctx context.Context) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	now := c.deps.Clock.Now()
	c.room.Revealed = false
	c.room.LastActivity = now

	for _, p := range c.participants {
		if !p.HasVoted() {
			continue
		}
		p.Vote = nil
		if err := c.deps.Store.SaveParticipant(ctx, c.roomID, *p); err != nil {
			log.Error().
				Err(err).
				Str("room_id", c.roomID).
				Str("participant_id", p.ID).
				Msg("failed to persist cleared vote")
		}
	}
	if err := c.deps.Store.SaveRoom(ctx, c.room); err != nil {
		log.Error().Err(err).Str("room_id", c.roomID).Msg("failed to persist reset room")
	}

	log.Info().Str("room_id", c.roomID).Msg("votes reset")
	c.broadcast(models.EventVotesReset, c.snapshot(nil), nil)
	return nil
}

// Disconnect removes the session for connID. The participant row and its
// vote are kept so a reconnect can resume.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	return c.submit(ctx, func() { c.disconnect(ctx, connID) })
}

func (c *Coordinator) disconnect(ctx context.Context, connID string) {
	s, ok := c.sessions.Detach(connID)
	if !ok {
		return
	}

	if p := c.byID(s.ParticipantID); p != nil {
		p.LastSeen = c.deps.Clock.Now()
		if err := c.deps.Store.SaveParticipant(ctx, c.roomID, *p); err != nil {
			log.Error().
				Err(err).
				Str("room_id", c.roomID).
				Str("participant_id", p.ID).
				Msg("failed to persist last seen")
		}
	}

	log.Info().
		Str("room_id", c.roomID).
		Str("participant_id", s.ParticipantID).
		Str("connection_id", connID).
		Int("remaining_sessions", c.sessions.Len()).
		Msg("participant left")

	c.broadcast(models.EventUserLeft, c.snapshot(nil), nil)
}

// State returns the current room view including round history.
func (c *Coordinator) State(ctx context.Context) (models.RoomState, error) {
	var (
		state models.RoomState
		err   error
	)
	serr := c.submit(ctx, func() {
		if err = c.ensureLoaded(ctx); err != nil {
			return
		}
		state = c.snapshot(c.history(ctx))
	})
	if serr != nil {
		return models.RoomState{}, serr
	}
	return state, err
}

// ---------- Snapshot helpers ----------

// ensureLoaded hydrates the snapshot from the store on cold start.
func (c *Coordinator) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}

	if c.cfg.ParticipantTTL > 0 {
		cutoff := c.deps.Clock.Now().Add(-c.cfg.ParticipantTTL)
		n, err := c.deps.Store.DeleteInactiveParticipants(ctx, c.roomID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("room_id", c.roomID).Msg("failed to clean up inactive participants")
		} else if n > 0 {
			log.Info().Str("room_id", c.roomID).Int64("deleted", n).Msg("removed inactive participants")
		}
	}

	room, err := c.deps.Store.LoadRoom(ctx, c.roomID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	rows, err := c.deps.Store.LoadParticipants(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.room = *room
	c.participants = make([]*models.Participant, 0, len(rows))
	for i := range rows {
		p := rows[i]
		c.participants = append(c.participants, &p)
	}
	c.loaded = true

	log.Info().
		Str("room_id", c.roomID).
		Int("participants", len(c.participants)).
		Bool("revealed", c.room.Revealed).
		Msg("room loaded from store")
	return nil
}

func (c *Coordinator) history(ctx context.Context) []models.RoundHistoryEntry {
	history, err := c.deps.Store.LoadRoundHistory(ctx, c.roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", c.roomID).Msg("failed to load round history")
		return []models.RoundHistoryEntry{}
	}
	return history
}

// active returns participants with a live session, in join order.
func (c *Coordinator) active() []*models.Participant {
	ids := c.sessions.ActiveParticipants()
	out := make([]*models.Participant, 0, len(ids))
	for _, p := range c.participants {
		if _, ok := ids[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) snapshot(history []models.RoundHistoryEntry) models.RoomState {
	active := c.active()
	participants := make([]models.Participant, 0, len(active))
	for _, p := range active {
		cp := *p
		cp.Vote = copyString(p.Vote)
		participants = append(participants, cp)
	}
	return models.RoomState{
		RoomID:       c.roomID,
		Participants: participants,
		Revealed:     c.room.Revealed,
		RoundHistory: history,
	}
}

func (c *Coordinator) broadcast(typ models.EventType, state models.RoomState, round *models.RoundHistoryEntry) {
	event := models.RoomEvent{
		Type:       typ,
		RoomID:     c.roomID,
		State:      state,
		Round:      round,
		OccurredAt: c.deps.Clock.Now(),
	}
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(c.sessions.ConnIDs(), event)
	}
	if c.published == nil {
		return
	}
	select {
	case c.published <- event:
	default:
		log.Warn().
			Str("room_id", c.roomID).
			Str("event_type", string(typ)).
			Msg("publish queue full, dropping room event")
	}
}

// publishLoop hands queued events to the Publisher in apply order. It exits
// once the run loop has closed the queue and every queued event was sent.
func (c *Coordinator) publishLoop() {
	for event := range c.published {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		err := c.deps.Publisher.Publish(ctx, event)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("room_id", c.roomID).
				Str("event_type", string(event.Type)).
				Msg("failed to publish room event")
		}
	}
}

func (c *Coordinator) byToken(token string) *models.Participant {
	for _, p := range c.participants {
		if p.SessionToken == token {
			return p
		}
	}
	return nil
}

func (c *Coordinator) byID(id string) *models.Participant {
	for _, p := range c.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (c *Coordinator) nameActive(name string) bool {
	for _, p := range c.participants {
		if p.Name == name && c.sessions.IsActive(p.ID) {
			return true
		}
	}
	return false
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
