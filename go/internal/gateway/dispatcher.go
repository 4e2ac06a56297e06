package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/room"
)

// Rooms is the room coordination the gateway drives.
type Rooms interface {
	CreateRoom(ctx context.Context, name, sessionToken string) (string, string, error)
	RoomState(ctx context.Context, roomID string) (models.RoomState, error)
	Join(ctx context.Context, roomID, connID, sessionToken, name string) (models.RoomState, error)
	Vote(ctx context.Context, roomID, connID, value string) error
	Reveal(ctx context.Context, roomID, roundLabel string) (bool, error)
	Reset(ctx context.Context, roomID string) error
	Disconnect(ctx context.Context, roomID, connID string) error
	Len() int
}

// Dispatcher turns inbound frames into room operations. Room broadcasts reach
// the connection through the room's Notifier; only unicast replies are sent here.
type Dispatcher struct {
	rooms   Rooms
	cm      *ConnectionManager
	clock   clockwork.Clock
	timeout time.Duration
}

// NewDispatcher creates a dispatcher and installs it on cm.
func NewDispatcher(rooms Rooms, cm *ConnectionManager, clock clockwork.Clock, timeout time.Duration) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Dispatcher{rooms: rooms, cm: cm, clock: clock, timeout: timeout}
	cm.SetHandler(d)
	return d
}

// HandleMessage implements MessageHandler.
func (d *Dispatcher) HandleMessage(c *Connection, message []byte) {
	env, err := DecodeEnvelope(message)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping malformed frame")
		d.sendError(c, errInvalidFormat)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch env.Type {
	case MessageJoin:
		var data JoinData
		if err := DecodeData(env, &data); err != nil {
			d.sendError(c, errInvalidFormat)
			return
		}
		data.Name = strings.TrimSpace(data.Name)
		if data.Name == "" || data.SessionToken == "" {
			d.sendError(c, errJoinFields)
			return
		}
		_, err = d.rooms.Join(ctx, c.RoomID, c.ID, data.SessionToken, data.Name)

	case MessageVote:
		var data VoteData
		if err := DecodeData(env, &data); err != nil {
			d.sendError(c, errInvalidFormat)
			return
		}
		err = d.rooms.Vote(ctx, c.RoomID, c.ID, data.Value)

	case MessageReveal:
		var data RevealData
		if err := DecodeData(env, &data); err != nil {
			d.sendError(c, errInvalidFormat)
			return
		}
		_, err = d.rooms.Reveal(ctx, c.RoomID, strings.TrimSpace(data.RoundLabel))

	case MessageReset:
		err = d.rooms.Reset(ctx, c.RoomID)

	case MessagePing:
		var data PingData
		if err := DecodeData(env, &data); err != nil {
			d.sendError(c, errInvalidFormat)
			return
		}
		ts := data.Timestamp
		if len(ts) == 0 || string(ts) == "null" {
			ts = json.RawMessage(strconv.FormatInt(d.clock.Now().UnixMilli(), 10))
		}
		d.send(c, MessagePong, PongData{Timestamp: ts})
		return

	default:
		d.sendError(c, errUnknownType)
		return
	}

	if err != nil {
		d.replyError(c, env.Type, err)
	}
}

// HandleDisconnect implements MessageHandler.
func (d *Dispatcher) HandleDisconnect(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.rooms.Disconnect(ctx, c.RoomID, c.ID); err != nil {
		log.Error().
			Err(err).
			Str("room_id", c.RoomID).
			Str("connection_id", c.ID).
			Msg("failed to disconnect session")
	}
}

func (d *Dispatcher) replyError(c *Connection, typ MessageType, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		d.send(c, MessageRoomNotFound, struct{}{})
	case errors.Is(err, room.ErrNameTaken):
		d.send(c, MessageNameTaken, struct{}{})
	case errors.Is(err, room.ErrClosed):
		d.sendError(c, errServerStopping)
	default:
		log.Error().
			Err(err).
			Str("room_id", c.RoomID).
			Str("connection_id", c.ID).
			Str("message_type", string(typ)).
			Msg("room operation failed")
		d.sendError(c, errRequestFailed)
	}
}

func (d *Dispatcher) sendError(c *Connection, message string) {
	d.send(c, MessageError, ErrorData{Message: message})
}

func (d *Dispatcher) send(c *Connection, typ MessageType, data any) {
	frame, err := EncodeFrame(typ, data)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode frame")
		return
	}
	d.cm.SendTo(c, frame)
}
