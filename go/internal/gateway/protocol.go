package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/planning-poker/go/internal/models"
)

// ErrMalformedMessage is returned for frames that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// MessageType is the "type" field of a frame.
type MessageType string

// Inbound
const (
	MessageJoin   MessageType = "join"
	MessageVote   MessageType = "vote"
	MessageReveal MessageType = "reveal"
	MessageReset  MessageType = "reset"
	MessagePing   MessageType = "ping"
)

// Outbound unicast. Room broadcasts use models.EventType.
const (
	MessageRoomNotFound MessageType = "roomNotFound"
	MessageNameTaken    MessageType = "nameTaken"
	MessagePong         MessageType = "pong"
	MessageError        MessageType = "error"
)

const (
	errInvalidFormat  = "Invalid message format"
	errUnknownType    = "Unknown message type"
	errJoinFields     = "Name and session token are required"
	errRequestFailed  = "Request failed, please try again"
	errServerStopping = "Server is shutting down"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinData struct {
	Name         string `json:"name"`
	SessionToken string `json:"sessionToken"`
}

type VoteData struct {
	Value string `json:"value"`
}

type RevealData struct {
	RoundLabel string `json:"roundLabel,omitempty"`
}

// PingData keeps the client's timestamp verbatim so it can be echoed back.
type PingData struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type PongData struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// RoomData is the payload of every room broadcast. RoundHistory is only set
// for event types that carry it.
type RoomData struct {
	Participants []models.Participant        `json:"participants"`
	Revealed     bool                        `json:"revealed"`
	RoundHistory *[]models.RoundHistoryEntry `json:"roundHistory,omitempty"`
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// DecodeData unmarshals the envelope data into v. Missing data leaves v untouched.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedMessage, env.Type, err)
	}
	return nil
}

// EncodeFrame builds a frame with the given payload.
func EncodeFrame(typ MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// EncodeRoomEvent builds the broadcast frame for a room event.
func EncodeRoomEvent(event models.RoomEvent) ([]byte, error) {
	participants := event.State.Participants
	if participants == nil {
		participants = []models.Participant{}
	}
	data := RoomData{
		Participants: participants,
		Revealed:     event.State.Revealed,
	}
	if event.Type.IncludesHistory() {
		history := event.State.RoundHistory
		if history == nil {
			history = []models.RoundHistoryEntry{}
		}
		data.RoundHistory = &history
	}
	return EncodeFrame(MessageType(event.Type), data)
}
