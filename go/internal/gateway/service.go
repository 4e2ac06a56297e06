package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/mcdev12/planning-poker/go/internal/room"
)

const qrSize = 320

// Config holds configuration for the room gateway service
type Config struct {
	Connection       ConnectionConfig
	OperationTimeout time.Duration
	AllowedOrigins   []string
	// PublicURL is the base of the join links encoded in QR codes. When empty
	// it is derived from the request.
	PublicURL string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		Connection:       DefaultConnectionConfig(),
		OperationTimeout: 10 * time.Second,
	}
}

// Service serves the room WebSocket protocol and the HTTP control plane.
type Service struct {
	config     Config
	rooms      Rooms
	cm         *ConnectionManager
	dispatcher *Dispatcher
	cors       *cors.Cors
}

// NewService wires the dispatcher into cm. cm is expected to be the
// Notifier the rooms broadcast through.
func NewService(config Config, cm *ConnectionManager, rooms Rooms, clock clockwork.Clock) *Service {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultConfig().OperationTimeout
	}
	c := NewCORS(config.AllowedOrigins)
	if cm.config.CheckOrigin == nil {
		cm.upgrader.CheckOrigin = originChecker(c)
	}
	return &Service{
		config:     config,
		rooms:      rooms,
		cm:         cm,
		dispatcher: NewDispatcher(rooms, cm, clock, config.OperationTimeout),
		cors:       c,
	}
}

// RegisterRoutes registers the gateway routes.
func (s *Service) RegisterRoutes(router *httprouter.Router) {
	router.POST("/api/rooms", s.handleCreateRoom)
	router.GET("/api/rooms/:id", s.handleGetRoomState)
	router.GET("/api/rooms/:id/qr", s.handleQR)
	router.GET("/api/stats", s.handleStats)
	router.GET("/ws/:id", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	log.Info().Msg("room gateway routes registered")
}

// Handler returns the routed, CORS wrapped HTTP handler.
func (s *Service) Handler() http.Handler {
	router := httprouter.New()
	s.RegisterRoutes(router)
	return s.cors.Handler(router)
}

// Stop closes every open connection.
func (s *Service) Stop() {
	s.cm.CloseAll()
	log.Info().Msg("room gateway stopped")
}

type createRoomRequest struct {
	Name         string `json:"name"`
	SessionToken string `json:"sessionToken"`
}

type createRoomResponse struct {
	RoomID       string `json:"roomId"`
	SessionToken string `json:"sessionToken"`
}

// handleCreateRoom handles POST /api/rooms
func (s *Service) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "Name is required")
		return
	}

	roomID, token, err := s.rooms.CreateRoom(r.Context(), req.Name, req.SessionToken)
	if err != nil {
		log.Error().Err(err).Msg("failed to create room")
		writeJSONError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	writeJSON(w, http.StatusCreated, createRoomResponse{RoomID: roomID, SessionToken: token})
}

// handleGetRoomState handles GET /api/rooms/:id
func (s *Service) handleGetRoomState(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")

	state, err := s.rooms.RoomState(r.Context(), roomID)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		writeJSONError(w, http.StatusNotFound, "Room not found")
		return
	case err != nil:
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room state")
		writeJSONError(w, http.StatusInternalServerError, "Failed to get room state")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// handleQR handles GET /api/rooms/:id/qr with a PNG of the room's join link.
func (s *Service) handleQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")

	png, err := qrcode.Encode(s.joinURL(r, roomID), qrcode.Medium, qrSize)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("qr generation failed")
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Service) joinURL(r *http.Request, roomID string) string {
	base := strings.TrimRight(s.config.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/room/" + roomID
}

type statsResponse struct {
	ConnectionStats
	RoomsInMemory int    `json:"rooms_in_memory"`
	Service       string `json:"service"`
}

// handleStats handles GET /api/stats
func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, statsResponse{
		ConnectionStats: s.cm.GetConnectionStats(),
		RoomsInMemory:   s.rooms.Len(),
		Service:         "room_gateway",
	})
}

// handleWebSocket handles GET /ws/:id
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")
	if err := s.cm.UpgradeConnection(w, r, roomID); err != nil {
		// The upgrader has already written the HTTP error response.
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Msg("failed to upgrade WebSocket connection")
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Printf("Failed to write health check response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorData{Message: message})
}
