package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/room"
	"github.com/mcdev12/planning-poker/go/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

type testServer struct {
	srv   *httptest.Server
	rooms *room.Manager
	cm    *ConnectionManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, DefaultConfig(), nil)
}

func newTestServerWith(t *testing.T, cfg Config, clock clockwork.Clock) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "gateway.db")+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	st := store.New(db, store.SQLite)
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	cm := NewConnectionManager(cfg.Connection, clock)
	rooms := room.NewManager(room.Deps{Store: st, Notifier: cm, Clock: clock}, room.DefaultConfig())
	svc := NewService(cfg, cm, rooms, clock)
	srv := httptest.NewServer(svc.Handler())

	t.Cleanup(func() {
		svc.Stop()
		srv.Close()
		rooms.Shutdown()
		_ = db.Close()
	})
	return &testServer{srv: srv, rooms: rooms, cm: cm}
}

func (ts *testServer) createRoom(t *testing.T, name, token string) createRoomResponse {
	t.Helper()
	body, _ := json.Marshal(createRoomRequest{Name: name, SessionToken: token})
	resp, err := http.Post(ts.srv.URL+"/api/rooms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room status = %d", resp.StatusCode)
	}
	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create room: %v", err)
	}
	return out
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, roomID string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ MessageType, data any) {
	c.t.Helper()
	frame, err := EncodeFrame(typ, data)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	c.sendRaw(string(frame))
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

type inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// expect reads frames until one of type typ arrives.
func (c *client) expect(typ MessageType) inbound {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func (c *client) expectRoom(typ models.EventType) RoomData {
	c.t.Helper()
	msg := c.expect(MessageType(typ))
	var data RoomData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.t.Fatalf("decode %s: %v", typ, err)
	}
	return data
}

func TestWebSocket_JoinVoteRevealReset(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRoom(t, "Alice", "tok-alice")

	alice := ts.dial(t, created.RoomID)
	alice.send(MessageJoin, JoinData{Name: "Alice", SessionToken: created.SessionToken})
	joined := alice.expectRoom(models.EventUserJoined)
	if len(joined.Participants) != 1 || joined.RoundHistory == nil {
		t.Fatalf("unexpected join payload: %+v", joined)
	}

	bob := ts.dial(t, created.RoomID)
	bob.send(MessageJoin, JoinData{Name: "Bob", SessionToken: "tok-bob"})
	if data := bob.expectRoom(models.EventUserJoined); len(data.Participants) != 2 {
		t.Fatalf("bob sees %d participants", len(data.Participants))
	}
	if data := alice.expectRoom(models.EventUserJoined); len(data.Participants) != 2 {
		t.Fatalf("alice sees %d participants", len(data.Participants))
	}

	alice.send(MessageVote, VoteData{Value: "5"})
	bob.expectRoom(models.EventUserVoted)
	bob.send(MessageVote, VoteData{Value: "8"})
	alice.expectRoom(models.EventUserVoted)

	bob.send(MessageReveal, RevealData{RoundLabel: "story-1"})
	revealed := alice.expectRoom(models.EventVotesRevealed)
	if !revealed.Revealed || revealed.RoundHistory == nil || len(*revealed.RoundHistory) != 1 {
		t.Fatalf("unexpected reveal payload: %+v", revealed)
	}
	entry := (*revealed.RoundHistory)[0]
	if entry.RoundID != "story-1" || entry.WinningCard != "8" {
		t.Fatalf("unexpected round: %+v", entry)
	}

	alice.send(MessageReset, nil)
	reset := bob.expectRoom(models.EventVotesReset)
	if reset.Revealed || reset.RoundHistory != nil {
		t.Fatalf("unexpected reset payload: %+v", reset)
	}
	for _, p := range reset.Participants {
		if p.Vote != nil {
			t.Fatalf("vote not cleared for %s", p.Name)
		}
	}

	state := getState(t, ts, created.RoomID)
	if len(state.RoundHistory) != 1 || state.Revealed {
		t.Fatalf("unexpected state after reset: %+v", state)
	}
}

func TestWebSocket_UnicastReplies(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRoom(t, "Alice", "")

	alice := ts.dial(t, created.RoomID)
	alice.send(MessageJoin, JoinData{Name: "Alice", SessionToken: created.SessionToken})
	alice.expectRoom(models.EventUserJoined)

	impostor := ts.dial(t, created.RoomID)
	impostor.send(MessageJoin, JoinData{Name: "Alice", SessionToken: "other"})
	impostor.expect(MessageNameTaken)

	impostor.sendRaw("{not json")
	var data ErrorData
	_ = json.Unmarshal(impostor.expect(MessageError).Data, &data)
	if data.Message != errInvalidFormat {
		t.Fatalf("error message = %q", data.Message)
	}

	impostor.sendRaw(`{"type":"dance"}`)
	_ = json.Unmarshal(impostor.expect(MessageError).Data, &data)
	if data.Message != errUnknownType {
		t.Fatalf("error message = %q", data.Message)
	}

	impostor.sendRaw(`{"type":"ping","data":{"timestamp":1234}}`)
	var pong PongData
	_ = json.Unmarshal(impostor.expect(MessagePong).Data, &pong)
	if string(pong.Timestamp) != "1234" {
		t.Fatalf("pong timestamp = %s", pong.Timestamp)
	}

	stranger := ts.dial(t, "no-such-room-99")
	stranger.send(MessageJoin, JoinData{Name: "Eve", SessionToken: "eve"})
	stranger.expect(MessageRoomNotFound)
}

func TestWebSocket_DisconnectBroadcastsUserLeft(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createRoom(t, "Alice", "tok-a")

	alice := ts.dial(t, created.RoomID)
	alice.send(MessageJoin, JoinData{Name: "Alice", SessionToken: "tok-a"})
	alice.expectRoom(models.EventUserJoined)

	bob := ts.dial(t, created.RoomID)
	bob.send(MessageJoin, JoinData{Name: "Bob", SessionToken: "tok-b"})
	bob.expectRoom(models.EventUserJoined)
	alice.expectRoom(models.EventUserJoined)

	bob.conn.Close()
	left := alice.expectRoom(models.EventUserLeft)
	if len(left.Participants) != 1 || left.Participants[0].Name != "Alice" {
		t.Fatalf("unexpected roster after leave: %+v", left.Participants)
	}
}

func getState(t *testing.T, ts *testServer, roomID string) models.RoomState {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + "/api/rooms/" + roomID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get state status = %d", resp.StatusCode)
	}
	var state models.RoomState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestHTTP_ControlPlane(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/rooms", "application/json", strings.NewReader(`{"name":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank name status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/api/rooms/missing-room-10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing room status = %d", resp.StatusCode)
	}

	created := ts.createRoom(t, "Alice", "tok")
	if created.SessionToken != "tok" {
		t.Fatalf("session token = %q", created.SessionToken)
	}
	state := getState(t, ts, created.RoomID)
	if state.RoomID != created.RoomID || len(state.Participants) != 0 {
		t.Fatalf("fresh room should have no connected participants: %+v", state)
	}

	resp, err = http.Get(ts.srv.URL + "/api/rooms/" + created.RoomID + "/qr")
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("qr status = %d, type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	health, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", health.StatusCode)
	}

	stats, err := http.Get(ts.srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer stats.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(stats.Body).Decode(&body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := body["total_connections"]; !ok {
		t.Fatalf("stats missing total_connections: %v", body)
	}
}

func TestJoinURL(t *testing.T) {
	s := &Service{config: Config{PublicURL: "https://poker.example.com/"}}
	r := httptest.NewRequest(http.MethodGet, "/api/rooms/x/qr", nil)
	if got := s.joinURL(r, "blue-apple-42"); got != "https://poker.example.com/room/blue-apple-42" {
		t.Fatalf("joinURL = %q", got)
	}

	s.config.PublicURL = ""
	r.Host = "localhost:8080"
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := s.joinURL(r, "r"); got != "https://localhost:8080/room/r" {
		t.Fatalf("joinURL = %q", got)
	}
}

func TestWebSocket_UpgradeHonoursAllowedOrigins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://poker.example.com"}
	ts := newTestServerWith(t, cfg, nil)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/blue-apple-42"

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{"allowed origin", "https://poker.example.com", true},
		{"foreign origin", "https://evil.example.net", false},
		{"no origin header", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if conn != nil {
				conn.Close()
			}
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("upgrade from %s should be rejected", tt.origin)
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("rejected upgrade response = %v", resp)
			}
		})
	}
}

func TestConnectionManager_UsesInjectedClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := newTestServerWith(t, DefaultConfig(), clockwork.NewFakeClockAt(now))
	ts.dial(t, "blue-apple-42")

	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.cm.mu.RLock()
		var conn *Connection
		for _, c := range ts.cm.byID {
			conn = c
		}
		ts.cm.mu.RUnlock()
		if conn != nil {
			if !conn.ConnectedAt.Equal(now) {
				t.Fatalf("ConnectedAt = %v, want %v", conn.ConnectedAt, now)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
