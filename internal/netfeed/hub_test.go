package netfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dwarfendepths/movecore/internal/auth"
	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/input"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/mapdef"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/simulation"
	"dwarfendepths/movecore/internal/state"
)

type harness struct {
	tables *state.Tables
	server *simulation.TickServer
	hub    *Hub
	http   *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	logger := logging.NewTestLogger()
	world, err := mapdef.Build(mapdef.Builtin(), physics.DefaultParams())
	if err != nil {
		t.Fatalf("build world: %v", err)
	}
	tables := state.NewTables()
	server, err := simulation.NewTickServer(world, tables, 50*time.Millisecond, simulation.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewTickServer: %v", err)
	}
	issuer, err := auth.NewIssuer("netfeed-secret", 0)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	intake := input.NewIntake(tables,
		input.NewGate(input.Config{MaxLead: 16}, logger),
		input.NewValidator(input.DefaultInputConstraints, logger),
		logger)

	opts := Options{
		Logger:   logger,
		Store:    tables,
		Diffs:    tables,
		Intake:   intake,
		Spawner:  server,
		Sessions: issuer,
	}
	if mutate != nil {
		mutate(&opts)
	}
	hub, err := NewHub(opts)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	mux := http.NewServeMux()
	hub.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{tables: tables, server: server, hub: hub, http: srv}
}

func (h *harness) newSession(t *testing.T, identity string) SessionResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"identity": identity})
	resp, err := http.Post(h.http.URL+"/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", kind)
	}
	msg, err := DecodeServerMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func sendBatch(t *testing.T, conn *websocket.Conn, inputs ...physics.Input) {
	t.Helper()
	payload, err := EncodeInputBatch(InputBatch{Inputs: inputs})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write batch: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSessionSnapshotAndAck(t *testing.T) {
	h := newHarness(t, nil)
	session := h.newSession(t, "alice")
	if session.EntityID == 0 || session.Token == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	conn := h.dial(t, session.Token)

	//1.- The snapshot is the first frame and includes the new entity.
	snapshot := readMessage(t, conn)
	if snapshot.Type != MessageSnapshot || snapshot.EntityID != session.EntityID {
		t.Fatalf("expected snapshot for %d, got %+v", session.EntityID, snapshot)
	}
	if len(snapshot.Frame.Updated) != 1 || snapshot.Frame.Updated[0].ID != session.EntityID {
		t.Fatalf("unexpected snapshot rows %+v", snapshot.Frame)
	}

	//2.- An input batch is stored and acknowledged with the lead.
	sendBatch(t, conn,
		physics.Input{Direction: geom.Vec2{1, 0}, SequenceID: 1},
		physics.Input{Direction: geom.Vec2{1, 0}, SequenceID: 2},
	)
	ack := readMessage(t, conn)
	if ack.Type != MessageAck || ack.Ack == nil || ack.Ack.Accepted != 2 || ack.Ack.Dropped != 0 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if _, ok := h.tables.Inputs.Get(session.EntityID, 2); !ok {
		t.Fatal("expected input 2 to be stored")
	}
	if h.hub.Clients() != 1 {
		t.Fatalf("expected one client, got %d", h.hub.Clients())
	}
}

func TestPublishedDiffReachesClient(t *testing.T) {
	h := newHarness(t, nil)
	session := h.newSession(t, "bob")
	//1.- Drain the spawn rows so the next frame only carries the npc.
	h.tables.Publish()
	conn := h.dial(t, session.Token)
	readMessage(t, conn)

	ctx := context.Background()
	npcs := h.server.SeedNPCs(ctx, 1)
	h.tables.SetMeta(state.TickMeta{Sequence: 8})
	h.tables.Publish()

	frame := readMessage(t, conn)
	if frame.Type != MessageFrame || frame.Frame.Sequence != 7 {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if len(frame.Frame.Updated) != 1 || frame.Frame.Updated[0].ID != npcs[0].ID {
		t.Fatalf("expected the new npc row, got %+v", frame.Frame.Updated)
	}

	//2.- Removals travel in the same frame shape.
	if err := h.server.Despawn(ctx, npcs[0].ID); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	h.tables.Publish()
	frame = readMessage(t, conn)
	if len(frame.Frame.Removed) != 1 || frame.Frame.Removed[0] != npcs[0].ID {
		t.Fatalf("expected removal of %d, got %+v", npcs[0].ID, frame.Frame)
	}
}

func TestSlowClientEvictionDoesNotStallBroadcast(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SendBuffer = 1 })
	session := h.newSession(t, "stuck")
	h.dial(t, session.Token)
	waitFor(t, func() bool { return h.hub.Clients() == 1 })

	//1.- Large frames fill the socket of a peer that never reads.
	rows := make([]physics.Entity, 3000)
	for i := range rows {
		rows[i] = physics.Entity{ID: uint32(i + 1), Speed: 5, Position: geom.Vec3{float64(i), 0, float64(i)}}
	}
	diff := state.TickDiff{Sequence: 1, Entities: state.EntityDiff{Updated: rows}}

	//2.- Each broadcast returns promptly, including the one that evicts.
	var worst time.Duration
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		started := time.Now()
		h.hub.broadcast(diff)
		if took := time.Since(started); took > worst {
			worst = took
		}
		if _, slow := h.hub.Stats(); slow > 0 {
			break
		}
	}
	if _, slow := h.hub.Stats(); slow != 1 {
		t.Fatalf("expected the stuck client to be evicted, slow=%d", slow)
	}
	if worst > time.Second {
		t.Fatalf("broadcast blocked for %s", worst)
	}
	if h.hub.Clients() != 0 {
		t.Fatalf("expected no registered clients, got %d", h.hub.Clients())
	}
}

func TestRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	for _, url := range []string{h.http.URL + "/ws", h.http.URL + "/ws?token=garbage"} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get %s: %v", url, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", url, resp.StatusCode)
		}
	}
}

func TestTokenForDespawnedEntity(t *testing.T) {
	h := newHarness(t, nil)
	session := h.newSession(t, "carol")
	if err := h.server.Despawn(context.Background(), session.EntityID); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	resp, err := http.Get(h.http.URL + "/ws?token=" + session.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSessionValidation(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.http.URL + "/session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp, err = http.Post(h.http.URL+"/session", "application/json", strings.NewReader(`{"identity":"   "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Rate = 0.001
		o.Burst = 1
	})
	session := h.newSession(t, "dave")
	conn := h.dial(t, session.Token)
	readMessage(t, conn)

	sendBatch(t, conn, physics.Input{SequenceID: 1})
	if ack := readMessage(t, conn); ack.Type != MessageAck {
		t.Fatalf("expected ack, got %+v", ack)
	}
	sendBatch(t, conn, physics.Input{SequenceID: 2})
	waitFor(t, func() bool {
		dropped, _ := h.hub.Stats()
		return dropped == 1
	})
	if _, ok := h.tables.Inputs.Get(session.EntityID, 2); ok {
		t.Fatal("rate limited batch must not be stored")
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t, nil)
	session := h.newSession(t, "erin")
	first := h.dial(t, session.Token)
	readMessage(t, first)
	second := h.dial(t, session.Token)
	readMessage(t, second)

	//1.- The first socket is closed with a policy violation.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close on replaced socket, got %v", err)
	}
	waitFor(t, func() bool { return h.hub.Clients() == 1 })
}

func TestDespawnOnClose(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DespawnOnClose = true })
	session := h.newSession(t, "frank")
	conn := h.dial(t, session.Token)
	readMessage(t, conn)
	conn.Close()
	waitFor(t, func() bool {
		_, ok := h.tables.Entity(session.EntityID)
		return !ok
	})
	if _, ok := h.tables.Player(session.EntityID); ok {
		t.Fatal("expected player row to be removed")
	}
}

func TestNewHubRequiresDependencies(t *testing.T) {
	if _, err := NewHub(Options{}); err != ErrMissingDependency {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestOriginAndCapacity(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AllowedOrigins = []string{"https://play.example.com/"}
		o.MaxClients = 1
	})
	session := h.newSession(t, "gina")
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + session.Token

	//1.- A foreign origin fails the handshake.
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %v", err)
	}

	//2.- The listed origin connects, after which the hub is full.
	header.Set("Origin", "https://play.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn)

	other := h.newSession(t, "hank")
	resp, err := http.Get(h.http.URL + "/ws?token=" + other.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when full, got %d", resp.StatusCode)
	}
}
