package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// startTestServer starts a dashboard server on an ephemeral port.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	srv := NewServer(&Config{
		Port:   0,
		Logger: log.New(os.Stderr, "[dashboard-test] ", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// dialTest connects a WebSocket client to the test server.
func dialTest(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return msg
}

func TestHealthEndpoint(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Status != "ok" || health.Clients != 0 {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestBroadcastState(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTest(t, srv)

	// The read loop registers the client asynchronously; give the accept a
	// moment before broadcasting.
	waitForClients(t, srv, 1)
	srv.BroadcastState("running", "")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeState {
		t.Fatalf("expected state message, got %s", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast did not stamp the message")
	}
	var data StateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to decode state data: %v", err)
	}
	if data.State != "running" {
		t.Errorf("unexpected state %q", data.State)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	srv := startTestServer(t)
	a := dialTest(t, srv)
	b := dialTest(t, srv)
	waitForClients(t, srv, 2)

	srv.BroadcastCommit(42, "app")

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeCommit {
			t.Fatalf("expected commit message, got %s", msg.Type)
		}
		var data CommitData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("failed to decode commit data: %v", err)
		}
		if data.TxID != 42 || data.Origin != "app" {
			t.Errorf("unexpected commit data %+v", data)
		}
	}
}

func TestBroadcastStatusSnapshot(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTest(t, srv)
	waitForClients(t, srv, 1)

	srv.BroadcastStatus(StatusData{
		State:               "running",
		PendingTransactions: 3,
		Counts:              map[string]Count{"book": {Local: 7, Uploaded: 5}},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("expected status message, got %s", msg.Type)
	}
	var data StatusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to decode status data: %v", err)
	}
	if data.PendingTransactions != 3 || data.Counts["book"].Local != 7 {
		t.Errorf("unexpected status data %+v", data)
	}
}

func TestClientDisconnectIsNoticed(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTest(t, srv)
	waitForClients(t, srv, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, srv, 0)

	// Broadcasting with no clients must not error or block.
	srv.BroadcastState("running", "")
}

// waitForClients polls the health endpoint until the connected client count
// matches.
func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
		if err == nil {
			var health struct {
				Clients int `json:"clients"`
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if json.Unmarshal(body, &health) == nil && health.Clients == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached %d connected clients", want)
}
