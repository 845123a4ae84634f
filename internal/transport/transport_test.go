package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vibecodejam/proctor/internal/event"
)

func TestHTTPSendBatch(t *testing.T) {
	var got Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("Expected POST /events, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := io.WriteString(w, `{"riskScore":42,"riskLevel":"medium"}`); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", srv.Client())
	update, err := c.SendBatch(context.Background(), Batch{
		SessionID: "s1",
		Events:    []event.Event{{Type: event.TypeClipboardPaste, SessionID: "s1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" || len(got.Events) != 1 {
		t.Errorf("Unexpected batch on the wire: %+v", got)
	}
	if update == nil || update.Score != 42 || update.Level != "medium" {
		t.Errorf("Expected server risk update 42/medium, got %+v", update)
	}
}

func TestHTTPSendBatchNoScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"accepted"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	update, err := c.SendBatch(context.Background(), Batch{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if update != nil {
		t.Errorf("Expected nil update when server returns no score, got %+v", update)
	}
}

func TestHTTPSendBatchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	if _, err := c.SendBatch(context.Background(), Batch{SessionID: "s1"}); err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestHTTPHeartbeatAndScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/heartbeat":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Error(err)
			}
			if body["sessionId"] != "s1" {
				t.Errorf("Expected sessionId s1, got %v", body["sessionId"])
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/score/s1":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"riskScore":77,"riskLevel":"high"}`)
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	if err := c.Heartbeat(context.Background(), "s1", time.Now()); err != nil {
		t.Fatal(err)
	}
	update, err := c.Score(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if update.Score != 77 || update.Level != "high" {
		t.Errorf("Unexpected score response: %+v", update)
	}
}

func TestHTTPUploadScreenshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("sessionId") != "s1" || r.FormValue("severity") != "critical" {
			t.Errorf("Unexpected form fields: %v", r.MultipartForm.Value)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		defer file.Close()
		if header.Filename != "frame.jpg" {
			t.Errorf("Expected frame.jpg, got %s", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "jpeg-bytes" {
			t.Errorf("Screenshot bytes corrupted: %q", data)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, srv.Client())
	err := c.UploadScreenshot(context.Background(), ScreenshotMeta{
		SessionID: "s1",
		Timestamp: time.Now(),
		Severity:  "critical",
		FaceCount: 2,
	}, []byte("jpeg-bytes"))
	if err != nil {
		t.Fatal(err)
	}
}

// wsTestServer accepts one connection at a time and feeds received frames to
// the handler.
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/s1"
}

func TestWSSendBatchAndRiskPush(t *testing.T) {
	received := make(chan []byte, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		received <- data
		_ = conn.Write(context.Background(), websocket.MessageText,
			[]byte(`{"type":"risk_update","riskScore":55,"riskLevel":"medium"}`))
		// Keep the socket open until the client closes it.
		_, _, _ = conn.Read(context.Background())
	})
	defer srv.Close()

	risks := make(chan RiskUpdate, 1)
	c := NewWSClient(WSConfig{
		URL:    wsURL(srv),
		OnRisk: func(u RiskUpdate) { risks <- u },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if !c.Connected() {
		t.Fatal("Expected Connected() after dial")
	}

	if _, err := c.SendBatch(context.Background(), Batch{
		SessionID: "s1",
		Events:    []event.Event{{Type: event.TypeDevToolsDetected}},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-received:
		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatal(err)
		}
		if envelope.Type != "events" || envelope.SessionID != "s1" {
			t.Errorf("Unexpected envelope: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received the batch")
	}

	select {
	case u := <-risks:
		if u.Score != 55 || u.Level != "medium" {
			t.Errorf("Unexpected pushed risk: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Risk push never reached the callback")
	}
}

func TestWSPingAnsweredWithPong(t *testing.T) {
	pongs := make(chan []byte, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"ping"}`))
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		pongs <- data
	})
	defer srv.Close()

	c := NewWSClient(WSConfig{URL: wsURL(srv)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case data := <-pongs:
		if !strings.Contains(string(data), `"pong"`) {
			t.Errorf("Expected pong reply, got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ping was never answered")
	}
}

func TestWSReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately.
			_ = conn.Close(websocket.StatusInternalError, "kicked")
			return
		}
		_, _, _ = conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewWSClient(WSConfig{URL: wsURL(srv), ReconnectDelay: 20 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 && c.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Client never reconnected after drop")
}

func TestWSSendWhileDisconnected(t *testing.T) {
	c := NewWSClient(WSConfig{URL: "ws://127.0.0.1:1/ws/s1"})
	if _, err := c.SendBatch(context.Background(), Batch{SessionID: "s1"}); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestWSCloseIdempotent(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewWSClient(WSConfig{URL: wsURL(srv)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
	if c.Connected() {
		t.Error("Connected() must be false after close")
	}
}
