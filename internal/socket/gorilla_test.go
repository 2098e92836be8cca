package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestGorillaFactoryRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	factory := &GorillaFactory{
		Header: func() (http.Header, error) {
			return http.Header{"Authorization": []string{"Bearer T1"}}, nil
		},
		PingInterval: -1,
	}
	conn, err := factory.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer T1" {
		t.Fatalf("handshake Authorization = %q", auth)
	}
	if err := conn.WriteMessage([]byte("hi")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != "echo:hi" {
		t.Fatalf("unexpected reply %q", data)
	}
}

func TestGorillaFactoryClassifiesCloses(t *testing.T) {
	tests := []struct {
		name      string
		serverEnd func(conn *websocket.Conn)
		wantClean bool
		wantCode  int
	}{
		{
			name: "going away frame",
			serverEnd: func(conn *websocket.Conn) {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			},
			wantClean: true,
			wantCode:  websocket.CloseGoingAway,
		},
		{
			name: "internal error frame",
			serverEnd: func(conn *websocket.Conn) {
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			},
			wantClean: true,
			wantCode:  websocket.CloseInternalServerErr,
		},
		{
			name: "dropped without frame",
			serverEnd: func(conn *websocket.Conn) {
				_ = conn.UnderlyingConn().Close()
			},
			wantClean: false,
			wantCode:  CloseAbnormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upgrader := websocket.Upgrader{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				tt.serverEnd(conn)
				time.Sleep(50 * time.Millisecond)
				_ = conn.Close()
			}))
			defer server.Close()

			conn, err := (&GorillaFactory{PingInterval: -1}).Dial(context.Background(), wsURL(server))
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()

			_, err = conn.ReadMessage()
			closeErr := classify(err)
			if closeErr.WasClean != tt.wantClean || closeErr.Code != tt.wantCode {
				t.Fatalf("got %+v, want clean=%v code=%d", closeErr, tt.wantClean, tt.wantCode)
			}
		})
	}
}

func TestGorillaFactoryHandshakeStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := (&GorillaFactory{}).Dial(context.Background(), wsURL(server))
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected handshake status in error, got %v", err)
	}
}

func TestManagerWithGorillaFactory(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	events := newEventLog()
	m, err := NewManager(Options{Factory: &GorillaFactory{PingInterval: -1}, Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Connect(context.Background(), "k", wsURL(server), events.handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	msg := events.waitFor(t, EventMessage)
	if string(msg.Data) != `{"id":1}` {
		t.Fatalf("unexpected message %q", msg.Data)
	}

	m.Close("k")
	closed := events.waitFor(t, EventClose)
	if !closed.Close.WasClean {
		t.Fatal("expected clean close on client Close")
	}
}
