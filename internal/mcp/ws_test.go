package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newWSFilesServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if reply := filesServer(data); reply != nil {
				if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
			}
		}
	}))
}

func TestWSTransport_Handshake(t *testing.T) {
	srv := newWSFilesServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(ServerConfig{
		Name:      "files",
		Transport: TransportWS,
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Headers:   map[string]string{"Authorization": "Bearer token"},
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(ctx, "read", map[string]any{"path": "a.txt"}, time.Second)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != "hello" {
		t.Errorf("result = %q, want hello", res.Text())
	}
}

func TestWSTransport_DialFailure(t *testing.T) {
	srv := newWSFilesServer(t)
	defer srv.Close()

	_, err := Dial(context.Background(), ServerConfig{
		Name:      "files",
		Transport: TransportWS,
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, nil)
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Dial without auth = %v, want *ConnectError", err)
	}
}
