package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":          "ws://localhost:8080/take/ws",
		"https://queues.example.com/":    "wss://queues.example.com/take/ws",
		"http://host/prefix?x=1#frag":    "ws://host/prefix/take/ws",
		"https://user:pw@host:9443/base/": "wss://host:9443/base/take/ws",
	}
	for in, want := range cases {
		got, err := WebSocketURL(in)
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("WebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"ftp://host", "http://", "localhost:8080"} {
		if _, err := WebSocketURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBasicAuthHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "s3cret"))
	user, pass, ok := req.BasicAuth()
	if !ok || user != "alice" || pass != "s3cret" {
		t.Fatalf("unexpected credentials %q %q %v", user, pass, ok)
	}
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/take/ws" || r.Header.Get("X-Test") != "yes" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL, err := WebSocketURL(srv.URL)
	if err != nil {
		t.Fatalf("ws url: %v", err)
	}
	header := http.Header{}
	header.Set("X-Test", "yes")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := WebSocketDialer{URL: wsURL, Header: header}.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteMessage(ctx, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "echo:ping" {
		t.Fatalf("unexpected frame %q", data)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := conn.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error after close")
	}

	_, err = WebSocketDialer{URL: wsURL}.Dial(ctx)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
	if _, err := (WebSocketDialer{}).Dial(ctx); err == nil {
		t.Fatal("expected error without url")
	}
}

func startSilentServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-done
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })
	wsURL, err := WebSocketURL(srv.URL)
	if err != nil {
		t.Fatalf("ws url: %v", err)
	}
	return wsURL
}

func TestWebSocketWriteTimesOutWhenPeerStopsReading(t *testing.T) {
	wsURL := startSilentServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := WebSocketDialer{URL: wsURL, WriteTimeout: 200 * time.Millisecond}.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	frame := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 256; i++ {
		if err = conn.WriteMessage(ctx, frame); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected write to fail against a peer that never reads")
	}
	if ctx.Err() != nil {
		t.Fatalf("write timeout did not fire before the test deadline: %v", err)
	}
}

func TestWebSocketWriteReturnsOnCancel(t *testing.T) {
	wsURL := startSilentServer(t)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, err := WebSocketDialer{URL: wsURL, WriteTimeout: time.Minute}.Dial(dialCtx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		frame := bytes.Repeat([]byte("x"), 1<<20)
		for {
			if err := conn.WriteMessage(ctx, frame); err != nil {
				errCh <- err
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after cancel")
	}
}
