package monitor

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lockstep-io/lockstep/notify"
)

func publishUntilDelivered(t *testing.T, bus *notify.InMemoryBus, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Metrics().Delivered == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber picked up the wake")
		}
		if err := bus.Publish(context.Background(), channel); err != nil {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSSEHandlerStreamsWakes(t *testing.T) {
	bus := notify.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "?channel=job-x:lock:channel")
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		respCh <- resp
	}()

	publishUntilDelivered(t, bus, "job-x:lock:channel")

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "data: wake job-x:lock:channel") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerMissingChannel(t *testing.T) {
	bus := notify.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketHandlerStreamsWakes(t *testing.T) {
	bus := notify.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?channel=pool:semaphore:channel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	publishUntilDelivered(t, bus, "pool:semaphore:channel")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(msg), "wake pool:semaphore:channel") {
		t.Fatalf("unexpected message %q", msg)
	}
}
