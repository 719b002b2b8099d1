package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// deviceServer upgrades every request and hands the connection to serve.
func deviceServer(t *testing.T, serve func(*websocket.Conn, *http.Request)) *Client {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"object"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return NewClient("unused", 200*time.Millisecond, WithURL(url))
}

func send(t *testing.T, conn *websocket.Conn, m Message) {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Error(err)
	}
}

func nextWithin(t *testing.T, s *Stream) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Next(ctx)
}

func TestOpenAuthAndOrderedDelivery(t *testing.T) {
	authSeen := make(chan string, 2)
	c := deviceServer(t, func(conn *websocket.Conn, r *http.Request) {
		authSeen <- r.Header.Get("Sec-WebSocket-Protocol")
		authSeen <- r.Header.Get("Authorization")

		send(t, conn, Message{Kind: KindDelta, Seq: 1, Payload: json.RawMessage(`{"control":{"state":"running"}}`)})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry_v9","seq":2}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		send(t, conn, Message{Kind: KindHeartbeat})
		send(t, conn, Message{Kind: KindSnapshot, Seq: 3, Payload: json.RawMessage(`{"control":{"state":"ready"}}`)})
		send(t, conn, Message{Kind: KindError, Err: &RemoteError{Code: "overload", Message: "too many clients"}})
		// Keep the connection open until the client goes away.
		conn.ReadMessage()
	})

	s, err := c.Open(context.Background(), "sess-42")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if got := <-authSeen; !strings.Contains(got, "SessionToken_sess-42") || !strings.Contains(got, "object") {
		t.Errorf("subprotocols = %q", got)
	}
	if got := <-authSeen; got != "Bearer sess-42" {
		t.Errorf("Authorization = %q", got)
	}

	want := []struct {
		kind Kind
		seq  uint64
	}{
		{KindDelta, 1},
		{KindHeartbeat, 0},
		{KindSnapshot, 3},
		{KindError, 0},
	}
	for i, w := range want {
		m, err := nextWithin(t, s)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if m.Kind != w.kind || m.Seq != w.seq {
			t.Errorf("message %d = %s/%d, want %s/%d", i, m.Kind, m.Seq, w.kind, w.seq)
		}
		if m.ReceivedAt.IsZero() {
			t.Errorf("message %d has no receipt time", i)
		}
		if m.Kind == KindError && (m.Err == nil || m.Err.Code != "overload") {
			t.Errorf("remote error = %+v", m.Err)
		}
	}
}

func TestStaleWhenDeviceGoesQuiet(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := deviceServer(t, func(conn *websocket.Conn, r *http.Request) {
		send(t, conn, Message{Kind: KindHeartbeat})
		// Never read, so pings are never answered.
		<-release
	})

	s, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if m, err := nextWithin(t, s); err != nil || m.Kind != KindHeartbeat {
		t.Fatalf("first Next = %v, %v", m.Kind, err)
	}
	_, err = nextWithin(t, s)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	// Not restartable.
	if _, err := nextWithin(t, s); !errors.Is(err, ErrStale) {
		t.Errorf("second Next after failure = %v", err)
	}
}

func TestDisconnectedWhenDeviceCloses(t *testing.T) {
	c := deviceServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "rebooting"))
	})

	s, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := nextWithin(t, s); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestCloseEndsNext(t *testing.T) {
	c := deviceServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
	})

	s, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	s.Close()

	if _, err := nextWithin(t, s); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	c := deviceServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s, err := c.Open(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestOpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("unused", time.Second, WithURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := c.Open(context.Background(), "bad")
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	data, err := Encode(Message{Kind: KindDelta, Seq: 7, Payload: json.RawMessage(`{"lock":{"owner":"you","status":"locked"}}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"state_change"`) {
		t.Errorf("frame = %s", data)
	}
	m, ok, err := decode(data, time.Now())
	if err != nil || !ok || m.Kind != KindDelta || m.Seq != 7 {
		t.Errorf("decode = %+v, %v, %v", m, ok, err)
	}
	if _, err := Encode(Message{}); err == nil {
		t.Error("Encode of zero kind succeeded")
	}
}
