package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("unused", "api-token", timeout, WithBaseURL(srv.URL))
}

func TestAuthenticateAndBearer(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["token"] != "api-token" {
				http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
				return
			}
			if r.Header.Get("Authorization") != "" {
				t.Error("auth.create sent an Authorization header")
			}
			json.NewEncoder(w).Encode(map[string]string{"token": "sess-1"})
		case "/api/v1/data/snapshot":
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{"snapshot": map[string]any{}})
		default:
			http.NotFound(w, r)
		}
	}, time.Second)

	tok, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if tok != "sess-1" || c.SessionToken() != "sess-1" {
		t.Fatalf("token = %q / %q", tok, c.SessionToken())
	}

	if err := c.Call(context.Background(), OpSnapshot, nil, nil); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if gotAuth != "Bearer sess-1" {
		t.Errorf("Authorization = %q, want bearer session token", gotAuth)
	}
}

func TestCallDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/controls/lock" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"owner":"none","status":"unlocked"}`))
	}, time.Second)

	var out struct {
		Owner  string `json:"owner"`
		Status string `json:"status"`
	}
	if err := c.Call(context.Background(), OpLockStatus, nil, &out); err != nil {
		t.Fatal(err)
	}
	if out.Owner != "none" || out.Status != "unlocked" {
		t.Errorf("decoded %+v", out)
	}
}

func TestCallRejected(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"structured", http.StatusConflict, `{"error":{"code":"lock_busy","message":"held by admin"}}`, "lock_busy", "held by admin"},
		{"string error", http.StatusBadRequest, `{"error":"joints out of range"}`, "bad_request", "joints out of range"},
		{"plain body", http.StatusInternalServerError, `boom`, "server_error", "boom"},
		{"locked status", http.StatusLocked, ``, "locked", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, time.Second)

			err := c.Call(context.Background(), OpHome, nil, nil)
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("err = %v, want ErrRejected", err)
			}
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("err is %T, want *Error", err)
			}
			if te.Status != tt.status || te.Code != tt.wantCode || te.Message != tt.wantMsg {
				t.Errorf("got status=%d code=%q msg=%q", te.Status, te.Code, te.Message)
			}
			if te.Op != OpHome.Name {
				t.Errorf("Op = %q", te.Op)
			}
		})
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)

	err := c.Call(context.Background(), OpSnapshot, nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *Error
	if errors.As(err, &te) && te.Temporary() != true {
		t.Error("timeout should be temporary")
	}
}

func TestCallUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New("unused", "t", time.Second, WithBaseURL(url))
	err := c.Call(context.Background(), OpSnapshot, nil, nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestIsUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, time.Second)

	err := c.Call(context.Background(), OpSnapshot, nil, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("IsUnauthorized(%v) = false", err)
	}
	if IsUnauthorized(errors.New("other")) {
		t.Error("IsUnauthorized(plain error) = true")
	}
}

func TestLookup(t *testing.T) {
	op, ok := Lookup("controls.go_to")
	if !ok || op != OpGoTo {
		t.Fatalf("Lookup(controls.go_to) = %+v, %v", op, ok)
	}
	if op.Idempotent {
		t.Error("motion command marked idempotent")
	}
	if _, ok := Lookup("controls.fly"); ok {
		t.Error("Lookup of unknown op succeeded")
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct{ in, want string }{
		{"192.168.1.245", "192.168.1.245"},
		{"http://192.168.1.245/", "192.168.1.245"},
		{"https://www.eva.local", "eva.local"},
		{"ws://10.0.0.2:8080//", "10.0.0.2:8080"},
		{"  eva.local  ", "eva.local"},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
