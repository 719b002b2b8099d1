package sim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/evarobotics/evago/pkg/stream"
)

// Version is reported by the versions endpoint.
const Version = "4.11.0-sim"

const tokenProtocolPrefix = "SessionToken_"

// Handler returns the device's HTTP API rooted at /api/v1/.
func (d *Device) Handler() http.Handler {
	mux := http.NewServeMux()
	d.SetupRoutes(mux)
	return mux
}

func (d *Device) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/versions", d.handleVersions)
	mux.HandleFunc("GET /api/v1/name", d.handleName)

	mux.HandleFunc("POST /api/v1/auth", d.handleAuthCreate)
	mux.HandleFunc("POST /api/v1/auth/renew", d.authorized(d.handleAuthRenew))
	mux.HandleFunc("DELETE /api/v1/auth", d.authorized(d.handleAuthDelete))

	mux.HandleFunc("GET /api/v1/data/snapshot", d.authorized(d.handleSnapshot))
	mux.HandleFunc("POST /api/v1/data/globals", d.authorized(d.handleCommand("globals")))
	mux.HandleFunc("GET /api/v1/data/stream", d.handleStream)

	mux.HandleFunc("GET /api/v1/controls/lock", d.authorized(d.handleLockStatus))
	mux.HandleFunc("POST /api/v1/controls/lock", d.authorized(d.handleLock(d.acquire)))
	mux.HandleFunc("PUT /api/v1/controls/lock", d.authorized(d.handleLock(d.renew)))
	mux.HandleFunc("DELETE /api/v1/controls/lock", d.authorized(d.handleLock(d.release)))

	for _, name := range []string{"home", "go_to", "run", "pause", "resume", "cancel", "stop_loop", "reset_errors",
		"acknowledge_collision", "collision_detection"} {
		mux.HandleFunc("POST /api/v1/controls/"+name, d.authorized(d.handleCommand(name)))
	}
	mux.HandleFunc("POST /api/v1/toolpath/use", d.authorized(d.handleCommand("toolpath")))
}

// Run drives the motion model and heartbeats until ctx ends.
func (d *Device) Run(ctx context.Context) {
	tick := d.clock.NewTicker(d.opts.Tick)
	defer tick.Stop()
	beat := d.clock.NewTicker(d.opts.Heartbeat)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			d.DropClients()
			return
		case <-tick.C:
			d.Tick()
		case <-beat.C:
			d.mu.Lock()
			d.broadcastLocked(stream.Message{Kind: stream.KindHeartbeat})
			d.mu.Unlock()
		}
	}
}

func bearer(r *http.Request) string {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tok)
}

// authorized rejects requests without a live session token.
func (d *Device) authorized(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if !d.validSession(tok) {
			writeError(w, &apiError{http.StatusUnauthorized, "unauthorized", "invalid or expired session token"})
			return
		}
		next(w, r, tok)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = &apiError{http.StatusInternalServerError, "internal", err.Error()}
	}
	writeJSON(w, ae.status, map[string]any{
		"error": map[string]string{"code": ae.code, "message": ae.message},
	})
}

func (d *Device) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"APIs": []string{"v1"}, "robot": Version})
}

func (d *Device) handleName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": d.opts.Name})
}

func (d *Device) handleAuthCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("decode body: %v", err))
		return
	}
	tok, ok := d.createSession(req.Token)
	if !ok {
		writeError(w, &apiError{http.StatusUnauthorized, "unauthorized", "invalid API token"})
		return
	}
	d.logger.Info("session created", "session", shortID(tok))
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (d *Device) handleAuthRenew(w http.ResponseWriter, r *http.Request, tok string) {
	w.WriteHeader(http.StatusNoContent)
}

func (d *Device) handleAuthDelete(w http.ResponseWriter, r *http.Request, tok string) {
	d.dropSession(tok)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Device) handleSnapshot(w http.ResponseWriter, r *http.Request, tok string) {
	d.mu.Lock()
	d.expireLocked()
	d.snapshots++
	resp := map[string]any{"seq": d.seq, "snapshot": d.fieldsLocked()}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (d *Device) handleLockStatus(w http.ResponseWriter, r *http.Request, tok string) {
	writeJSON(w, http.StatusOK, d.lockStatus(tok))
}

func (d *Device) handleLock(op func(string) error) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, tok string) {
		if err := op(tok); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d *Device) handleCommand(name string) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, tok string) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, badRequest("read body: %v", err))
			return
		}
		var req commandRequest
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				writeError(w, badRequest("decode body: %v", err))
				return
			}
		}
		if err := d.command(tok, name, req, raw); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// streamToken finds the session token in the SessionToken_ subprotocol or
// the Authorization header.
func streamToken(r *http.Request) string {
	for _, p := range websocket.Subprotocols(r) {
		if tok, ok := strings.CutPrefix(p, tokenProtocolPrefix); ok {
			return tok
		}
	}
	return bearer(r)
}

func (d *Device) handleStream(w http.ResponseWriter, r *http.Request) {
	tok := streamToken(r)
	if !d.validSession(tok) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{"object"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("stream upgrade failed", "err", err)
		return
	}

	d.mu.Lock()
	c := d.bc.add(conn, d.snapshotFrameLocked())
	d.mu.Unlock()
	d.logger.Info("stream client connected", "remote", r.RemoteAddr, "session", shortID(tok))

	// Reading keeps the default ping handler answering keep-alives.
	go func() {
		defer func() {
			d.bc.remove(c)
			d.logger.Info("stream client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
