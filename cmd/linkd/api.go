package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rickgao/wslink/internal/auth"
	"github.com/rickgao/wslink/internal/connection"
	"github.com/rickgao/wslink/internal/journal"
	"github.com/rickgao/wslink/internal/notify"
	"github.com/rickgao/wslink/internal/router"
	"github.com/rickgao/wslink/internal/version"
)

const maxMessageBody = 1 << 20

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// api serves the control endpoints of the daemon.
type api struct {
	mgr         connection.Manager
	session     *auth.Session
	notices     *notify.Recorder
	journal     *journal.Journal // nil when journaling is off
	db          pinger           // nil when journaling is off
	sendTimeout time.Duration
	logger      *slog.Logger
}

type statusResponse struct {
	State        string         `json:"state"`
	Attempt      int            `json:"attempt"`
	SessionID    string         `json:"session_id,omitempty"`
	RetryPending bool           `json:"retry_pending"`
	RetryDelay   string         `json:"retry_delay,omitempty"`
	Queued       int            `json:"queued"`
	Sent         int64          `json:"sent"`
	Received     int64          `json:"received"`
	Malformed    int64          `json:"malformed"`
	Dials        int64          `json:"dials"`
	Pings        int64          `json:"pings"`
	Pongs        int64          `json:"pongs"`
	Timeouts     int64          `json:"timeouts"`
	Heartbeat    *heartbeatInfo `json:"heartbeat,omitempty"`
	Dispatch     dispatchStatus `json:"dispatch"`
	Notices      []notify.Entry `json:"notices"`
	Journal      *journalStatus `json:"journal,omitempty"`
}

type heartbeatInfo struct {
	LastPingAt   *time.Time `json:"last_ping_at,omitempty"`
	LastPongAt   *time.Time `json:"last_pong_at,omitempty"`
	PingInFlight bool       `json:"ping_in_flight"`
}

type dispatchStatus struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	HandlerPanics int64 `json:"handler_panics"`
	Unrouted      int64 `json:"unrouted"`
	Subscriptions int   `json:"subscriptions"`
}

type journalStatus struct {
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
	Inserts  int64 `json:"inserts"`
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"errors"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (a *api) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/connect", a.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/token", a.handleSetToken).Methods(http.MethodPut)
	r.HandleFunc("/token", a.handleClearToken).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{type}", a.handleSend).Methods(http.MethodPost)
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string         `json:"status"`
		Version    string         `json:"version"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Version:    version.Version,
		Components: make(map[string]any),
	}

	state := a.mgr.Status()
	health.Components["link"] = state.String()
	switch state {
	case connection.Connected:
	case connection.Failed:
		health.Status = "unhealthy"
	default:
		health.Status = "degraded"
	}

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["journal_db"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["journal_db"] = "connected"
		}
	}

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := a.mgr.Stats()

	resp := statusResponse{
		State:        stats.State.String(),
		Attempt:      stats.Attempt,
		SessionID:    stats.SessionID,
		RetryPending: stats.RetryPending,
		Queued:       stats.Queued,
		Sent:         stats.Sent,
		Received:     stats.Received,
		Malformed:    stats.Malformed,
		Dials:        stats.Dials,
		Pings:        stats.Pings,
		Pongs:        stats.Pongs,
		Timeouts:     stats.Timeouts,
		Dispatch: dispatchStatus{
			Published:     stats.Dispatch.Published,
			Delivered:     stats.Dispatch.Delivered,
			HandlerPanics: stats.Dispatch.HandlerPanics,
			Unrouted:      stats.Dispatch.Unrouted,
			Subscriptions: stats.Dispatch.Subscriptions,
		},
		Notices: a.notices.Entries(),
	}
	if stats.RetryPending {
		resp.RetryDelay = stats.RetryDelay.String()
	}
	if stats.SessionID != "" {
		hb := stats.Heartbeat
		resp.Heartbeat = &heartbeatInfo{
			LastPingAt:   timeOrNil(hb.LastPingAt),
			LastPongAt:   timeOrNil(hb.LastPongAt),
			PingInFlight: hb.PingInFlight,
		}
	}
	if a.journal != nil {
		m := a.journal.Stats()
		resp.Journal = &journalStatus{
			Received: m.Received,
			Dropped:  m.Dropped,
			Inserts:  m.Inserts,
			Flushes:  m.Flushes,
			Errors:   m.Errors,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.Connect(); err != nil {
		code := http.StatusConflict
		if errors.Is(err, connection.ErrNotAuthenticated) {
			code = http.StatusUnauthorized
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": a.mgr.Status().String()})
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "api"
	}
	a.mgr.Disconnect(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"state": a.mgr.Status().String()})
}

func (a *api) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, auth.ErrNoToken)
		return
	}

	a.session.SetToken(req.Token)
	a.logger.Info("token updated via api")
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleClearToken(w http.ResponseWriter, r *http.Request) {
	a.session.Clear()
	a.logger.Info("token cleared via api")
	w.WriteHeader(http.StatusNoContent)
}

// handleSend queues the request body as the payload of a {type} envelope.
// It answers 200 once the frame is written and 202 if it is still queued
// when the send timeout elapses.
func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	msgType := mux.Vars(r)["type"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, errors.New("body is not valid JSON"))
			return
		}
		payload = json.RawMessage(body)
	}

	p := a.mgr.SendAsync(msgType, payload)

	ctx, cancel := context.WithTimeout(r.Context(), a.sendTimeout)
	defer cancel()

	err = p.Wait(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	case !p.Resolved():
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, connection.ErrReservedType), errors.Is(err, router.ErrMissingType):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusConflict, err)
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
