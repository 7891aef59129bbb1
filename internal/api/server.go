// Package api is the thin HTTP surface over the sync engine: the WeCom
// callback endpoints, the control plane, read access to the leave document
// and active index, and a live event stream.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leavesync/backend/internal/callback"
	"github.com/leavesync/backend/internal/events"
	"github.com/leavesync/backend/internal/holiday"
	"github.com/leavesync/backend/internal/middleware"
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/syncer"
	"github.com/leavesync/backend/internal/wecom"
)

// Server wires the HTTP routes. Nothing here bypasses the sync lock: every
// mutation goes through the scheduler or the callback handler.
type Server struct {
	router    *mux.Router
	scheduler *syncer.Scheduler
	leaves    *store.LeaveStore
	index     *store.ActiveIndexStore
	holidays  *holiday.Service
	callbacks *callback.Handler // nil when callback credentials are absent
	bus       *events.Bus
	upgrader  websocket.Upgrader
	logger    *log.Logger
}

func NewServer(scheduler *syncer.Scheduler, leaves *store.LeaveStore, index *store.ActiveIndexStore, holidays *holiday.Service, callbacks *callback.Handler, bus *events.Bus) *Server {
	s := &Server{
		scheduler: scheduler,
		leaves:    leaves,
		index:     index,
		holidays:  holidays,
		callbacks: callbacks,
		bus:       bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

// Router returns the fully wired handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.Logging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.callbacks != nil {
		r.HandleFunc("/callback", s.callbacks.HandleVerify).Methods(http.MethodGet)
		r.HandleFunc("/callback", s.callbacks.HandleEvent).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/leave", s.handleLeave).Methods(http.MethodGet)
	api.HandleFunc("/approvals/active", s.handleActiveApprovals).Methods(http.MethodGet)
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/holidays/{year}", s.handleHolidays).Methods(http.MethodGet)

	control := api.PathPrefix("/sync").Subrouter()
	control.Use(middleware.NewRateLimiter(30).Middleware)
	control.HandleFunc("/trigger", s.handleTriggerSync).Methods(http.MethodPost)
	control.HandleFunc("/check", s.handleTriggerCheck).Methods(http.MethodPost)
	control.HandleFunc("/reset", s.handleResetCursor).Methods(http.MethodPost)
	control.HandleFunc("/scheduler/{name}/{action:start|stop}", s.handleScheduler).Methods(http.MethodPost)

	r.HandleFunc("/ws/events", s.handleEventStream)

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "leavesync",
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	doc, err := s.leaves.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleActiveApprovals(w http.ResponseWriter, r *http.Request) {
	idx, err := s.index.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.TriggerSync(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "sync completed"})
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.TriggerStatusCheck(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "status check completed"})
}

func (s *Server) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ResetCursor(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "cursor reset"})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.scheduler.SetScheduler(vars["name"], vars["action"] == "start"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error(), "bad_request"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": vars["action"] + "ed " + vars["name"]})
}

func (s *Server) handleHolidays(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(mux.Vars(r)["year"])
	if err != nil || year < 2000 || year > 2100 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid year", "bad_request"))
		return
	}
	days, err := s.holidays.Year(r.Context(), year)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error(), "holiday_api_error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"year": year, "days": days})
}

// handleEventStream streams bus events over a websocket until the client
// disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	// Reader goroutine: we never expect client messages, but reading is how
	// websocket close frames surface.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorBody(text, code string) map[string]string {
	return map[string]string{"error": text, "code": code}
}

// writeError maps engine errors onto the HTTP surface: AuthError 401,
// RangeError 400, LockBusy 409, manual-trigger cooldown 429, APIError 503,
// TransformError and StoreError 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		authErr  *wecom.AuthError
		apiErr   *wecom.APIError
		rateErr  *wecom.RateLimitError
		rangeErr *wecom.RangeError
		tfErr    *wecom.TransformError
		storeErr *store.StoreError
	)
	switch {
	case errors.Is(err, syncer.ErrLockBusy):
		writeJSON(w, http.StatusConflict, errorBody(err.Error(), "sync_in_progress"))
	case errors.Is(err, syncer.ErrTooSoon):
		writeJSON(w, http.StatusTooManyRequests, errorBody(err.Error(), "too_many_requests"))
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, errorBody(err.Error(), "upstream_auth_failed"))
	case errors.As(err, &rateErr):
		writeJSON(w, http.StatusTooManyRequests, errorBody(err.Error(), "upstream_rate_limited"))
	case errors.As(err, &rangeErr):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error(), "invalid_range"))
	case errors.As(err, &apiErr):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error(), "upstream_error"))
	case errors.As(err, &tfErr):
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error(), "transform_failed"))
	case errors.As(err, &storeErr):
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error(), "store_error"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error(), "internal_error"))
	}
}
