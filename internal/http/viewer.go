package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/dispatch"
	"github.com/example/ride-presence/internal/engine"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/tracker"
)

// goOnlineMessage is shown to the user when going online is refused.
const goOnlineMessage = "A contact handle and location permission are required."

// ViewerServer is the local API behind the single-page view of one viewer.
type ViewerServer struct {
	engine *engine.Engine
	source *tracker.PushSource
	hub    *dispatch.Hub
	logger *zap.Logger
	// ctx outlives individual requests; background syncs and deletes run under it.
	ctx context.Context
	mux *mux.Router
}

// NewViewerServer wires the routes. source is nil when the coordinate is fixed by config.
func NewViewerServer(ctx context.Context, e *engine.Engine, source *tracker.PushSource, hub *dispatch.Hub, logger *zap.Logger) *ViewerServer {
	s := &ViewerServer{engine: e, source: source, hub: hub, logger: logger, ctx: ctx, mux: mux.NewRouter()}
	s.routes()
	return s
}

func (s *ViewerServer) routes() {
	s.mux.Use(recoverMiddleware(s.logger), requestIDMiddleware, observabilityMiddleware(s.logger))
	s.mux.HandleFunc("/api/v1/location", s.handleLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/session", s.handleGoOnline).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/session", s.handleGoOffline).Methods(http.MethodDelete)
	s.mux.HandleFunc("/api/v1/view", s.handleView).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.Handle("/healthz", NewHealthHandler("presence-viewer")).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *ViewerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationRequest struct {
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Error string   `json:"error,omitempty"`
}

func (s *ViewerServer) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusConflict, "location is fixed by configuration")
		return
	}
	var in locationRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Error != "" {
		s.source.Fail(errors.New(in.Error))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if in.Lat == nil || in.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	c := models.Coord{Lat: *in.Lat, Lng: *in.Lng}
	if !c.Valid() {
		writeError(w, http.StatusBadRequest, "coordinate out of range")
		return
	}
	s.source.Push(c)
	w.WriteHeader(http.StatusAccepted)
}

func (s *ViewerServer) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	var in engine.OnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.engine.GoOnline(s.ctx, in)
	switch {
	case errors.Is(err, tracker.ErrContactRequired), errors.Is(err, tracker.ErrLocationRequired):
		writeError(w, http.StatusUnprocessableEntity, goOnlineMessage)
	case errors.Is(err, tracker.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrAlreadyOnline):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("go online failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "go online failed")
	default:
		writeJSON(w, http.StatusCreated, rec)
	}
}

func (s *ViewerServer) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	s.engine.GoOffline(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ViewerServer) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.View())
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *ViewerServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	session := s.hub.Add(id, conn)
	if err := session.Send(s.engine.View()); err != nil {
		s.hub.Remove(id)
		return
	}
	// the UI never sends anything; reading only detects the close
	go func() {
		defer s.hub.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
