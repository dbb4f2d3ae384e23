package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/geo"
	"github.com/example/ride-presence/internal/ingest"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/storage"
)

const maxNearby = 100

type TableOptions struct {
	// Window bounds the records the nearby query may return.
	Window time.Duration
	// MirrorGeo makes the server maintain the geo index itself; leave it off when
	// the Kafka consumer mirrors events into the index instead.
	MirrorGeo bool
	Limiter   *RateLimiter
	Health    http.Handler
	Now       func() time.Time
}

// TableServer exposes the shared presence table: upsert-by-id, delete-by-id and
// select-where-last_seen-greater-than. It stores and filters; it never ranks.
type TableServer struct {
	store  storage.PresenceStore
	geo    geo.Geo
	events ingest.Publisher
	logger *zap.Logger
	opts   TableOptions
	mux    *mux.Router
}

func NewTableServer(store storage.PresenceStore, g geo.Geo, events ingest.Publisher, logger *zap.Logger, opts TableOptions) *TableServer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Minute
	}
	if events == nil {
		events = ingest.Nop{}
	}
	if opts.Health == nil {
		opts.Health = NewHealthHandler("presence-table", WithCheck("store", 3*time.Second, store.Ping))
	}
	s := &TableServer{store: store, geo: g, events: events, logger: logger, opts: opts, mux: mux.NewRouter()}
	s.routes()
	return s
}

func (s *TableServer) routes() {
	s.mux.Use(recoverMiddleware(s.logger), requestIDMiddleware, observabilityMiddleware(s.logger))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	if s.opts.Limiter != nil {
		api.Use(s.opts.Limiter.Middleware(s.logger))
	}
	api.HandleFunc("/presence", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/presence/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/presence/{id}", s.handleUpsert).Methods(http.MethodPut)
	api.HandleFunc("/presence/{id}", s.handleDelete).Methods(http.MethodDelete)

	s.mux.Handle("/healthz", s.opts.Health).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *TableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// WarmGeo loads live records into the geo index; used when the server owns the index.
func (s *TableServer) WarmGeo(ctx context.Context) error {
	if s.geo == nil || !s.opts.MirrorGeo {
		return nil
	}
	rows, err := s.store.ListSince(ctx, s.opts.Now().Add(-s.opts.Window).UnixMilli())
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := s.geo.Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *TableServer) handleUpsert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var rec models.PresenceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}

	err := s.store.Upsert(r.Context(), rec)
	observability.TableOps.WithLabelValues("upsert", observability.Result(err)).Inc()
	switch {
	case errors.Is(err, storage.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("upsert failed", zap.String("id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upsert failed")
		return
	}

	if s.opts.MirrorGeo && s.geo != nil {
		if err := s.geo.Upsert(r.Context(), rec); err != nil {
			s.logger.Warn("geo index upsert failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	s.publish(r.Context(), models.PresenceEvent{Type: models.EventUpsert, Record: rec})
	w.WriteHeader(http.StatusNoContent)
}

func (s *TableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.store.Delete(r.Context(), id)
	observability.TableOps.WithLabelValues("delete", observability.Result(err)).Inc()
	if err != nil {
		s.logger.Error("delete failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if s.opts.MirrorGeo && s.geo != nil {
		if err := s.geo.Remove(r.Context(), id); err != nil {
			s.logger.Warn("geo index remove failed", zap.String("id", id), zap.Error(err))
		}
	}
	s.publish(r.Context(), models.PresenceEvent{Type: models.EventDelete, Record: models.PresenceRecord{ID: id}})
	w.WriteHeader(http.StatusNoContent)
}

func (s *TableServer) handleList(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("last_seen_gt"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "last_seen_gt must be epoch milliseconds")
		return
	}
	rows, err := s.store.ListSince(r.Context(), since)
	observability.TableOps.WithLabelValues("list", observability.Result(err)).Inc()
	if err != nil {
		s.logger.Error("list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *TableServer) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.geo == nil {
		writeError(w, http.StatusNotImplemented, "geo index not configured")
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	c := models.Coord{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !c.Valid() {
		writeError(w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxNearby)
	}

	// the index is not expired on its own; apply the same window as every reader
	since := s.opts.Now().Add(-s.opts.Window).UnixMilli()
	out, err := s.geo.Nearby(r.Context(), c, since, limit)
	if err != nil {
		s.logger.Error("nearby failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "nearby failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *TableServer) publish(ctx context.Context, ev models.PresenceEvent) {
	ev.At = s.opts.Now().UnixMilli()
	err := s.events.Publish(ctx, ev)
	observability.EventsPublished.WithLabelValues(observability.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("publish presence event failed", zap.String("id", ev.Record.ID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
