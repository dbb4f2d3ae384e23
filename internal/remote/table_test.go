package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-presence/internal/models"
)

func TestHTTPTableRoundTrip(t *testing.T) {
	var (
		mu                           sync.Mutex
		gotPath, gotMethod, gotQuery string
	)
	last := func() (string, string, string) {
		mu.Lock()
		defer mu.Unlock()
		return gotPath, gotMethod, gotQuery
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotMethod, gotQuery = r.URL.Path, r.Method, r.URL.RawQuery
		mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"u-2","role":"DRIVER","location":{"lat":39.92,"lng":32.81},"last_seen":5}]`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	tbl := NewHTTPTable(srv.URL+"/", time.Second)
	ctx := context.Background()

	require.NoError(t, tbl.Upsert(ctx, models.PresenceRecord{ID: "u-1", Role: models.RoleDriver}))
	path, method, _ := last()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/api/v1/presence/u-1", path)

	require.NoError(t, tbl.Delete(ctx, "u-1"))
	_, method, _ = last()
	assert.Equal(t, http.MethodDelete, method)

	out, err := tbl.ListSince(ctx, 1234)
	require.NoError(t, err)
	_, _, query := last()
	assert.Equal(t, "last_seen_gt=1234", query)
	require.Len(t, out, 1)
	assert.Equal(t, "u-2", out[0].ID)
	assert.Equal(t, 32.81, out[0].Location.Lng)
}

func TestHTTPTableUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tbl := NewHTTPTable(srv.URL, time.Second)
	err := tbl.Delete(context.Background(), "u-1")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPTableBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tbl := NewHTTPTable(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, _ = tbl.ListSince(context.Background(), 0)
	}
	_, err := tbl.ListSince(context.Background(), 0)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}
