package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/ride-presence/internal/models"
)

var ErrUnexpectedStatus = errors.New("unexpected status from presence table")

// HTTPTable talks to the presence table service. Calls are not retried: a
// failed sync is repeated by the next scheduled tick anyway. A circuit breaker
// stops hammering a table that keeps failing.
type HTTPTable struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPTable(baseURL string, timeout time.Duration) *HTTPTable {
	return &HTTPTable{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "presence-table",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}
}

func (t *HTTPTable) Upsert(ctx context.Context, rec models.PresenceRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, http.MethodPut, "/api/v1/presence/"+url.PathEscape(rec.ID), b, http.StatusNoContent)
	return err
}

func (t *HTTPTable) Delete(ctx context.Context, id string) error {
	_, err := t.do(ctx, http.MethodDelete, "/api/v1/presence/"+url.PathEscape(id), nil, http.StatusNoContent)
	return err
}

func (t *HTTPTable) ListSince(ctx context.Context, sinceMs int64) ([]models.PresenceRecord, error) {
	body, err := t.do(ctx, http.MethodGet, "/api/v1/presence?last_seen_gt="+strconv.FormatInt(sinceMs, 10), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var out []models.PresenceRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode presence list: %w", err)
	}
	return out, nil
}

func (t *HTTPTable) do(ctx context.Context, method, path string, payload []byte, want int) ([]byte, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.base+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != want {
			return nil, fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(b)))
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}
