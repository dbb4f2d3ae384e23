package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []models.View
	failing bool
	closed  bool
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, v.(models.View))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestHubBroadcastDropsBrokenSessions(t *testing.T) {
	h := NewHub(zap.NewNop())
	good := &fakeConn{}
	bad := &fakeConn{failing: true}
	h.Add("good", good)
	h.Add("bad", bad)

	h.Broadcast(models.View{NextSyncSeconds: 42})

	assert.Len(t, good.sent, 1)
	assert.Equal(t, 42, good.sent[0].NextSyncSeconds)
	assert.True(t, bad.closed)
	assert.Equal(t, 1, h.Len())
}

func TestHubAddReplacesSession(t *testing.T) {
	h := NewHub(zap.NewNop())
	first := &fakeConn{}
	h.Add("ui", first)
	h.Add("ui", &fakeConn{})
	assert.True(t, first.closed)
	assert.Equal(t, 1, h.Len())
}

func TestHubPump(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := &fakeConn{}
	h.Add("ui", c)
	views := make(chan models.View, 2)
	views <- models.View{Online: true}
	views <- models.View{Online: false}
	close(views)
	h.Pump(views)
	assert.Len(t, c.sent, 2)
}
