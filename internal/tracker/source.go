package tracker

import (
	"context"
	"sync"

	"github.com/example/ride-presence/internal/models"
)

// Fix is one reading from a location provider: either a coordinate or an error.
type Fix struct {
	Coord *models.Coord
	Err   error
}

// LocationSource is a continuous subscription to device position updates.
type LocationSource interface {
	Watch(ctx context.Context) <-chan Fix
}

// PushSource is fed from outside, e.g. by a browser posting geolocation fixes.
// Fixes pushed while nobody watches are dropped; only the newest reading matters.
type PushSource struct {
	mu   sync.Mutex
	subs map[chan Fix]struct{}
}

func NewPushSource() *PushSource {
	return &PushSource{subs: make(map[chan Fix]struct{})}
}

func (p *PushSource) Watch(ctx context.Context) <-chan Fix {
	ch := make(chan Fix, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		p.mu.Unlock()
	}()
	return ch
}

func (p *PushSource) Push(c models.Coord) { p.send(Fix{Coord: &c}) }

func (p *PushSource) Fail(err error) { p.send(Fix{Err: err}) }

func (p *PushSource) send(f Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		// replace an unread fix with the newer one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- f:
		default:
		}
	}
}

// StaticSource reports a single fixed coordinate.
type StaticSource struct {
	Coord models.Coord
}

func (s StaticSource) Watch(ctx context.Context) <-chan Fix {
	ch := make(chan Fix, 1)
	c := s.Coord
	ch <- Fix{Coord: &c}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
