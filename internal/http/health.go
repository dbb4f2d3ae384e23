package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/hellofresh/health-go/v5"
)

type healthOptions struct {
	checks []health.Config
}

type HealthOption func(*healthOptions)

// WithCheck registers a named dependency check, e.g. the presence store's Ping.
func WithCheck(name string, timeout time.Duration, check func(ctx context.Context) error) HealthOption {
	return func(o *healthOptions) {
		if check == nil {
			return
		}
		o.checks = append(o.checks, health.Config{
			Name:      name,
			Timeout:   timeout,
			SkipOnErr: false,
			Check:     check,
		})
	}
}

func NewHealthHandler(serviceName string, opts ...HealthOption) http.Handler {
	options := &healthOptions{}
	for _, opt := range opts {
		opt(options)
	}

	h, _ := health.New(health.WithComponent(health.Component{
		Name:    serviceName,
		Version: "1.0.0",
	}))
	for _, check := range options.checks {
		_ = h.Register(check)
	}
	return h.Handler()
}
