package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"shiftgate/pkg/platform/httputil"
)

// healthCheck pings one dependency. A failing non-critical check reports
// the service as degraded but still answers 200.
type healthCheck struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		results := make([]error, len(checks))
		var g errgroup.Group
		for i, c := range checks {
			g.Go(func() error {
				results[i] = c.ping(ctx)
				return nil
			})
		}
		_ = g.Wait()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for i, c := range checks {
			if results[i] == nil {
				resp.Checks[c.name] = "ok"
				continue
			}
			resp.Checks[c.name] = results[i].Error()
			if c.critical {
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
			} else if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
		httputil.WriteJSON(w, status, resp)
	}
}
