// Package probe implements the connectivity check that runs ahead of metric
// collection. A probe always persists the status it resolved, so the server
// row is durable even when the rest of the pipeline fails.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"streamwatch/internal/models"
)

const probeTimeout = 10 * time.Second

// StatusStore is the one write the probe performs.
type StatusStore interface {
	UpdateServerStatus(ctx context.Context, id int64, status models.Status) error
}

// Result describes a single connectivity check.
type Result struct {
	Reachable   bool
	LatencyMs   float64
	HTTPStatus  int
	ErrorDetail string
}

type Client struct {
	store StatusStore
	log   *slog.Logger

	// HTTP is replaceable in tests.
	HTTP *http.Client
}

func New(store StatusStore, logger *slog.Logger) *Client {
	return &Client{
		store: store,
		log:   logger,
		HTTP:  &http.Client{Timeout: probeTimeout},
	}
}

// Probe checks whether the server answers HTTP 200 within the timeout and
// persists the resulting status: up on 200, down on non-200 or transport
// failure, unknown when the probe itself could not be performed.
func (c *Client) Probe(ctx context.Context, srv *models.Server) Result {
	target := srv.APIEndpoint
	if target == "" {
		target = fmt.Sprintf("http://%s:%d", srv.Address, srv.Port)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		// Malformed target is a probe malfunction, not a confirmed outage.
		c.setStatus(ctx, srv, models.StatusUnknown)
		c.log.Error("probe request build failed", "server", srv.Hostname, "err", err)
		return Result{ErrorDetail: err.Error()}
	}
	SetAuth(req, srv)

	start := time.Now()
	res, err := c.HTTP.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		c.setStatus(ctx, srv, models.StatusDown)
		c.log.Warn("probe failed", "server", srv.Hostname, "err", err)
		return Result{LatencyMs: latency, ErrorDetail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		c.setStatus(ctx, srv, models.StatusDown)
		return Result{LatencyMs: latency, HTTPStatus: res.StatusCode, ErrorDetail: fmt.Sprintf("HTTP %d", res.StatusCode)}
	}

	c.setStatus(ctx, srv, models.StatusUp)
	return Result{Reachable: true, LatencyMs: latency, HTTPStatus: res.StatusCode}
}

func (c *Client) setStatus(ctx context.Context, srv *models.Server, status models.Status) {
	srv.Status = status
	if err := c.store.UpdateServerStatus(ctx, srv.ID, status); err != nil {
		c.log.Error("persist server status", "server", srv.Hostname, "status", status, "err", err)
	}
}

// SetAuth applies the server's configured credentials to a request. A bearer
// token takes precedence over username/password.
func SetAuth(req *http.Request, srv *models.Server) {
	switch {
	case srv.APIToken != "":
		req.Header.Set("Authorization", "Bearer "+srv.APIToken)
	case srv.APIUsername != "" && srv.APIPassword != "":
		req.SetBasicAuth(srv.APIUsername, srv.APIPassword)
	}
}
