// Package collector normalizes heterogeneous upstream metrics APIs into one
// sample shape. Each supported dialect (SRS, NGINX stub_status, generic
// JSON) has its own parser; all of them treat the upstream body as
// untrusted, partially-structured input.
package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"streamwatch/internal/models"
	"streamwatch/internal/probe"
)

const (
	primaryTimeout    = 10 * time.Second
	enrichmentTimeout = 5 * time.Second
	maxBodyBytes      = 4 << 20
)

// Sample carries the metric fields one collection produced. Pointer fields
// are absent when the upstream never reported them.
type Sample struct {
	ActiveConnections int
	HLSConnections    int

	CPUUsage    *float64
	MemoryUsage *float64
	MemoryTotal *int64
	MemoryUsed  *int64
	UptimeSec   *int64

	ResponseTimeMs *float64
	ErrorCount     int

	// Bandwidth is best-effort enrichment. nil means no bandwidth data was
	// available; a non-nil zero value means the upstream reported zeros.
	Bandwidth *Bandwidth
}

// Bandwidth is the result of the SRS bandwidth sub-fetch.
type Bandwidth struct {
	InMbps        float64
	OutMbps       float64
	BytesReceived int64
	BytesSent     int64
	StreamCount   int
	Source        string // "streams" or "summaries"
}

type Collector struct {
	log *slog.Logger

	// HTTP is replaceable in tests.
	HTTP *http.Client
}

func New(logger *slog.Logger) *Collector {
	return &Collector{log: logger, HTTP: &http.Client{Timeout: primaryTimeout}}
}

// Collect fetches and normalizes detailed metrics for a reachable server.
// It never fails past this boundary: transport or parse errors on the
// primary request yield a default-valued sample with ErrorCount=1.
func (c *Collector) Collect(ctx context.Context, srv *models.Server) Sample {
	var s Sample
	if srv.APIEndpoint == "" {
		c.log.Warn("no api endpoint configured", "server", srv.Hostname)
		return s
	}

	var err error
	switch srv.APIType {
	case models.DialectNginx:
		err = c.collectNginx(ctx, srv, &s)
	case models.DialectGeneric:
		err = c.collectGeneric(ctx, srv, &s)
	default:
		err = c.collectSRS(ctx, srv, &s)
	}
	if err != nil {
		c.log.Error("collect metrics failed", "server", srv.Hostname, "dialect", srv.APIType, "err", err)
		s = Sample{ErrorCount: 1}
	}
	return s
}

// fetch issues an authenticated GET and returns the body and elapsed
// milliseconds. A non-200 answer is reported via status with a nil body so
// callers can distinguish protocol refusals from transport failures.
func (c *Collector) fetch(ctx context.Context, srv *models.Server, url string, timeout time.Duration) (body []byte, status int, elapsedMs float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	probe.SetAuth(req, srv)

	start := time.Now()
	res, err := c.HTTP.Do(req)
	elapsedMs = float64(time.Since(start).Milliseconds())
	if err != nil {
		return nil, 0, elapsedMs, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, res.StatusCode, elapsedMs, nil
	}
	body, err = io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, res.StatusCode, elapsedMs, fmt.Errorf("read body: %w", err)
	}
	return body, res.StatusCode, elapsedMs, nil
}
