package collector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"streamwatch/internal/models"
)

// collectNginx parses the stub_status plain-text format:
//
//	Active connections: 291
//	server accepts handled requests
//	 16630948 16630948 31070465
//	Reading: 6 Writing: 179 Waiting: 106
func (c *Collector) collectNginx(ctx context.Context, srv *models.Server, s *Sample) error {
	body, status, elapsed, err := c.fetch(ctx, srv, srv.APIEndpoint, primaryTimeout)
	if err != nil {
		return fmt.Errorf("nginx status: %w", err)
	}
	if body == nil {
		c.log.Warn("nginx status endpoint refused", "server", srv.Hostname, "status", status)
		return nil
	}

	active, ok := parseStubStatus(string(body))
	if ok {
		s.ActiveConnections = active
	}
	s.ResponseTimeMs = &elapsed
	return nil
}

func parseStubStatus(body string) (active int, ok bool) {
	fallback, haveFallback := 0, false
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		line = strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(line, "Active connections:"); found {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n, true
			}
			continue
		}
		// The counters line (accepts handled requests) stands in for the
		// connection count only when the labeled line is missing.
		if fields := strings.Fields(line); len(fields) >= 3 && allDigits(fields) && !haveFallback {
			if n, err := strconv.Atoi(fields[0]); err == nil {
				fallback, haveFallback = n, true
			}
		}
	}
	if haveFallback {
		return fallback, true
	}
	return 0, false
}

func allDigits(fields []string) bool {
	for _, f := range fields {
		for _, r := range f {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
