package collector

import (
	"context"
	"encoding/json"
	"fmt"

	"streamwatch/internal/models"
)

// collectGeneric does a plain health fetch and opportunistically reads a few
// well-known keys when the body happens to be JSON. A non-JSON body is fine.
func (c *Collector) collectGeneric(ctx context.Context, srv *models.Server, s *Sample) error {
	body, status, elapsed, err := c.fetch(ctx, srv, srv.APIEndpoint, primaryTimeout)
	if err != nil {
		return fmt.Errorf("generic health: %w", err)
	}
	if body == nil {
		c.log.Warn("generic endpoint refused", "server", srv.Hostname, "status", status)
		return nil
	}
	s.ResponseTimeMs = &elapsed

	var payload struct {
		Connections *flexNumber `json:"connections"`
		CPU         *flexNumber `json:"cpu"`
		Memory      *flexNumber `json:"memory"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if payload.Connections != nil {
		s.ActiveConnections = int(*payload.Connections)
	}
	if payload.CPU != nil {
		v := float64(*payload.CPU)
		s.CPUUsage = &v
	}
	if payload.Memory != nil {
		v := float64(*payload.Memory)
		s.MemoryUsage = &v
	}
	return nil
}
