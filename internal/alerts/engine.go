// Package alerts derives alert records from metric samples. The engine is
// stateless: every evaluation reads the open-alert set for dedup and returns
// only the alerts that should be inserted.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"streamwatch/internal/models"
)

const (
	cpuThreshold      = 80.0
	memoryThreshold   = 85.0
	responseThreshold = 5000.0 // ms
)

// Store is the dedup read the engine depends on.
type Store interface {
	FindUnacknowledgedAlert(ctx context.Context, serverID int64, alertType models.AlertType) (*models.Alert, error)
}

type rule struct {
	typ      models.AlertType
	severity models.Severity
	check    func(srv *models.Server, m *models.MetricSample) (bool, string)
}

type Engine struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
	rules []rule
}

func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store: store,
		log:   logger,
		now:   time.Now,
		rules: []rule{
			{models.AlertServerDown, models.SeverityCritical, checkDown},
			{models.AlertCPUHigh, models.SeverityWarning, checkCPU},
			{models.AlertMemoryHigh, models.SeverityWarning, checkMemory},
			{models.AlertResponseSlow, models.SeverityWarning, checkResponse},
		},
	}
}

// Evaluate runs every rule against the server's current status and the
// sample just collected. For each firing rule with no open alert of the same
// type, a new alert record is returned for insertion. Rules are isolated:
// one rule failing never suppresses the others.
func (e *Engine) Evaluate(ctx context.Context, srv *models.Server, m *models.MetricSample) []*models.Alert {
	var out []*models.Alert
	for _, r := range e.rules {
		a := e.evalRule(ctx, r, srv, m)
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) evalRule(ctx context.Context, r rule, srv *models.Server, m *models.MetricSample) (alert *models.Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("alert rule panicked", "rule", r.typ, "server", srv.Hostname, "panic", rec)
			alert = nil
		}
	}()

	fire, msg := r.check(srv, m)
	if !fire {
		return nil
	}
	existing, err := e.store.FindUnacknowledgedAlert(ctx, srv.ID, r.typ)
	if err != nil {
		e.log.Error("alert dedup lookup failed", "rule", r.typ, "server", srv.Hostname, "err", err)
		return nil
	}
	if existing != nil {
		// Condition persists; the open alert already covers it.
		return nil
	}
	return &models.Alert{
		ServerID:  srv.ID,
		Type:      r.typ,
		Severity:  r.severity,
		Message:   msg,
		CreatedAt: e.now().UTC(),
	}
}

func checkDown(srv *models.Server, _ *models.MetricSample) (bool, string) {
	if srv.Status != models.StatusDown {
		return false, ""
	}
	return true, fmt.Sprintf("Server %s is down and not responding to health checks.", srv.Hostname)
}

func checkCPU(srv *models.Server, m *models.MetricSample) (bool, string) {
	if m.CPUUsage == nil || *m.CPUUsage <= cpuThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("High CPU usage on %s: %.1f%%", srv.Hostname, *m.CPUUsage)
}

func checkMemory(srv *models.Server, m *models.MetricSample) (bool, string) {
	if m.MemoryUsage == nil || *m.MemoryUsage <= memoryThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("High memory usage on %s: %.1f%%", srv.Hostname, *m.MemoryUsage)
}

func checkResponse(srv *models.Server, m *models.MetricSample) (bool, string) {
	if m.ResponseTime == nil || *m.ResponseTime <= responseThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("Slow response time on %s: %.0fms", srv.Hostname, *m.ResponseTime)
}
