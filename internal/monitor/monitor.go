// Package monitor drives the collection cycle: on a fixed interval it probes
// every registered server, collects metrics from the reachable ones, appends
// one sample per server, and evaluates alerts. A failure in one server's
// pipeline never aborts the cycle for the others.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamwatch/internal/alerts"
	"streamwatch/internal/collector"
	"streamwatch/internal/models"
	"streamwatch/internal/notifier"
	"streamwatch/internal/probe"
)

const (
	// DefaultInterval is the collection cadence.
	DefaultInterval = 5 * time.Minute

	// maxConcurrentProbes bounds the per-cycle fan-out so a large fleet does
	// not overwhelm the poller's own network stack.
	maxConcurrentProbes = 8
)

// Store is the persistence surface the orchestrator writes through.
type Store interface {
	ListServers(ctx context.Context) ([]models.Server, error)
	CommitCycle(ctx context.Context, metrics []*models.MetricSample, alerts []*models.Alert) error
}

type Monitor struct {
	store   Store
	probe   *probe.Client
	collect *collector.Collector
	engine  *alerts.Engine
	notify  notifier.Notifier
	log     *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(store Store, pc *probe.Client, cc *collector.Collector, engine *alerts.Engine, notify notifier.Notifier, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    store,
		probe:    pc,
		collect:  cc,
		engine:   engine,
		notify:   notify,
		log:      logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the background loop: one immediate cycle, then one per
// interval. Cycles run sequentially; an overrunning cycle delays the next
// tick instead of overlapping it. Start after Stop is valid.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	m.log.Info("monitoring started", "interval", m.interval)
}

// Stop halts the loop and waits for any in-flight cycle to finish, so no
// writes are abandoned mid-cycle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.log.Info("monitoring stopped")
}

func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	m.RunCycle(context.Background())
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.RunCycle(context.Background())
		}
	}
}

type outcome struct {
	srv        *models.Server
	prevStatus models.Status
	sample     *models.MetricSample
}

// RunCycle performs one full pass over the registered fleet. Fetch work is
// fanned out with bounded concurrency; persistence and alert evaluation run
// serialized afterwards so the dedup read-then-insert sees a consistent view.
func (m *Monitor) RunCycle(ctx context.Context) {
	start := m.now()
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		m.log.Error("list servers", "err", err)
		return
	}
	if len(servers) == 0 {
		return
	}

	outcomes := make([]outcome, len(servers))
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = m.collectOne(ctx, &servers[i])
		}(i)
	}
	wg.Wait()

	// Serial commit phase.
	var cycleMetrics []*models.MetricSample
	var cycleAlerts []*models.Alert
	for _, o := range outcomes {
		if o.sample == nil {
			continue
		}
		cycleMetrics = append(cycleMetrics, o.sample)
		cycleAlerts = append(cycleAlerts, m.engine.Evaluate(ctx, o.srv, o.sample)...)
		if o.prevStatus != models.StatusDown && o.srv.Status == models.StatusDown {
			m.notifyDown(ctx, o.srv)
		}
	}

	if err := m.store.CommitCycle(ctx, cycleMetrics, cycleAlerts); err != nil {
		// Drop the batch; the next cycle re-collects and retries naturally.
		m.log.Error("commit cycle", "err", err, "metrics", len(cycleMetrics), "alerts", len(cycleAlerts))
		return
	}
	for _, a := range cycleAlerts {
		if a.Severity == models.SeverityCritical || a.Severity == models.SeverityError {
			m.notifyAlert(ctx, a)
		}
	}
	m.log.Info("cycle complete",
		"servers", len(servers),
		"alerts", len(cycleAlerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// collectOne runs the probe-then-collect pipeline for a single server and
// always produces a sample, even on total failure.
func (m *Monitor) collectOne(ctx context.Context, srv *models.Server) (o outcome) {
	o = outcome{srv: srv, prevStatus: srv.Status}
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("server pipeline panicked", "server", srv.Hostname, "panic", rec)
			if o.sample == nil {
				o.sample = m.minimalSample(srv)
			}
		}
	}()

	pr := m.probe.Probe(ctx, srv)
	if !pr.Reachable {
		o.sample = m.minimalSample(srv)
		return o
	}

	cs := m.collect.Collect(ctx, srv)
	sample := &models.MetricSample{
		ServerID:          srv.ID,
		TS:                m.now().UTC(),
		CPUUsage:          cs.CPUUsage,
		MemoryUsage:       cs.MemoryUsage,
		MemoryTotal:       cs.MemoryTotal,
		MemoryUsed:        cs.MemoryUsed,
		ActiveConnections: cs.ActiveConnections,
		HLSConnections:    cs.HLSConnections,
		UptimeSec:         cs.UptimeSec,
		ErrorCount:        cs.ErrorCount,
	}
	// The connectivity probe's latency is the canonical response time.
	rt := pr.LatencyMs
	sample.ResponseTime = &rt
	if cs.Bandwidth != nil {
		sample.BandwidthIn = cs.Bandwidth.InMbps
		sample.BandwidthOut = cs.Bandwidth.OutMbps
		sample.BytesReceived = cs.Bandwidth.BytesReceived
		sample.BytesSent = cs.Bandwidth.BytesSent
		sample.StreamCount = cs.Bandwidth.StreamCount
	}
	o.sample = sample
	return o
}

// minimalSample records the mandatory one-sample-per-cycle observation for a
// server that could not be collected.
func (m *Monitor) minimalSample(srv *models.Server) *models.MetricSample {
	return &models.MetricSample{
		ServerID:   srv.ID,
		TS:         m.now().UTC(),
		ErrorCount: 1,
	}
}

func (m *Monitor) notifyDown(ctx context.Context, srv *models.Server) {
	if m.notify == nil || !m.notify.Enabled() {
		return
	}
	subject := fmt.Sprintf("Server down: %s", srv.Hostname)
	msg := fmt.Sprintf("Server %s (%s, %s) stopped responding to health checks.", srv.Hostname, srv.Address, srv.Role)
	if err := m.notify.Send(ctx, subject, msg); err != nil {
		m.log.Warn("down notification failed", "server", srv.Hostname, "err", err)
	}
}

func (m *Monitor) notifyAlert(ctx context.Context, a *models.Alert) {
	if m.notify == nil || !m.notify.Enabled() {
		return
	}
	subject := fmt.Sprintf("%s alert: %s", strings.ToUpper(string(a.Severity)), a.Type)
	if err := m.notify.Send(ctx, subject, a.Message); err != nil {
		m.log.Warn("alert notification failed", "alert", a.Type, "err", err)
	}
}
