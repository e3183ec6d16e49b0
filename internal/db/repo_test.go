package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"streamwatch/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return NewRepository(conn)
}

func seedServer(t *testing.T, repo *Repository, hostname string) *models.Server {
	t.Helper()
	s := &models.Server{
		Hostname: hostname,
		Address:  "10.0.0.1",
		Port:     1985,
		Role:     models.RoleOrigin,
		APIType:  models.DialectSRS,
	}
	if err := repo.CreateServer(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestServerCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := seedServer(t, repo, "origin-1")
	if s.ID == 0 {
		t.Fatal("create did not assign an id")
	}
	if s.Status != models.StatusUnknown {
		t.Fatalf("new server status = %s, want unknown", s.Status)
	}

	got, err := repo.GetServer(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hostname != "origin-1" || got.Port != 1985 {
		t.Fatalf("got %+v", got)
	}

	s.Port = 8080
	s.Role = models.RoleEdge
	if err := repo.UpdateServer(ctx, s); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetServerByHostname(ctx, "origin-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != 8080 || got.Role != models.RoleEdge {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := repo.DeleteServer(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetServer(ctx, s.ID); err != sql.ErrNoRows {
		t.Fatalf("get after delete: %v, want ErrNoRows", err)
	}
}

func TestDuplicateHostnameRejected(t *testing.T) {
	repo := newTestRepo(t)
	seedServer(t, repo, "origin-1")
	dup := &models.Server{Hostname: "origin-1", Address: "10.0.0.2", Port: 80, Role: models.RoleEdge}
	if err := repo.CreateServer(context.Background(), dup); err == nil {
		t.Fatal("duplicate hostname accepted")
	}
}

func TestDeleteServerCascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	if err := repo.InsertMetric(ctx, &models.MetricSample{ServerID: s.ID, TS: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertAlert(ctx, &models.Alert{ServerID: s.ID, Type: models.AlertServerDown, Severity: models.SeverityCritical, Message: "down"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteServer(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("metrics after cascade = %d (err %v), want 0", n, err)
	}
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("alerts after cascade = %d (err %v), want 0", n, err)
	}
}

func TestMetricRoundTripPreservesNils(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	cpu := 42.5
	rt := 120.0
	in := &models.MetricSample{
		ServerID:          s.ID,
		TS:                time.Now(),
		CPUUsage:          &cpu,
		ActiveConnections: 7,
		BandwidthOut:      2.5,
		ResponseTime:      &rt,
	}
	if err := repo.InsertMetric(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := repo.LatestMetric(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CPUUsage == nil || *got.CPUUsage != 42.5 {
		t.Fatalf("cpu = %v", got.CPUUsage)
	}
	if got.MemoryUsage != nil || got.UptimeSec != nil {
		t.Fatal("unset optional fields came back non-nil")
	}
	if got.ActiveConnections != 7 || got.BandwidthOut != 2.5 {
		t.Fatalf("got %+v", got)
	}
}

func TestMetricsSince(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		m := &models.MetricSample{ServerID: s.ID, TS: base.Add(time.Duration(i) * time.Minute), ActiveConnections: i}
		if err := repo.InsertMetric(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.MetricsSince(ctx, s.ID, base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	// Most recent first.
	if got[0].ActiveConnections != 4 || got[2].ActiveConnections != 2 {
		t.Fatalf("wrong order: %d .. %d", got[0].ActiveConnections, got[2].ActiveConnections)
	}

	capped, err := repo.MetricsSince(ctx, s.ID, base, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Fatalf("limit ignored, got %d", len(capped))
	}
}

func TestCommitCycleIsAtomic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	good := &models.MetricSample{ServerID: s.ID, TS: time.Now()}
	// A foreign key violation on the second insert must roll back the first.
	orphan := &models.Alert{ServerID: s.ID + 999, Type: models.AlertServerDown, Severity: models.SeverityCritical, Message: "down"}
	if err := repo.CommitCycle(ctx, []*models.MetricSample{good}, []*models.Alert{orphan}); err == nil {
		t.Fatal("commit with orphan alert succeeded")
	}

	var n int
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("metrics after rollback = %d (err %v), want 0", n, err)
	}

	alert := &models.Alert{ServerID: s.ID, Type: models.AlertServerDown, Severity: models.SeverityCritical, Message: "down"}
	if err := repo.CommitCycle(ctx, []*models.MetricSample{good}, []*models.Alert{alert}); err != nil {
		t.Fatal(err)
	}
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("metrics after commit = %d (err %v), want 1", n, err)
	}
	if alert.ID == 0 {
		t.Fatal("committed alert has no id")
	}
}

func TestFindUnacknowledgedAlert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	got, err := repo.FindUnacknowledgedAlert(ctx, s.ID, models.AlertCPUHigh)
	if err != nil || got != nil {
		t.Fatalf("empty table: got %v, %v", got, err)
	}

	a := &models.Alert{ServerID: s.ID, Type: models.AlertCPUHigh, Severity: models.SeverityWarning, Message: "hot"}
	if err := repo.InsertAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err = repo.FindUnacknowledgedAlert(ctx, s.ID, models.AlertCPUHigh)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != a.ID {
		t.Fatalf("got %v, want alert %d", got, a.ID)
	}

	// Different type and different server both miss.
	if got, _ := repo.FindUnacknowledgedAlert(ctx, s.ID, models.AlertMemoryHigh); got != nil {
		t.Fatal("matched wrong alert type")
	}
	if got, _ := repo.FindUnacknowledgedAlert(ctx, s.ID+1, models.AlertCPUHigh); got != nil {
		t.Fatal("matched wrong server")
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	a := &models.Alert{ServerID: s.ID, Type: models.AlertCPUHigh, Severity: models.SeverityWarning, Message: "hot"}
	if err := repo.InsertAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := repo.AcknowledgeAlert(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.AcknowledgeAlert(ctx, a.ID); err != sql.ErrNoRows {
		t.Fatalf("second ack: %v, want ErrNoRows", err)
	}

	if got, _ := repo.FindUnacknowledgedAlert(ctx, s.ID, models.AlertCPUHigh); got != nil {
		t.Fatal("acknowledged alert still matched by dedup lookup")
	}
	open, err := repo.UnacknowledgedAlerts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open alerts = %d, want 0", len(open))
	}
	// The history view still shows it.
	recent, err := repo.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || !recent[0].Acknowledged || recent[0].AcknowledgedAt == nil {
		t.Fatalf("recent alerts = %+v", recent)
	}
}

func TestDashboardStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := seedServer(t, repo, "origin-1")
	b := seedServer(t, repo, "edge-1")
	if err := repo.UpdateServerStatus(ctx, a.ID, models.StatusUp); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateServerStatus(ctx, b.ID, models.StatusDown); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertMetric(ctx, &models.MetricSample{ServerID: a.ID, TS: time.Now(), ActiveConnections: 12}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertMetric(ctx, &models.MetricSample{ServerID: b.ID, TS: time.Now(), ActiveConnections: 3}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertAlert(ctx, &models.Alert{ServerID: b.ID, Type: models.AlertServerDown, Severity: models.SeverityCritical, Message: "down"}); err != nil {
		t.Fatal(err)
	}

	stats, err := repo.DashboardStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalServers != 2 {
		t.Fatalf("total servers = %d", stats.TotalServers)
	}
	if stats.StatusCounts["up"] != 1 || stats.StatusCounts["down"] != 1 {
		t.Fatalf("status counts = %v", stats.StatusCounts)
	}
	if stats.TotalConnections != 15 {
		t.Fatalf("total connections = %d, want 15", stats.TotalConnections)
	}
	if stats.OpenAlerts != 1 {
		t.Fatalf("open alerts = %d, want 1", stats.OpenAlerts)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedServer(t, repo, "origin-1")

	cutoff := time.Now().UTC()
	old := &models.MetricSample{ServerID: s.ID, TS: cutoff.Add(-48 * time.Hour)}
	fresh := &models.MetricSample{ServerID: s.ID, TS: cutoff.Add(time.Minute)}
	for _, m := range []*models.MetricSample{old, fresh} {
		if err := repo.InsertMetric(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	oldOpen := &models.Alert{ServerID: s.ID, Type: models.AlertServerDown, Severity: models.SeverityCritical, Message: "down", CreatedAt: cutoff.Add(-48 * time.Hour)}
	oldAcked := &models.Alert{ServerID: s.ID, Type: models.AlertCPUHigh, Severity: models.SeverityWarning, Message: "hot", CreatedAt: cutoff.Add(-48 * time.Hour)}
	for _, a := range []*models.Alert{oldOpen, oldAcked} {
		if err := repo.InsertAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.AcknowledgeAlert(ctx, oldAcked.ID); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteOlderThan(ctx, cutoff); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("metrics after prune = %d (err %v), want 1", n, err)
	}
	// The open alert survives regardless of age, the acknowledged one is gone.
	if err := repo.DB().QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("alerts after prune = %d (err %v), want 1", n, err)
	}
	if got, _ := repo.FindUnacknowledgedAlert(ctx, s.ID, models.AlertServerDown); got == nil {
		t.Fatal("open alert was pruned")
	}
}
