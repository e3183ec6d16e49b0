package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"streamwatch/internal/models"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

// Stats is the aggregate view the dashboard renders.
type Stats struct {
	TotalServers     int            `json:"total_servers"`
	StatusCounts     map[string]int `json:"status_counts"`
	RoleCounts       map[string]int `json:"role_counts"`
	TotalConnections int            `json:"total_connections"`
	OpenAlerts       int            `json:"open_alerts"`
}

const serverColumns = `id,hostname,address,port,role,status,api_endpoint,api_type,api_token,api_username,api_password,created_at,updated_at`

func (r *Repository) CreateServer(ctx context.Context, s *models.Server) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Status == "" {
		s.Status = models.StatusUnknown
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO servers
		(hostname,address,port,role,status,api_endpoint,api_type,api_token,api_username,api_password,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.Hostname, s.Address, s.Port, s.Role, s.Status, s.APIEndpoint, s.APIType, s.APIToken, s.APIUsername, s.APIPassword, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert server %s: %w", s.Hostname, err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

func (r *Repository) UpdateServer(ctx context.Context, s *models.Server) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `UPDATE servers SET
		hostname=?,address=?,port=?,role=?,api_endpoint=?,api_type=?,api_token=?,api_username=?,api_password=?,updated_at=?
		WHERE id=?`,
		s.Hostname, s.Address, s.Port, s.Role, s.APIEndpoint, s.APIType, s.APIToken, s.APIUsername, s.APIPassword, s.UpdatedAt, s.ID)
	return err
}

// DeleteServer removes a server; metrics and alerts cascade.
func (r *Repository) DeleteServer(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id=?`, id)
	return err
}

func (r *Repository) GetServer(ctx context.Context, id int64) (models.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id=?`, id)
	return scanServer(row)
}

func (r *Repository) GetServerByHostname(ctx context.Context, hostname string) (models.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE hostname=?`, hostname)
	return scanServer(row)
}

func (r *Repository) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (models.Server, error) {
	var s models.Server
	err := row.Scan(&s.ID, &s.Hostname, &s.Address, &s.Port, &s.Role, &s.Status,
		&s.APIEndpoint, &s.APIType, &s.APIToken, &s.APIUsername, &s.APIPassword,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *Repository) UpdateServerStatus(ctx context.Context, id int64, status models.Status) error {
	_, err := r.db.ExecContext(ctx, `UPDATE servers SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), id)
	return err
}

const metricColumns = `id,server_id,ts,cpu_usage,memory_usage,memory_total,memory_used,active_connections,hls_connections,bytes_sent,bytes_received,bandwidth_in,bandwidth_out,stream_count,uptime_sec,response_time,error_count`

func (r *Repository) InsertMetric(ctx context.Context, m *models.MetricSample) error {
	return insertMetric(ctx, r.db, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMetric(ctx context.Context, ex execer, m *models.MetricSample) error {
	res, err := ex.ExecContext(ctx, `INSERT INTO metrics
		(server_id,ts,cpu_usage,memory_usage,memory_total,memory_used,active_connections,hls_connections,bytes_sent,bytes_received,bandwidth_in,bandwidth_out,stream_count,uptime_sec,response_time,error_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ServerID, m.TS.UTC(), m.CPUUsage, m.MemoryUsage, m.MemoryTotal, m.MemoryUsed,
		m.ActiveConnections, m.HLSConnections, m.BytesSent, m.BytesReceived,
		m.BandwidthIn, m.BandwidthOut, m.StreamCount, m.UptimeSec, m.ResponseTime, m.ErrorCount)
	if err != nil {
		return fmt.Errorf("insert metric for server %d: %w", m.ServerID, err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func insertAlert(ctx context.Context, ex execer, a *models.Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO alerts (server_id,alert_type,severity,message,acknowledged,created_at)
		VALUES (?,?,?,?,0,?)`,
		a.ServerID, a.Type, a.Severity, a.Message, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert alert %s for server %d: %w", a.Type, a.ServerID, err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (r *Repository) InsertAlert(ctx context.Context, a *models.Alert) error {
	return insertAlert(ctx, r.db, a)
}

// CommitCycle writes one collection cycle's samples and alerts in a single
// transaction. On failure nothing is persisted; the next cycle retries
// naturally.
func (r *Repository) CommitCycle(ctx context.Context, metrics []*models.MetricSample, alerts []*models.Alert) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range metrics {
		if err := insertMetric(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, a := range alerts {
		if err := insertAlert(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) LatestMetric(ctx context.Context, serverID int64) (models.MetricSample, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+metricColumns+` FROM metrics WHERE server_id=? ORDER BY ts DESC LIMIT 1`, serverID)
	return scanMetric(row)
}

// MetricsSince returns samples for one server newer than since, most recent
// first, capped at limit.
func (r *Repository) MetricsSince(ctx context.Context, serverID int64, since time.Time, limit int) ([]models.MetricSample, error) {
	if limit <= 0 || limit > 288 {
		limit = 288
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+metricColumns+` FROM metrics WHERE server_id=? AND ts >= ? ORDER BY ts DESC LIMIT ?`,
		serverID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.MetricSample, 0, limit)
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMetric(row rowScanner) (models.MetricSample, error) {
	var m models.MetricSample
	var cpu, memPct, rt sql.NullFloat64
	var memTotal, memUsed, uptime sql.NullInt64
	err := row.Scan(&m.ID, &m.ServerID, &m.TS, &cpu, &memPct, &memTotal, &memUsed,
		&m.ActiveConnections, &m.HLSConnections, &m.BytesSent, &m.BytesReceived,
		&m.BandwidthIn, &m.BandwidthOut, &m.StreamCount, &uptime, &rt, &m.ErrorCount)
	if err != nil {
		return m, err
	}
	if cpu.Valid {
		m.CPUUsage = &cpu.Float64
	}
	if memPct.Valid {
		m.MemoryUsage = &memPct.Float64
	}
	if memTotal.Valid {
		m.MemoryTotal = &memTotal.Int64
	}
	if memUsed.Valid {
		m.MemoryUsed = &memUsed.Int64
	}
	if uptime.Valid {
		m.UptimeSec = &uptime.Int64
	}
	if rt.Valid {
		m.ResponseTime = &rt.Float64
	}
	return m, nil
}

const alertColumns = `id,server_id,alert_type,severity,message,acknowledged,created_at,acknowledged_at`

// FindUnacknowledgedAlert returns the open alert for (server, type), or nil
// when none exists. This is the dedup read the evaluator relies on.
func (r *Repository) FindUnacknowledgedAlert(ctx context.Context, serverID int64, alertType models.AlertType) (*models.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE server_id=? AND alert_type=? AND acknowledged=0 LIMIT 1`, serverID, alertType)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) UnacknowledgedAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE acknowledged=0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentAlerts returns the newest alerts regardless of acknowledgment, for
// the alert history view.
func (r *Repository) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var ack int
	var ackAt sql.NullTime
	err := row.Scan(&a.ID, &a.ServerID, &a.Type, &a.Severity, &a.Message, &ack, &a.CreatedAt, &ackAt)
	if err != nil {
		return a, err
	}
	a.Acknowledged = ack == 1
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	return a, nil
}

// AcknowledgeAlert marks an alert handled. After this the evaluator may open
// a fresh alert of the same type for the same server.
func (r *Repository) AcknowledgeAlert(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET acknowledged=1, acknowledged_at=? WHERE id=? AND acknowledged=0`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *Repository) DashboardStats(ctx context.Context) (Stats, error) {
	stats := Stats{StatusCounts: map[string]int{}, RoleCounts: map[string]int{}}
	rows, err := r.db.QueryContext(ctx, `SELECT id,status,role FROM servers`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		var status, role string
		if err := rows.Scan(&id, &status, &role); err != nil {
			return stats, err
		}
		ids = append(ids, id)
		stats.TotalServers++
		stats.StatusCounts[status]++
		stats.RoleCounts[role]++
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	for _, id := range ids {
		m, err := r.LatestMetric(ctx, id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.TotalConnections += m.ActiveConnections
	}
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE acknowledged=0`).Scan(&stats.OpenAlerts)
	return stats, err
}

// DeleteOlderThan prunes raw samples and handled alerts past the retention
// window. Open alerts are kept regardless of age.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	queries := []string{
		`DELETE FROM metrics WHERE ts < ?`,
		`DELETE FROM alerts WHERE created_at < ? AND acknowledged=1`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return nil
}
