// Package web serves the dashboard and the JSON API over the persisted
// server, metric, and alert records. It is read-only toward the monitoring
// core except for server registry CRUD and alert acknowledgment.
package web

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"streamwatch/internal/db"
	"streamwatch/internal/models"
	"streamwatch/internal/probe"
)

//go:embed templates/*.html static/*
var webFS embed.FS

type Server struct {
	repo  *db.Repository
	probe *probe.Client
	log   *slog.Logger
	tpl   *template.Template
	hub   *hub
}

func NewServer(repo *db.Repository, pc *probe.Client, logger *slog.Logger) *Server {
	tpl := template.Must(template.New("all").Funcs(template.FuncMap{
		"pct":     func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
		"mbps":    func(v float64) string { return fmt.Sprintf("%.2f Mbps", v) },
		"ms":      func(v *float64) string { return fmt.Sprintf("%.0f ms", *v) },
		"timeago": func(t time.Time) string { return time.Since(t).Round(time.Second).String() + " ago" },
	}).ParseFS(webFS, "templates/*.html"))
	return &Server{repo: repo, probe: pc, log: logger, tpl: tpl, hub: newHub(logger)}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")

	r.HandleFunc("/api/servers", s.handleListServers).Methods("GET")
	r.HandleFunc("/api/servers", s.handleCreateServer).Methods("POST")
	r.HandleFunc("/api/servers/{id:[0-9]+}", s.handleGetServer).Methods("GET")
	r.HandleFunc("/api/servers/{id:[0-9]+}", s.handleUpdateServer).Methods("PUT")
	r.HandleFunc("/api/servers/{id:[0-9]+}", s.handleDeleteServer).Methods("DELETE")
	r.HandleFunc("/api/servers/{id:[0-9]+}/test", s.handleTestServer).Methods("POST")
	r.HandleFunc("/api/servers/{id:[0-9]+}/metrics", s.handleServerMetrics).Methods("GET")
	r.HandleFunc("/api/alerts", s.handleListAlerts).Methods("GET")
	r.HandleFunc("/api/alerts/{id:[0-9]+}/acknowledge", s.handleAcknowledgeAlert).Methods("POST")
	r.HandleFunc("/api/dashboard/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWS).Methods("GET")

	staticFS, _ := fs.Sub(webFS, "static")
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	return logMiddleware(r, s.log)
}

type serverView struct {
	Server models.Server
	Latest *models.MetricSample
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	servers, err := s.repo.ListServers(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		v := serverView{Server: srv}
		if m, err := s.repo.LatestMetric(ctx, srv.ID); err == nil {
			v.Latest = &m
		}
		views = append(views, v)
	}
	alerts, _ := s.repo.UnacknowledgedAlerts(ctx, 10)
	stats, _ := s.repo.DashboardStats(ctx)
	err = s.tpl.ExecuteTemplate(w, "index.html", map[string]any{
		"servers": views,
		"alerts":  alerts,
		"stats":   stats,
	})
	if err != nil {
		s.log.Error("render dashboard", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type serverPayload struct {
	Hostname    string `json:"hostname"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Role        string `json:"role"`
	APIEndpoint string `json:"api_endpoint"`
	APIType     string `json:"api_type"`
	APIToken    string `json:"api_token"`
	APIUsername string `json:"api_username"`
	APIPassword string `json:"api_password"`
}

func (p serverPayload) validate() error {
	if strings.TrimSpace(p.Hostname) == "" || strings.TrimSpace(p.Address) == "" || strings.TrimSpace(p.Role) == "" {
		return errors.New("hostname, address, and role are required")
	}
	if !models.Role(p.Role).Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}
	if p.APIType != "" && !models.Dialect(p.APIType).Valid() {
		return fmt.Errorf("invalid api_type %q", p.APIType)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	return nil
}

func (p serverPayload) apply(srv *models.Server) {
	srv.Hostname = strings.TrimSpace(p.Hostname)
	srv.Address = strings.TrimSpace(p.Address)
	srv.Port = p.Port
	if srv.Port == 0 {
		srv.Port = 80
	}
	srv.Role = models.Role(p.Role)
	srv.APIEndpoint = strings.TrimSpace(p.APIEndpoint)
	srv.APIType = models.Dialect(p.APIType)
	if srv.APIType == "" {
		srv.APIType = models.DialectSRS
	}
	srv.APIToken = p.APIToken
	srv.APIUsername = p.APIUsername
	srv.APIPassword = p.APIPassword
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	servers, err := s.repo.ListServers(ctx)
	if err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(servers))
	for _, srv := range servers {
		item := serverJSON(srv)
		if m, err := s.repo.LatestMetric(ctx, srv.ID); err == nil {
			item["latest_metric"] = metricJSON(m)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var p serverPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonError(w, fmt.Errorf("invalid body: %w", err), http.StatusBadRequest)
		return
	}
	if err := p.validate(); err != nil {
		jsonError(w, err, http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if _, err := s.repo.GetServerByHostname(ctx, strings.TrimSpace(p.Hostname)); err == nil {
		jsonError(w, fmt.Errorf("server %s already exists", p.Hostname), http.StatusConflict)
		return
	}
	var srv models.Server
	p.apply(&srv)
	if err := s.repo.CreateServer(ctx, &srv); err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	// Check connectivity right away so the dashboard shows a real status.
	s.probe.Probe(ctx, &srv)
	writeJSON(w, http.StatusCreated, serverJSON(srv))
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.loadServer(w, r)
	if !ok {
		return
	}
	item := serverJSON(srv)
	if m, err := s.repo.LatestMetric(r.Context(), srv.ID); err == nil {
		item["latest_metric"] = metricJSON(m)
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.loadServer(w, r)
	if !ok {
		return
	}
	var p serverPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonError(w, fmt.Errorf("invalid body: %w", err), http.StatusBadRequest)
		return
	}
	if err := p.validate(); err != nil {
		jsonError(w, err, http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if other, err := s.repo.GetServerByHostname(ctx, strings.TrimSpace(p.Hostname)); err == nil && other.ID != srv.ID {
		jsonError(w, fmt.Errorf("server %s already exists", p.Hostname), http.StatusConflict)
		return
	}
	p.apply(&srv)
	if err := s.repo.UpdateServer(ctx, &srv); err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	s.probe.Probe(ctx, &srv)
	writeJSON(w, http.StatusOK, serverJSON(srv))
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.loadServer(w, r)
	if !ok {
		return
	}
	if err := s.repo.DeleteServer(r.Context(), srv.ID); err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": srv.Hostname})
}

func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.loadServer(w, r)
	if !ok {
		return
	}
	res := s.probe.Probe(r.Context(), &srv)
	writeJSON(w, http.StatusOK, map[string]any{
		"reachable":    res.Reachable,
		"latency_ms":   res.LatencyMs,
		"http_status":  res.HTTPStatus,
		"error_detail": res.ErrorDetail,
		"status":       srv.Status,
	})
}

func (s *Server) handleServerMetrics(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.loadServer(w, r)
	if !ok {
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 24*7 {
			hours = parsed
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	metrics, err := s.repo.MetricsSince(r.Context(), srv.ID, since, 288)
	if err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, metricJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []models.Alert
	var err error
	if r.URL.Query().Get("include_acknowledged") == "true" {
		alerts, err = s.repo.RecentAlerts(r.Context(), 50)
	} else {
		alerts, err = s.repo.UnacknowledgedAlerts(r.Context(), 20)
	}
	if err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		jsonError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.repo.AcknowledgeAlert(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, fmt.Errorf("alert %d not found or already acknowledged", id), http.StatusNotFound)
			return
		}
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.DashboardStats(r.Context())
	if err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) loadServer(w http.ResponseWriter, r *http.Request) (models.Server, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		jsonError(w, err, http.StatusBadRequest)
		return models.Server{}, false
	}
	srv, err := s.repo.GetServer(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, fmt.Errorf("server %d not found", id), http.StatusNotFound)
		return models.Server{}, false
	}
	if err != nil {
		jsonError(w, err, http.StatusInternalServerError)
		return models.Server{}, false
	}
	return srv, true
}

// serverJSON deliberately omits credentials.
func serverJSON(s models.Server) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"hostname":     s.Hostname,
		"address":      s.Address,
		"port":         s.Port,
		"role":         s.Role,
		"status":       s.Status,
		"api_endpoint": s.APIEndpoint,
		"api_type":     s.APIType,
		"created_at":   s.CreatedAt,
		"updated_at":   s.UpdatedAt,
	}
}

func metricJSON(m models.MetricSample) map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"server_id":          m.ServerID,
		"timestamp":          m.TS,
		"cpu_usage":          m.CPUUsage,
		"memory_usage":       m.MemoryUsage,
		"memory_total":       m.MemoryTotal,
		"memory_used":        m.MemoryUsed,
		"active_connections": m.ActiveConnections,
		"hls_connections":    m.HLSConnections,
		"bytes_sent":         m.BytesSent,
		"bytes_received":     m.BytesReceived,
		"bandwidth_in":       m.BandwidthIn,
		"bandwidth_out":      m.BandwidthOut,
		"stream_count":       m.StreamCount,
		"uptime":             m.UptimeSec,
		"response_time":      m.ResponseTime,
		"error_count":        m.ErrorCount,
	}
}

func alertJSON(a models.Alert) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"server_id":       a.ServerID,
		"alert_type":      a.Type,
		"severity":        a.Severity,
		"message":         a.Message,
		"acknowledged":    a.Acknowledged,
		"created_at":      a.CreatedAt,
		"acknowledged_at": a.AcknowledgedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
