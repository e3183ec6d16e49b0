package models

import "time"

// Role classifies a server's place in the streaming fleet.
type Role string

const (
	RoleOrigin       Role = "origin"
	RoleEdge         Role = "edge"
	RoleLoadBalancer Role = "load-balancer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOrigin, RoleEdge, RoleLoadBalancer:
		return true
	}
	return false
}

// Status is the last observed health of a server. StatusUnknown is distinct
// from StatusDown: down means a probe confirmed the server unreachable,
// unknown means the probe itself malfunctioned.
type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusUnknown Status = "unknown"
)

// Dialect selects the parser for a server's metrics API.
type Dialect string

const (
	DialectSRS     Dialect = "srs"
	DialectNginx   Dialect = "nginx"
	DialectGeneric Dialect = "generic"
)

func (d Dialect) Valid() bool {
	switch d {
	case DialectSRS, DialectNginx, DialectGeneric:
		return true
	}
	return false
}

type Server struct {
	ID          int64
	Hostname    string
	Address     string
	Port        int
	Role        Role
	Status      Status
	APIEndpoint string
	APIType     Dialect
	APIToken    string
	APIUsername string
	APIPassword string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MetricSample is one point-in-time observation of a server. Optional fields
// are pointers: nil means the upstream never reported the value, which the
// alert rules treat differently from a reported zero.
type MetricSample struct {
	ID       int64
	ServerID int64
	TS       time.Time

	CPUUsage    *float64
	MemoryUsage *float64
	MemoryTotal *int64
	MemoryUsed  *int64

	ActiveConnections int
	HLSConnections    int

	BytesSent     int64
	BytesReceived int64
	BandwidthIn   float64
	BandwidthOut  float64
	StreamCount   int

	UptimeSec    *int64
	ResponseTime *float64
	ErrorCount   int
}

type AlertType string

const (
	AlertServerDown   AlertType = "server_down"
	AlertCPUHigh      AlertType = "cpu_high"
	AlertMemoryHigh   AlertType = "memory_high"
	AlertResponseSlow AlertType = "response_slow"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID             int64
	ServerID       int64
	Type           AlertType
	Severity       Severity
	Message        string
	Acknowledged   bool
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}
