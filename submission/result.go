package submission

import (
	"strings"
	"time"
)

// Result is the outcome of one batch submission. Its JSON form is the
// collector's response body.
type Result struct {
	Success  bool     `json:"success"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`

	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int `json:"-"`

	// Latency is the wall time of the request.
	Latency time.Duration `json:"-"`
}

// ErrorDetail joins the result's error messages for storage as an
// entry's last error.
func (r *Result) ErrorDetail() string {
	if len(r.Errors) == 0 {
		return "submission rejected by server"
	}
	return strings.Join(r.Errors, "; ")
}

func failure(n int, err error) *Result {
	return &Result{
		Success:  false,
		Accepted: 0,
		Rejected: n,
		Errors:   []string{err.Error()},
	}
}

// ServerStatus is the collector's self-reported health.
type ServerStatus string

// Collector health values.
const (
	StatusHealthy  ServerStatus = "healthy"
	StatusDegraded ServerStatus = "degraded"
	StatusDown     ServerStatus = "down"
)

// ServerInfo is the body of GET {endpoint}/info.
type ServerInfo struct {
	Version         string       `json:"version"`
	Status          ServerStatus `json:"status"`
	AcceptingEvents bool         `json:"acceptingEvents"`
	MaxBatchSize    *int         `json:"maxBatchSize,omitempty"`
}
