package provision

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/routecfg/internal/routing"
)

// Metrics tracks provisioning request statistics.
// All fields are safe for concurrent access.
type Metrics struct {
	CreateAttempts atomic.Int64
	UpdateAttempts atomic.Int64
	DeleteAttempts atomic.Int64

	// Committed states (create and update)
	Applied atomic.Int64

	// Rejections by cause
	RejectedDestination atomic.Int64
	RejectedGateway     atomic.Int64
	RejectedNic         atomic.Int64
	RejectedResolver    atomic.Int64
	RejectedOther       atomic.Int64

	PublishFailures atomic.Int64

	// Timing (nanoseconds) of validate+commit, not publishing
	TotalApplyTimeNs atomic.Int64
}

// RecordApplied records a committed create or update.
func (m *Metrics) RecordApplied(duration time.Duration) {
	m.Applied.Add(1)
	m.TotalApplyTimeNs.Add(int64(duration))
}

// RecordRejected classifies err and bumps the matching counter.
func (m *Metrics) RecordRejected(err error) {
	var rerr *routing.Error
	if !errors.As(err, &rerr) {
		m.RejectedOther.Add(1)
		return
	}
	switch {
	case errors.Is(rerr.Kind, routing.ErrInvalidDestination):
		m.RejectedDestination.Add(1)
	case errors.Is(rerr.Kind, routing.ErrInvalidGateway):
		m.RejectedGateway.Add(1)
	case errors.Is(rerr.Kind, routing.ErrInvalidNic):
		m.RejectedNic.Add(1)
	case errors.Is(rerr.Kind, routing.ErrInvalidResolver):
		m.RejectedResolver.Add(1)
	default:
		m.RejectedOther.Add(1)
	}
}

// RecordPublishFailure records a guest publish that failed after commit.
func (m *Metrics) RecordPublishFailure() {
	m.PublishFailures.Add(1)
}

// Reset resets all metrics to zero. Useful for testing.
func (m *Metrics) Reset() {
	m.CreateAttempts.Store(0)
	m.UpdateAttempts.Store(0)
	m.DeleteAttempts.Store(0)
	m.Applied.Store(0)
	m.RejectedDestination.Store(0)
	m.RejectedGateway.Store(0)
	m.RejectedNic.Store(0)
	m.RejectedResolver.Store(0)
	m.RejectedOther.Store(0)
	m.PublishFailures.Store(0)
	m.TotalApplyTimeNs.Store(0)
}

// MetricsSnapshot is a point-in-time copy of metrics values.
type MetricsSnapshot struct {
	CreateAttempts      int64   `json:"create_attempts"`
	UpdateAttempts      int64   `json:"update_attempts"`
	DeleteAttempts      int64   `json:"delete_attempts"`
	Applied             int64   `json:"applied"`
	RejectedDestination int64   `json:"rejected_destination"`
	RejectedGateway     int64   `json:"rejected_gateway"`
	RejectedNic         int64   `json:"rejected_nic"`
	RejectedResolver    int64   `json:"rejected_resolver"`
	RejectedOther       int64   `json:"rejected_other"`
	PublishFailures     int64   `json:"publish_failures"`
	AvgApplyTimeMs      float64 `json:"avg_apply_time_ms"`
}

// Rejected returns the total number of rejected requests.
func (s MetricsSnapshot) Rejected() int64 {
	return s.RejectedDestination + s.RejectedGateway + s.RejectedNic +
		s.RejectedResolver + s.RejectedOther
}

// Snapshot returns a point-in-time copy of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	applied := m.Applied.Load()

	snap := MetricsSnapshot{
		CreateAttempts:      m.CreateAttempts.Load(),
		UpdateAttempts:      m.UpdateAttempts.Load(),
		DeleteAttempts:      m.DeleteAttempts.Load(),
		Applied:             applied,
		RejectedDestination: m.RejectedDestination.Load(),
		RejectedGateway:     m.RejectedGateway.Load(),
		RejectedNic:         m.RejectedNic.Load(),
		RejectedResolver:    m.RejectedResolver.Load(),
		RejectedOther:       m.RejectedOther.Load(),
		PublishFailures:     m.PublishFailures.Load(),
	}
	if applied > 0 {
		snap.AvgApplyTimeMs = float64(m.TotalApplyTimeNs.Load()) / float64(applied) / 1e6
	}
	return snap
}

// rejectionField is the log value describing why a request was refused.
func rejectionField(err error) string {
	var rerr *routing.Error
	switch {
	case errors.As(err, &rerr):
		return rerr.KindName()
	case errdefs.IsNotFound(err):
		return "not_found"
	case errdefs.IsAlreadyExists(err):
		return "already_exists"
	case errdefs.IsInvalidArgument(err):
		return "invalid_argument"
	default:
		return "internal"
	}
}
