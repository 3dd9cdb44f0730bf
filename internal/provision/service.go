// Package provision accepts VM network configuration requests, reconciles
// them against stored state and publishes the result to the guest.
//
// Lock ordering:
//  1. locksMu guards the per-VM lock table only and is never held while
//     waiting on a VM lock.
//  2. A VM lock is held for the whole read-validate-commit-publish sequence
//     of one request, so requests for the same VM apply in arrival order.
//     Requests for different VMs run concurrently.
package provision

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/routecfg/internal/config"
	"github.com/spin-stack/routecfg/internal/guestfile"
	"github.com/spin-stack/routecfg/internal/reconcile"
	"github.com/spin-stack/routecfg/internal/routing"
	"github.com/spin-stack/routecfg/internal/store"
)

// CreateRequest is the network part of a VM creation payload.
type CreateRequest struct {
	Nics   []routing.Nic     `json:"nics"`
	Routes map[string]string `json:"routes,omitempty"`
	// Resolvers, when omitted, are taken from the host or the configured
	// defaults. An explicit empty list creates the VM without resolvers.
	Resolvers []string `json:"resolvers"`
}

// UpdateRequest is a network update payload.
type UpdateRequest = reconcile.Delta

// Service serializes network configuration changes per VM.
type Service struct {
	store     store.Store[reconcile.State]
	publisher guestfile.Publisher
	cfg       config.NetworkConfig
	metrics   *Metrics

	hostResolvers func(ctx context.Context) []string

	locksMu sync.Mutex
	locks   map[string]*vmLock
}

type vmLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Service.
type Option func(*Service)

// WithHostResolvers overrides how host nameservers are discovered.
func WithHostResolvers(fn func(ctx context.Context) []string) Option {
	return func(s *Service) {
		s.hostResolvers = fn
	}
}

// WithMetrics makes the service record into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a service backed by st. A nil publisher disables
// publishing.
func NewService(st store.Store[reconcile.State], pub guestfile.Publisher, cfg config.NetworkConfig, opts ...Option) *Service {
	s := &Service{
		store:         st,
		publisher:     pub,
		cfg:           cfg,
		metrics:       &Metrics{},
		hostResolvers: resolveHostResolvers,
		locks:         make(map[string]*vmLock),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Metrics returns the service's counters.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// lock acquires the VM lock for id and returns its release function.
func (s *Service) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &vmLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// CreateVM validates req and stores the initial network state of id.
func (s *Service) CreateVM(ctx context.Context, id string, req CreateRequest) (reconcile.State, error) {
	s.metrics.CreateAttempts.Add(1)
	if err := validateID(id); err != nil {
		return reconcile.State{}, err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", id))

	unlock := s.lock(id)
	defer unlock()

	start := time.Now()
	resolvers := req.Resolvers
	if resolvers == nil {
		resolvers = s.defaultResolvers(ctx)
	}

	st, err := reconcile.Create(req.Nics, req.Routes, resolvers)
	if err == nil {
		err = s.checkLimits(st)
	}
	if err == nil {
		err = s.store.Update(ctx, id, func(cur *reconcile.State) (*reconcile.State, error) {
			if cur != nil {
				return nil, fmt.Errorf("vm %s: %w", id, errdefs.ErrAlreadyExists)
			}
			return &st, nil
		})
	}
	if err != nil {
		s.reject(ctx, "create", err)
		return reconcile.State{}, err
	}
	s.metrics.RecordApplied(time.Since(start))

	log.G(ctx).WithFields(log.Fields{
		"nics":      len(st.Nics),
		"routes":    len(st.Routes),
		"resolvers": len(st.Resolvers),
	}).Info("created vm network state")

	s.publish(ctx, id, st)
	return st, nil
}

// UpdateVM applies delta to the stored state of id. Either the whole delta
// is committed or nothing changes.
func (s *Service) UpdateVM(ctx context.Context, id string, delta UpdateRequest) (reconcile.State, error) {
	s.metrics.UpdateAttempts.Add(1)
	if err := validateID(id); err != nil {
		return reconcile.State{}, err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", id))

	unlock := s.lock(id)
	defer unlock()

	start := time.Now()
	var before, after reconcile.State
	err := s.store.Update(ctx, id, func(cur *reconcile.State) (*reconcile.State, error) {
		if cur == nil {
			return nil, fmt.Errorf("vm %s: %w", id, errdefs.ErrNotFound)
		}
		// Detached from the store's copy.
		before = cur.Clone()
		next, err := reconcile.Apply(before, delta)
		if err != nil {
			return nil, err
		}
		if err := s.checkLimits(next); err != nil {
			return nil, err
		}
		after = next
		return &next, nil
	})
	if err != nil {
		s.reject(ctx, "update", err)
		return reconcile.State{}, err
	}
	s.metrics.RecordApplied(time.Since(start))

	changes := reconcile.Diff(before, after)
	log.G(ctx).WithFields(log.Fields{
		"added":     changes.Added,
		"removed":   changes.Removed,
		"changed":   changes.Changed,
		"resolvers": changes.Resolvers,
		"nics":      len(after.Nics),
	}).Info("updated vm network state")

	if delta.IsEmpty() {
		log.G(ctx).Debug("empty update, skipping publish")
		return after, nil
	}
	s.publish(ctx, id, after)
	return after, nil
}

// GetVM returns the stored state of id.
func (s *Service) GetVM(ctx context.Context, id string) (reconcile.State, error) {
	if err := validateID(id); err != nil {
		return reconcile.State{}, err
	}
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return reconcile.State{}, err
	}
	return *st, nil
}

// DeleteVM removes the stored state of id and its guest files.
func (s *Service) DeleteVM(ctx context.Context, id string) error {
	s.metrics.DeleteAttempts.Add(1)
	if err := validateID(id); err != nil {
		return err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("vm", id))

	unlock := s.lock(id)
	defer unlock()

	err := s.store.Update(ctx, id, func(cur *reconcile.State) (*reconcile.State, error) {
		if cur == nil {
			return nil, fmt.Errorf("vm %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	log.G(ctx).Info("deleted vm network state")

	if s.publisher != nil {
		if err := s.publisher.Remove(ctx, id); err != nil {
			s.metrics.RecordPublishFailure()
			log.G(ctx).WithError(err).Warn("failed to remove guest network files")
		}
	}
	return nil
}

// ListVMs returns the ids of all known VMs in sorted order.
func (s *Service) ListVMs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.store.Scan(ctx, "", func(key string, _ *reconcile.State) error {
		ids = append(ids, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// Republish writes the guest files of id again from stored state.
func (s *Service) Republish(ctx context.Context, id string) error {
	if s.publisher == nil {
		return fmt.Errorf("no guest publisher configured: %w", errdefs.ErrFailedPrecondition)
	}
	unlock := s.lock(id)
	defer unlock()

	st, err := s.GetVM(ctx, id)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, id, st)
}

func (s *Service) reject(ctx context.Context, op string, err error) {
	s.metrics.RecordRejected(err)
	log.G(ctx).WithError(err).WithFields(log.Fields{
		"op":     op,
		"reason": rejectionField(err),
	}).Debug("rejected network request")
}

// publish hands st to the guest. The state is already committed, so a
// failure is logged and counted, never returned.
func (s *Service) publish(ctx context.Context, id string, st reconcile.State) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, id, st); err != nil {
		s.metrics.RecordPublishFailure()
		log.G(ctx).WithError(err).Warn("failed to publish guest network files")
	}
}

func (s *Service) checkLimits(st reconcile.State) error {
	if s.cfg.MaxRoutes > 0 && len(st.Routes) > s.cfg.MaxRoutes {
		return fmt.Errorf("%d routes exceed the limit of %d: %w",
			len(st.Routes), s.cfg.MaxRoutes, errdefs.ErrInvalidArgument)
	}
	if s.cfg.MaxResolvers > 0 && len(st.Resolvers) > s.cfg.MaxResolvers {
		return fmt.Errorf("%d resolvers exceed the limit of %d: %w",
			len(st.Resolvers), s.cfg.MaxResolvers, errdefs.ErrInvalidArgument)
	}
	return nil
}

// defaultResolvers picks resolvers for a VM created without any.
func (s *Service) defaultResolvers(ctx context.Context) []string {
	if s.cfg.InheritHostResolvers {
		host := s.hostResolvers(ctx)
		if len(host) > 0 {
			if s.cfg.MaxResolvers > 0 && len(host) > s.cfg.MaxResolvers {
				log.G(ctx).WithField("nameservers", host).Debug("truncating host nameservers")
				host = host[:s.cfg.MaxResolvers]
			}
			return host
		}
	}
	return slices.Clone(s.cfg.DefaultResolvers)
}

// validateID rejects ids that cannot name a guest root directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("invalid vm id %q: %w", id, errdefs.ErrInvalidArgument)
	}
	return nil
}
