// Package mirror copies external database collections into eventlake.
//
// Each monitored collection gets a Runner. A run asks the destination for
// the newest occurrence time it holds, reads only source documents updated
// after it, and forwards them page by page as ordinary ingestion batches
// with the source id as event id and the update time as occurredAt.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
	"eventlake/internal/ingest"
	"eventlake/internal/logging"
)

// Mirror owns the runners and their schedule.
type Mirror struct {
	cfg     Config
	dst     Destination
	runners []*Runner
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sched  *Scheduler
}

// New builds a mirror over src and dst. cfg is validated.
func New(cfg Config, src Source, dst Destination, logger *slog.Logger) (*Mirror, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.Default(logger)
	m := &Mirror{cfg: cfg, dst: dst, logger: logger.With("component", "mirror")}
	for _, cc := range cfg.Collections {
		m.runners = append(m.runners, NewRunner(cc, src, dst, cfg.PageSize, logger))
	}
	return m, nil
}

func (m *Mirror) Runners() []*Runner { return m.runners }

// Provision creates the destination collections, then the policy and
// credential when configured. It is safe to repeat. The returned
// credential carries an access key only when one was issued by this call.
func (m *Mirror) Provision(ctx context.Context) (*api.Credential, error) {
	for _, cc := range m.cfg.Collections {
		specs := []ingest.CollectionSpec{{
			Name:        cc.DestinationName(),
			Description: cc.Description,
			TimeField:   cc.TimeField,
		}}
		if h := cc.Historical; h != nil {
			specs = append(specs, ingest.CollectionSpec{
				Name:        h.Collection,
				Description: cc.Description,
				TimeField:   cc.TimeField,
			})
		}
		for _, spec := range specs {
			if _, err := m.dst.ProvisionCollection(ctx, spec); err != nil {
				return nil, fmt.Errorf("provision collection %s: %w", spec.Name, err)
			}
		}
	}

	p := m.cfg.Policy
	if p == nil {
		return nil, nil
	}
	req := api.PolicyRequest{Name: p.Name}
	for _, name := range m.destinations() {
		req.Grants = append(req.Grants, api.GrantRequest{
			Collection:  name,
			ScopeFields: p.ScopeFields,
			Exclude:     p.Exclude,
			Permission:  catalog.PermissionRead,
		})
	}
	if _, err := m.dst.PutPolicy(ctx, req); err != nil {
		return nil, fmt.Errorf("provision policy %s: %w", p.Name, err)
	}

	c := m.cfg.Credential
	if c == nil {
		return nil, nil
	}
	creq := api.CredentialRequest{Name: c.Name, Policy: p.Name}
	keys := make([]string, 0, len(c.ScopeValues))
	for k := range c.ScopeValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		creq.ScopeValues = append(creq.ScopeValues, catalog.ScopeValue{Field: k, Value: c.ScopeValues[k]})
	}
	cred, err := m.dst.PutCredential(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("provision credential %s: %w", c.Name, err)
	}
	m.logger.Info("mirror provisioned", "collections", len(m.destinations()), "policy", p.Name, "credential", c.Name)
	return cred, nil
}

func (m *Mirror) destinations() []string {
	var out []string
	for _, cc := range m.cfg.Collections {
		out = append(out, cc.DestinationName())
		if cc.Historical != nil {
			out = append(out, cc.Historical.Collection)
		}
	}
	return out
}

// RunOnce runs every collection concurrently. A failing collection is
// logged and reported in its stats slot; the others still run.
func (m *Mirror) RunOnce(ctx context.Context) ([]RunStats, []error) {
	stats := make([]RunStats, len(m.runners))
	errs := make([]error, len(m.runners))
	var g errgroup.Group
	for i, r := range m.runners {
		g.Go(func() error {
			stats[i], errs[i] = m.runOne(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return stats, errs
}

func (m *Mirror) runOne(ctx context.Context, r *Runner) (RunStats, error) {
	st, err := r.Run(ctx)
	if err != nil {
		m.logger.Error("mirror run failed",
			"collection", r.Name(), "since", st.Since, "forwarded", st.Forwarded, "error", err)
	}
	return st, err
}

// Start schedules every runner at the configured interval. The first
// runs begin immediately.
func (m *Mirror) Start(ctx context.Context) error {
	sched, err := NewScheduler(m.logger)
	if err != nil {
		return err
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, r := range m.runners {
		if err := sched.AddJob("mirror:"+r.Name(), m.cfg.Interval, func() {
			_, _ = m.runOne(m.ctx, r)
		}); err != nil {
			m.cancel()
			_ = sched.Stop()
			return err
		}
	}
	m.sched = sched
	sched.Start()
	return nil
}

// Jobs lists scheduled runs. Empty before Start.
func (m *Mirror) Jobs() []JobInfo {
	if m.sched == nil {
		return nil
	}
	return m.sched.ListJobs()
}

// Stop cancels in-flight runs and waits for them to return.
func (m *Mirror) Stop() error {
	if m.sched == nil {
		return nil
	}
	m.cancel()
	return m.sched.Stop()
}
