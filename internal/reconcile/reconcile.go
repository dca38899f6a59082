// Package reconcile compares live router state with the local records.
// Names that drifted on the router are followed locally; objects present on
// only one side are reported as findings. Router state is never changed.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/snmp"
	"github.com/martinsuchenak/routersync/internal/storage"
)

// Gateway applies operations to routers
type Gateway interface {
	Apply(ctx context.Context, routerID string, op routeros.Operation) (*routeros.Result, error)
}

// Prober checks router liveness
type Prober interface {
	Probe(ctx context.Context, router *model.Router) *snmp.Result
}

// Report summarises one reconciliation pass
type Report struct {
	RouterID  string                   `json:"router_id"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Probe     *snmp.Result             `json:"probe,omitempty"`
	Live      map[model.ObjectKind]int `json:"live"`
	Renamed   []identity.Drift         `json:"renamed,omitempty"`
	Raised    []model.Finding          `json:"raised,omitempty"`
	Resolved  int                      `json:"resolved"`
	Mutations int                      `json:"mutations"`
}

// Reconciler runs reconciliation passes
type Reconciler struct {
	store   *storage.Store
	gateway Gateway
	mapper  *identity.Mapper
	gate    *locks.RouterGate
	prober  Prober
	metrics *metrics.Metrics
}

// New creates a reconciler. prober may be nil to skip liveness probes.
func New(store *storage.Store, gateway Gateway, mapper *identity.Mapper, gate *locks.RouterGate, prober Prober, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, gateway: gateway, mapper: mapper, gate: gate, prober: prober, metrics: m}
}

var kinds = []struct {
	kind model.ObjectKind
	list routeros.Operation
}{
	{model.ObjectPool, routeros.ListPools{}},
	{model.ObjectProfile, routeros.ListProfiles{}},
	{model.ObjectAccount, routeros.ListAccounts{}},
}

// ReconcileRouter runs one pass against a router. It holds the router
// exclusively, so no transition touches the router meanwhile.
func (r *Reconciler) ReconcileRouter(ctx context.Context, routerID string) (*Report, error) {
	router, err := r.store.GetRouter(ctx, routerID)
	if err != nil {
		return nil, err
	}

	release, err := r.gate.Exclusive(ctx, routerID)
	if err != nil {
		r.metrics.Reconciled("busy", 0)
		return nil, fmt.Errorf("router %s: %w", routerID, err)
	}
	defer release()

	report := &Report{RouterID: routerID, StartedAt: time.Now().UTC(), Live: map[model.ObjectKind]int{}}
	err = r.run(ctx, router, report)
	report.Duration = time.Since(report.StartedAt)

	result := "ok"
	if err != nil {
		result = "error"
		if report.Probe != nil && !report.Probe.Reachable {
			result = "offline"
		}
	}
	r.metrics.Reconciled(result, report.Mutations)
	log.Info("Reconciliation finished", "router", routerID, "result", result, "mutations", report.Mutations,
		"renamed", len(report.Renamed), "raised", len(report.Raised), "resolved", report.Resolved,
		"duration", report.Duration)
	return report, err
}

func (r *Reconciler) run(ctx context.Context, router *model.Router, report *Report) error {
	if r.prober != nil {
		if err := r.probe(ctx, router, report); err != nil {
			return err
		}
	}

	for _, k := range kinds {
		if err := r.reconcileKind(ctx, router.ID, k.kind, k.list, report); err != nil {
			return fmt.Errorf("reconciling %s: %w", k.kind, err)
		}
	}
	return nil
}

func (r *Reconciler) probe(ctx context.Context, router *model.Router, report *Report) error {
	result := r.prober.Probe(ctx, router)
	report.Probe = result

	var lastSeen *time.Time
	if result.Reachable {
		now := time.Now().UTC()
		lastSeen = &now
	}
	if status := result.Status(); status != router.Status {
		report.Mutations++
		log.Info("Router status changed", "router", router.ID, "from", router.Status, "to", status)
	}
	if err := r.store.UpdateRouterStatus(ctx, router.ID, result.Status(), lastSeen); err != nil {
		return err
	}
	if !result.Reachable {
		return fmt.Errorf("router %s: %w: %s", router.ID, routeros.ErrUnreachable, result.Error)
	}
	return nil
}

func (r *Reconciler) reconcileKind(ctx context.Context, routerID string, kind model.ObjectKind, list routeros.Operation, report *Report) error {
	listed, err := r.gateway.Apply(ctx, routerID, list)
	if err != nil {
		return err
	}
	live := make([]identity.Observed, 0, len(listed.Objects))
	names := make(map[string]string, len(listed.Objects))
	for _, o := range listed.Objects {
		live = append(live, identity.Observed{ID: o.ID(), Name: o.Name()})
		names[o.ID()] = o.Name()
	}
	report.Live[kind] = len(live)

	drifts, err := r.mapper.DetectDrift(ctx, routerID, kind, live)
	if err != nil {
		return err
	}
	applied, err := r.mapper.ApplyDrift(ctx, drifts)
	report.Mutations += applied
	report.Renamed = append(report.Renamed, drifts[:applied]...)
	if err != nil {
		return err
	}

	mappings, err := r.store.ListMappings(ctx, routerID, kind)
	if err != nil {
		return err
	}
	mapped := make(map[string]bool, len(mappings))
	var (
		seen    []string
		current = map[model.FindingKind]map[string]bool{
			model.FindingUnknownRemote: {},
			model.FindingOrphanedLocal: {},
		}
	)
	for _, m := range mappings {
		if m.RemoteID == "" {
			continue
		}
		mapped[m.RemoteID] = true
		if _, ok := names[m.RemoteID]; ok {
			seen = append(seen, m.LocalID)
			continue
		}
		current[model.FindingOrphanedLocal][m.LocalID] = true
		r.raise(ctx, report, &model.Finding{
			RouterID:   routerID,
			Kind:       model.FindingOrphanedLocal,
			ObjectKind: kind,
			ObjectRef:  m.LocalID,
			Detail:     fmt.Sprintf("%s %q (%s) is no longer on the router", kind, m.Name, m.RemoteID),
		})
	}

	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if mapped[id] {
			continue
		}
		current[model.FindingUnknownRemote][id] = true
		r.raise(ctx, report, &model.Finding{
			RouterID:   routerID,
			Kind:       model.FindingUnknownRemote,
			ObjectKind: kind,
			ObjectRef:  id,
			Detail:     fmt.Sprintf("%s %q (%s) has no local record", kind, names[id], id),
		})
	}

	if err := r.resolveCleared(ctx, routerID, kind, current, report); err != nil {
		return err
	}
	return r.store.TouchMappings(ctx, routerID, kind, seen)
}

// resolveCleared closes findings of kind that this pass no longer observed
func (r *Reconciler) resolveCleared(ctx context.Context, routerID string, kind model.ObjectKind, current map[model.FindingKind]map[string]bool, report *Report) error {
	open, err := r.store.ListFindings(ctx, &model.FindingFilter{RouterID: routerID, OpenOnly: true})
	if err != nil {
		return err
	}
	for _, f := range open {
		refs, tracked := current[f.Kind]
		if !tracked || f.ObjectKind != kind || refs[f.ObjectRef] {
			continue
		}
		if err := r.store.ResolveFinding(ctx, f.ID); err != nil {
			return err
		}
		report.Resolved++
		report.Mutations++
		log.Info("Finding resolved", "router", routerID, "kind", f.Kind, "ref", f.ObjectRef)
	}
	return nil
}

func (r *Reconciler) raise(ctx context.Context, report *Report, f *model.Finding) {
	created, err := r.store.RaiseFinding(ctx, f)
	if err != nil {
		log.Error("Failed to record finding", "router", f.RouterID, "kind", f.Kind, "error", err)
		return
	}
	if !created {
		return
	}
	report.Raised = append(report.Raised, *f)
	report.Mutations++
	r.metrics.FindingRaised(string(f.Kind))
	log.Warn("Reconciliation finding", "router", f.RouterID, "kind", f.Kind, "object", f.ObjectKind, "ref", f.ObjectRef)
}
