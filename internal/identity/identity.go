// Package identity pairs local entities with router object IDs. The router
// ID is written once; only the display name follows the router.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/storage"
)

var (
	// ErrImmutableID is returned when a mapped entity is offered a different router ID
	ErrImmutableID = errors.New("router object ID is immutable")
	// ErrIdentityConflict is returned when a router ID already belongs to another
	// local entity. It is recorded as a finding and never resolved automatically.
	ErrIdentityConflict = errors.New("identity conflict")
)

// Store is the persistence the mapper needs; *storage.Store and
// *storage.Tx both satisfy it.
type Store interface {
	GetMapping(ctx context.Context, kind model.ObjectKind, localID string) (*storage.Mapping, error)
	FindMappingByRemoteID(ctx context.Context, routerID string, kind model.ObjectKind, remoteID string) (*storage.Mapping, error)
	ListMappings(ctx context.Context, routerID string, kind model.ObjectKind) ([]storage.Mapping, error)
	SetMappingRemoteID(ctx context.Context, kind model.ObjectKind, localID, remoteID, name string) error
	UpdateMappingName(ctx context.Context, kind model.ObjectKind, localID, name string) error
	RaiseFinding(ctx context.Context, f *model.Finding) (bool, error)
}

// Entity addresses a local record that mirrors a router object
type Entity struct {
	Kind     model.ObjectKind
	LocalID  string
	RouterID string
}

// Observed is a router object as last listed from the device
type Observed struct {
	ID   string
	Name string
}

// Drift is a name that changed on the router
type Drift struct {
	Kind           model.ObjectKind `json:"kind"`
	LocalID        string           `json:"local_id"`
	RouterID       string           `json:"router_id"`
	RouterObjectID string           `json:"router_object_id"`
	OldName        string           `json:"old_name"`
	NewName        string           `json:"new_name"`
}

// Mapper maintains identity mappings
type Mapper struct {
	store   Store
	metrics *metrics.Metrics
}

// New creates a mapper over store
func New(store Store, m *metrics.Metrics) *Mapper {
	return &Mapper{store: store, metrics: m}
}

// In returns a mapper bound to another store, typically a transaction
func (m *Mapper) In(store Store) *Mapper {
	return &Mapper{store: store, metrics: m.metrics}
}

// UpsertMapping records that entity is routerObjectID on its router, named
// currentName. The ID is set on first call; later calls may only refresh
// the name.
func (m *Mapper) UpsertMapping(ctx context.Context, e Entity, routerObjectID, currentName string) (*storage.Mapping, error) {
	if routerObjectID == "" {
		return nil, fmt.Errorf("%s %s: empty router object ID", e.Kind, e.LocalID)
	}

	owner, err := m.store.FindMappingByRemoteID(ctx, e.RouterID, e.Kind, routerObjectID)
	switch {
	case err == nil && owner.LocalID != e.LocalID:
		return nil, m.conflict(ctx, e, routerObjectID, owner.LocalID)
	case err != nil && !errors.Is(err, storage.ErrMappingNotFound):
		return nil, err
	}

	current, err := m.store.GetMapping(ctx, e.Kind, e.LocalID)
	if err != nil {
		return nil, err
	}
	if current.RouterID != e.RouterID {
		return nil, fmt.Errorf("%s %s lives on router %s: %w", e.Kind, e.LocalID, current.RouterID, storage.ErrCrossRouterRef)
	}

	switch {
	case current.RemoteID == "":
		if err := m.store.SetMappingRemoteID(ctx, e.Kind, e.LocalID, routerObjectID, currentName); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return nil, m.conflict(ctx, e, routerObjectID, "")
			}
			return nil, err
		}
	case current.RemoteID != routerObjectID:
		return nil, fmt.Errorf("%s %s is %s, refusing %s: %w", e.Kind, e.LocalID, current.RemoteID, routerObjectID, ErrImmutableID)
	case current.Name != currentName:
		if err := m.store.UpdateMappingName(ctx, e.Kind, e.LocalID, currentName); err != nil {
			return nil, err
		}
	}
	return m.store.GetMapping(ctx, e.Kind, e.LocalID)
}

// GetByRouterID returns the mapping holding a router object ID
func (m *Mapper) GetByRouterID(ctx context.Context, routerID string, kind model.ObjectKind, routerObjectID string) (*storage.Mapping, error) {
	return m.store.FindMappingByRemoteID(ctx, routerID, kind, routerObjectID)
}

// DetectDrift compares the stored names of a router's mapped entities with
// the live objects. It reads only.
func (m *Mapper) DetectDrift(ctx context.Context, routerID string, kind model.ObjectKind, live []Observed) ([]Drift, error) {
	names := make(map[string]string, len(live))
	for _, o := range live {
		names[o.ID] = o.Name
	}

	mappings, err := m.store.ListMappings(ctx, routerID, kind)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, mapping := range mappings {
		if mapping.RemoteID == "" {
			continue
		}
		name, ok := names[mapping.RemoteID]
		if !ok || name == mapping.Name {
			continue
		}
		drifts = append(drifts, Drift{
			Kind:           kind,
			LocalID:        mapping.LocalID,
			RouterID:       routerID,
			RouterObjectID: mapping.RemoteID,
			OldName:        mapping.Name,
			NewName:        name,
		})
	}
	return drifts, nil
}

// ApplyDrift writes the new names locally and returns how many changed
func (m *Mapper) ApplyDrift(ctx context.Context, drifts []Drift) (int, error) {
	applied := 0
	for _, d := range drifts {
		if err := m.store.UpdateMappingName(ctx, d.Kind, d.LocalID, d.NewName); err != nil {
			return applied, fmt.Errorf("applying %s drift on %s: %w", d.Kind, d.LocalID, err)
		}
		log.Info("Router object renamed", "router", d.RouterID, "kind", d.Kind, "id", d.RouterObjectID,
			"old_name", d.OldName, "new_name", d.NewName)
		applied++
	}
	return applied, nil
}

func (m *Mapper) conflict(ctx context.Context, e Entity, routerObjectID, ownerID string) error {
	detail := fmt.Sprintf("router object %s offered to %s %s", routerObjectID, e.Kind, e.LocalID)
	if ownerID != "" {
		detail += " but already mapped to " + ownerID
	}
	created, err := m.store.RaiseFinding(ctx, &model.Finding{
		RouterID:   e.RouterID,
		Kind:       model.FindingIdentityConflict,
		ObjectKind: e.Kind,
		ObjectRef:  routerObjectID,
		Detail:     detail,
	})
	if err != nil {
		log.Error("Failed to record identity conflict", "router", e.RouterID, "error", err)
	} else if created {
		m.metrics.FindingRaised(string(model.FindingIdentityConflict))
	}
	log.Warn("Identity conflict", "router", e.RouterID, "kind", e.Kind, "id", routerObjectID, "local", e.LocalID, "owner", ownerID)
	return fmt.Errorf("%s: %w", detail, ErrIdentityConflict)
}
