package storage

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/martinsuchenak/routersync/internal/model"
)

// Snapshot is a point-in-time dump of the network state for operator review.
// Secrets are never included.
type Snapshot struct {
	GeneratedAt   time.Time             `json:"generated_at"`
	SchemaVersion int                   `json:"schema_version"`
	Routers       []model.Router        `json:"routers"`
	Pools         []model.IPPool        `json:"pools"`
	Profiles      []model.Profile       `json:"profiles"`
	Subscriptions []model.Subscription  `json:"subscriptions"`
	Pending       []model.PendingRehome `json:"pending"`
	Findings      []model.Finding       `json:"findings"`
}

// Export writes a JSON snapshot of the store to w
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	snap := Snapshot{GeneratedAt: s.now()}

	var err error
	if snap.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
		return err
	}
	if snap.Routers, err = s.ListRouters(ctx); err != nil {
		return err
	}
	for _, router := range snap.Routers {
		profiles, err := s.ListProfiles(ctx, router.ID)
		if err != nil {
			return err
		}
		snap.Profiles = append(snap.Profiles, profiles...)
	}
	if snap.Pools, err = s.ListPools(ctx, nil); err != nil {
		return err
	}
	if snap.Subscriptions, err = s.ListSubscriptions(ctx, nil); err != nil {
		return err
	}
	if snap.Pending, err = s.ListPending(ctx, ""); err != nil {
		return err
	}
	if snap.Findings, err = s.ListFindings(ctx, &model.FindingFilter{OpenOnly: true}); err != nil {
		return err
	}
	return saveJSON(w, snap)
}

// saveJSON saves data as JSON
func saveJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
