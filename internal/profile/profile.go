// Package profile keeps router PPP profiles in line with service packages.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/storage"
	"golang.org/x/sync/singleflight"
)

// ErrProfileInUse is returned when deleting a profile active accounts still use
var ErrProfileInUse = errors.New("profile in use by active accounts")

// Gateway applies operations to routers
type Gateway interface {
	Apply(ctx context.Context, routerID string, op routeros.Operation) (*routeros.Result, error)
}

// Synchronizer creates and updates router profiles for service packages
type Synchronizer struct {
	store   *storage.Store
	gateway Gateway
	mapper  *identity.Mapper
	group   singleflight.Group
}

// New creates a profile synchronizer
func New(store *storage.Store, gateway Gateway, mapper *identity.Mapper) *Synchronizer {
	return &Synchronizer{store: store, gateway: gateway, mapper: mapper}
}

// RateLimit renders a package as a RouterOS rate-limit value. RouterOS reads
// rx/tx from the router's side, so upload comes first.
func RateLimit(pkg *model.ServicePackage) string {
	limit := kbps(pkg.UploadKbps) + "/" + kbps(pkg.DownloadKbps)
	if !pkg.HasBurst() {
		return limit
	}
	threshold := kbps(pkg.BurstThresholdKbps)
	burstTime := fmt.Sprintf("%d", pkg.BurstTimeSeconds)
	return strings.Join([]string{
		limit,
		kbps(pkg.BurstUploadKbps) + "/" + kbps(pkg.BurstDownloadKbps),
		threshold + "/" + threshold,
		burstTime + "/" + burstTime,
	}, " ")
}

func kbps(n int) string {
	if n > 0 && n%1000 == 0 {
		return fmt.Sprintf("%dM", n/1000)
	}
	return fmt.Sprintf("%dk", n)
}

// Name returns the router-side profile name for a package
func Name(pkg *model.ServicePackage) string {
	name := strings.Join(strings.Fields(pkg.Name), "-")
	if name == "" {
		name = "pkg-" + pkg.ID
	}
	return name
}

// EnsureProfile returns the profile serving pkg on a router, creating it on
// the router or updating its limits as needed. Concurrent calls for the same
// router and package share one execution.
func (s *Synchronizer) EnsureProfile(ctx context.Context, routerID string, pkg *model.ServicePackage) (*model.Profile, error) {
	v, err, _ := s.group.Do(routerID+"/"+pkg.ID, func() (any, error) {
		return s.ensure(ctx, routerID, pkg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Profile), nil
}

func (s *Synchronizer) ensure(ctx context.Context, routerID string, pkg *model.ServicePackage) (*model.Profile, error) {
	rateLimit := RateLimit(pkg)

	p, err := s.localProfile(ctx, routerID, pkg)
	if err != nil {
		return nil, err
	}

	if p.ProfileID == "" {
		result, err := s.gateway.Apply(ctx, routerID, routeros.CreateProfile{Name: p.ProfileName, RateLimit: rateLimit})
		if err != nil {
			return nil, fmt.Errorf("creating profile %s: %w", p.ProfileName, err)
		}
		if result.Existing && len(result.Objects) > 0 && result.Objects[0][routeros.KeyRateLimit] != rateLimit {
			if _, err := s.gateway.Apply(ctx, routerID, routeros.UpdateProfile{ID: result.ID, RateLimit: rateLimit}); err != nil {
				return nil, fmt.Errorf("updating adopted profile %s: %w", p.ProfileName, err)
			}
		}

		entity := identity.Entity{Kind: model.ObjectProfile, LocalID: p.ID, RouterID: routerID}
		if _, err := s.mapper.UpsertMapping(ctx, entity, result.ID, p.ProfileName); err != nil {
			return nil, err
		}
		if err := s.store.UpdateProfileRateLimit(ctx, p.ID, rateLimit); err != nil {
			return nil, err
		}
		log.Info("Profile created", "router", routerID, "package", pkg.ID, "id", result.ID, "adopted", result.Existing)
		return s.store.GetProfile(ctx, p.ID)
	}

	if p.RateLimit == rateLimit {
		return p, nil
	}
	if _, err := s.gateway.Apply(ctx, routerID, routeros.UpdateProfile{ID: p.ProfileID, RateLimit: rateLimit}); err != nil {
		return nil, fmt.Errorf("updating profile %s: %w", p.ProfileName, err)
	}
	if err := s.store.UpdateProfileRateLimit(ctx, p.ID, rateLimit); err != nil {
		return nil, err
	}
	log.Info("Profile updated", "router", routerID, "package", pkg.ID, "id", p.ProfileID, "rate_limit", rateLimit)
	return s.store.GetProfile(ctx, p.ID)
}

// localProfile loads the package's profile record, creating an unmapped one
// when the router has none yet
func (s *Synchronizer) localProfile(ctx context.Context, routerID string, pkg *model.ServicePackage) (*model.Profile, error) {
	p, err := s.store.GetProfileByPackage(ctx, routerID, pkg.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrProfileNotFound) {
		return nil, err
	}

	p = &model.Profile{
		RouterID:         routerID,
		ServicePackageID: pkg.ID,
		ProfileName:      Name(pkg),
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.store.GetProfileByPackage(ctx, routerID, pkg.ID)
		}
		return nil, err
	}
	return p, nil
}

// DeleteProfile removes a profile from its router and locally. It refuses
// while any non-cancelled account references the profile.
func (s *Synchronizer) DeleteProfile(ctx context.Context, profileID string) error {
	p, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}

	n, err := s.store.CountActiveAccountsForProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("profile %s has %d accounts: %w", p.ProfileName, n, ErrProfileInUse)
	}

	if p.ProfileID != "" {
		if _, err := s.gateway.Apply(ctx, p.RouterID, routeros.DeleteProfile{ID: p.ProfileID}); err != nil {
			return fmt.Errorf("deleting profile %s: %w", p.ProfileName, err)
		}
	}
	if err := s.store.DeleteProfile(ctx, p.ID); err != nil {
		return err
	}
	log.Info("Profile deleted", "router", p.RouterID, "id", p.ProfileID, "name", p.ProfileName)
	return nil
}
