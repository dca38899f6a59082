package secrets

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/storage"
)

// RotationReport counts the values re-sealed by ResealStore
type RotationReport struct {
	Version       int `json:"version"`
	Routers       int `json:"routers"`
	Subscriptions int `json:"subscriptions"`
	Accounts      int `json:"accounts"`
}

// ResealStore re-encrypts every stored credential under the vault's current
// key version in a single transaction.
func ResealStore(ctx context.Context, store *storage.Store, v *Vault) (*RotationReport, error) {
	report := &RotationReport{Version: v.ring.Current()}

	err := store.WithTx(ctx, func(tx *storage.Tx) error {
		routers, err := tx.ListRouters(ctx)
		if err != nil {
			return err
		}
		for i := range routers {
			router := &routers[i]
			sealed, changed, err := v.Reseal(ScopeRouter, router.Password)
			if err != nil {
				return fmt.Errorf("router %s: %w", router.Name, err)
			}
			if changed {
				router.Password = sealed
				if err := tx.UpdateRouter(ctx, router); err != nil {
					return err
				}
				report.Routers++
			}

			accounts, err := tx.ListAccounts(ctx, router.ID, true)
			if err != nil {
				return err
			}
			for j := range accounts {
				if err := resealAccount(ctx, tx, v, &accounts[j], report); err != nil {
					return err
				}
			}
		}

		subs, err := tx.ListSubscriptions(ctx, nil)
		if err != nil {
			return err
		}
		for i := range subs {
			sub := &subs[i]
			sealed, changed, err := v.Reseal(ScopePPPoE, sub.Password)
			if err != nil {
				return fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
			if !changed {
				continue
			}
			sub.Password = sealed
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			report.Subscriptions++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func resealAccount(ctx context.Context, tx *storage.Tx, v *Vault, a *model.PPPoEAccount, report *RotationReport) error {
	sealed, changed, err := v.Reseal(ScopePPPoE, a.Password)
	if err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	if !changed {
		return nil
	}
	a.Password = sealed
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return err
	}
	report.Accounts++
	return nil
}
