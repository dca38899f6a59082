package secrets

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/paularlott/cli"
)

// Commands returns the credential management commands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "rotate",
			Usage:       "Re-seal stored credentials under a new key version",
			Description: "Advance the key version and re-encrypt every router and PPPoE credential. Set ROUTERSYNC_KEY_VERSION to the printed version afterwards.",
			Run: func(ctx context.Context, cmd *cli.Command) error {
				a, err := app.Open()
				if err != nil {
					return err
				}
				defer a.Close()
				return rotate(ctx, a, os.Stdout)
			},
		},
	}
}

func rotate(ctx context.Context, a *app.App, w io.Writer) error {
	version := a.Vault.KeyRing().Rotate()
	report, err := secrets.ResealStore(ctx, a.Store, a.Vault)
	if err != nil {
		return fmt.Errorf("rotation to key version %d failed, nothing was changed: %w", version, err)
	}
	fmt.Fprintf(w, "Re-sealed %d router, %d subscription and %d account credential(s) under key version %d\n",
		report.Routers, report.Subscriptions, report.Accounts, report.Version)
	fmt.Fprintf(w, "Set ROUTERSYNC_KEY_VERSION=%d before restarting the server\n", report.Version)
	return nil
}
