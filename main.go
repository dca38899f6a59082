package main

import (
	"context"
	"os"

	"github.com/martinsuchenak/routersync/cmd/reconcile"
	"github.com/martinsuchenak/routersync/cmd/router"
	"github.com/martinsuchenak/routersync/cmd/secrets"
	"github.com/martinsuchenak/routersync/cmd/server"
	"github.com/martinsuchenak/routersync/cmd/subscription"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	log.Configure("info", "console")

	rootCmd := &cli.Command{
		Name:        "routersync",
		Version:     version,
		Usage:       "Keep RouterOS PPPoE state in step with billing",
		Description: "Synchronizes subscriber pools, profiles and accounts on MikroTik routers with billing status changes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"ROUTERSYNC_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"ROUTERSYNC_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Configure(cmd.GetString("log-level"), cmd.GetString("log-format"))
			log.Debug("Starting", "version", version, "commit", commit, "date", date)
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(),
			reconcile.Command(),
			{
				Name:        "router",
				Usage:       "Router management commands",
				Description: "Register, list, probe and export routers",
				Commands:    router.Commands(),
			},
			{
				Name:        "subscription",
				Usage:       "Subscription commands",
				Description: "Apply status changes and manage pending re-homing",
				Commands:    subscription.Commands(),
			},
			{
				Name:        "secrets",
				Usage:       "Credential commands",
				Description: "Manage the keys protecting stored credentials",
				Commands:    secrets.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
