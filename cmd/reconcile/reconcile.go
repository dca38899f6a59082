package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/paularlott/cli"
)

// Command returns the one-shot reconciliation command
func Command() *cli.Command {
	return &cli.Command{
		Name:        "reconcile",
		Usage:       "Reconcile routers with local records",
		Description: "Compare live router objects with local records, follow renames and raise findings. Routers are never changed.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "router", Aliases: []string{"r"}, Usage: "Reconcile a single router by ID (default all)"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()
			return run(ctx, a, os.Stdout, cmd.GetString("router"))
		},
	}
}

func run(ctx context.Context, a *app.App, w io.Writer, routerID string) error {
	if routerID != "" {
		report, err := a.Reconciler.ReconcileRouter(ctx, routerID)
		if report != nil {
			printReport(w, report, err)
		}
		return err
	}

	scheduler, err := a.Scheduler()
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	reports, err := scheduler.ReconcileAll(ctx)
	for _, report := range reports {
		printReport(w, report, nil)
	}
	if len(reports) == 0 && err == nil {
		fmt.Fprintln(w, "No routers found")
	}
	return err
}

func printReport(w io.Writer, r *reconcile.Report, err error) {
	fmt.Fprintf(w, "Router %s (%s)\n", r.RouterID, r.Duration)
	if err != nil && errors.Is(err, routeros.ErrUnreachable) {
		fmt.Fprintf(w, "  unreachable: %v\n", err)
		return
	}
	fmt.Fprintf(w, "  live: %d pools, %d profiles, %d accounts\n", r.Live[model.ObjectPool], r.Live[model.ObjectProfile], r.Live[model.ObjectAccount])
	for _, d := range r.Renamed {
		fmt.Fprintf(w, "  renamed %s %s: %s -> %s\n", d.Kind, d.LocalID, d.OldName, d.NewName)
	}
	for _, f := range r.Raised {
		fmt.Fprintf(w, "  finding %s: %s %s\n", f.Kind, f.ObjectKind, f.ObjectRef)
	}
	fmt.Fprintf(w, "  raised %d, resolved %d, local changes %d\n", len(r.Raised), r.Resolved, r.Mutations)
}
