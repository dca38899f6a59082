package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/subscription"
	"github.com/paularlott/cli"
)

// Commands returns the subscription commands
func Commands() []*cli.Command {
	return []*cli.Command{
		transitionCommand(),
		pendingCommand(),
		resumeCommand(),
		discardCommand(),
	}
}

func transitionCommand() *cli.Command {
	return &cli.Command{
		Name:        "transition",
		Usage:       "Apply a billing status change",
		Description: "Change a subscription's status (active, suspended, cutService, cancelled) and move the subscriber to the matching pool",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
			&cli.StringArg{Name: "status", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "expect", Usage: "Refuse unless the subscription currently has this status"},
			&cli.StringFlag{Name: "reason", Usage: "Reason recorded in the log"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()

			return transition(ctx, a, os.Stdout, subscription.Event{
				SubscriptionID: cmd.GetStringArg("id"),
				OldStatus:      model.SubscriptionStatus(cmd.GetString("expect")),
				NewStatus:      model.SubscriptionStatus(cmd.GetStringArg("status")),
				Reason:         cmd.GetString("reason"),
			})
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:        "pending",
		Usage:       "List pending network changes",
		Description: "List subscriptions whose network state does not yet match their billing status",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "router", Usage: "Filter by router ID"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()
			return listPending(ctx, a, os.Stdout, cmd.GetString("router"))
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:        "resume",
		Usage:       "Retry pending network changes",
		Description: "Resume one subscription's pending change, or all of them when no ID is given",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Subscription ID"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()
			return resume(ctx, a, os.Stdout, cmd.GetString("id"))
		},
	}
}

func discardCommand() *cli.Command {
	return &cli.Command{
		Name:        "discard",
		Usage:       "Drop a pending network change",
		Description: "Drop a subscription's pending change without touching the router and release the address it reserved",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Subscription ID", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()
			return discard(ctx, a, os.Stdout, cmd.GetString("id"))
		},
	}
}

func transition(ctx context.Context, a *app.App, w io.Writer, ev subscription.Event) error {
	if ev.OldStatus != "" && !ev.OldStatus.Valid() {
		return fmt.Errorf("invalid expected status %q", ev.OldStatus)
	}
	out, err := a.Machine.Transition(ctx, ev)
	if errors.Is(err, subscription.ErrPendingRehome) {
		fmt.Fprintf(w, "Status %s recorded; network change pending: %v\n", ev.NewStatus, err)
		return nil
	}
	if err != nil {
		return err
	}
	printOutcome(w, out)
	return nil
}

func listPending(ctx context.Context, a *app.App, w io.Writer, routerID string) error {
	pending, err := a.Machine.Pending(ctx, routerID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending network changes")
		return nil
	}
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.SubscriptionID, p.Operation, p.Stage, p.Attempts, p.LastError)
	}
	return nil
}

func resume(ctx context.Context, a *app.App, w io.Writer, id string) error {
	if id != "" {
		out, err := a.Machine.Resume(ctx, id)
		if err != nil {
			return err
		}
		printOutcome(w, out)
		return nil
	}

	completed, err := a.Machine.ResumePending(ctx)
	fmt.Fprintf(w, "Completed %d pending change(s)\n", completed)
	return err
}

func discard(ctx context.Context, a *app.App, w io.Writer, id string) error {
	marker, err := a.Machine.Discard(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Discarded %s %s of %s", marker.Stage, marker.Operation, marker.SubscriptionID)
	if marker.Address != "" {
		fmt.Fprintf(w, ", released %s", marker.Address)
	}
	fmt.Fprintln(w)
	return nil
}

func printOutcome(w io.Writer, out *subscription.Outcome) {
	fmt.Fprintf(w, "Subscription: %s\n", out.SubscriptionID)
	fmt.Fprintf(w, "Status:       %s\n", out.Status)
	if out.PoolID != "" {
		fmt.Fprintf(w, "Pool:         %s\n", out.PoolID)
	}
	if out.Address != "" {
		fmt.Fprintf(w, "Address:      %s\n", out.Address)
	}
	fmt.Fprintf(w, "Changed:      %v\n", out.Changed)
}
