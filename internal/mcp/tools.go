package mcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
	"github.com/paularlott/mcp"
)

// toolError converts a domain error into an MCP error. Caller mistakes are
// reported as invalid params so the client can correct the call.
func toolError(action string, err error) error {
	msg := action + ": " + err.Error()
	switch {
	case errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, subscription.ErrStaleStatus),
		errors.Is(err, subscription.ErrInvalidRequest),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrRouterNotFound),
		errors.Is(err, storage.ErrPoolNotFound),
		errors.Is(err, storage.ErrSubscriptionNotFound),
		errors.Is(err, storage.ErrFindingNotFound),
		errors.Is(err, storage.ErrPendingNotFound),
		errors.Is(err, routeros.ErrUnknownRouter),
		errors.Is(err, errInvalidArgument):
		return mcp.NewToolErrorInvalidParams(msg)
	}
	log.Warn("MCP tool failed", "action", action, "error", err)
	return mcp.NewToolErrorInternal(msg)
}

var errInvalidArgument = errors.New("invalid argument")

func text(out string, err error, action string) (*mcp.ToolResponse, error) {
	if err != nil {
		return nil, toolError(action, err)
	}
	return mcp.NewToolResponseText(out), nil
}

func (s *Server) handleFindingsList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	includeResolved := false
	if v := req.StringOr("include_resolved", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, mcp.NewToolErrorInvalidParams("include_resolved must be true or false")
		}
		includeResolved = b
	}
	out, err := s.listFindings(ctx, req.StringOr("router_id", ""), model.FindingKind(req.StringOr("kind", "")), includeResolved)
	return text(out, err, "list findings")
}

func (s *Server) handleFindingResolve(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}
	out, err := s.resolveFinding(ctx, id)
	return text(out, err, "resolve finding")
}

func (s *Server) handleRehomingPending(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	out, err := s.listPending(ctx, req.StringOr("router_id", ""))
	return text(out, err, "list pending")
}

func (s *Server) handleRehomingResume(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	out, err := s.resume(ctx, req.StringOr("subscription_id", ""))
	return text(out, err, "resume")
}

func (s *Server) handleRehomingDiscard(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("subscription_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("subscription_id is required: " + err.Error())
	}
	out, err := s.discard(ctx, id)
	return text(out, err, "discard")
}

func (s *Server) handleSubscriptionGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}
	out, err := s.getSubscription(ctx, id)
	return text(out, err, "get subscription")
}

func (s *Server) handleSubscriptionTransition(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("subscription_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("subscription_id is required: " + err.Error())
	}
	newStatus, err := req.String("new_status")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("new_status is required: " + err.Error())
	}
	out, err := s.transition(ctx, subscription.Event{
		SubscriptionID: id,
		OldStatus:      model.SubscriptionStatus(req.StringOr("old_status", "")),
		NewStatus:      model.SubscriptionStatus(newStatus),
		Reason:         req.StringOr("reason", ""),
	})
	return text(out, err, "transition subscription")
}

func (s *Server) handleRouterList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	out, err := s.listRouters(ctx)
	return text(out, err, "list routers")
}

func (s *Server) handleRouterReconcile(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("router_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("router_id is required: " + err.Error())
	}
	out, err := s.reconcileRouter(ctx, id)
	return text(out, err, "reconcile router")
}

func (s *Server) handlePoolStats(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("pool_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("pool_id is required: " + err.Error())
	}
	out, err := s.poolStats(ctx, id)
	return text(out, err, "pool stats")
}

// Tool bodies

func (s *Server) listFindings(ctx context.Context, routerID string, kind model.FindingKind, includeResolved bool) (string, error) {
	findings, err := s.store.ListFindings(ctx, &model.FindingFilter{
		RouterID: routerID,
		Kind:     kind,
		OpenOnly: !includeResolved,
	})
	if err != nil {
		return "", err
	}
	if len(findings) == 0 {
		return "No findings", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d finding(s):\n\n", len(findings))
	for i := range findings {
		b.WriteString(formatFinding(&findings[i]))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Server) resolveFinding(ctx context.Context, id string) (string, error) {
	if err := s.store.ResolveFinding(ctx, id); err != nil {
		return "", err
	}
	return "Finding resolved: " + id, nil
}

func (s *Server) listPending(ctx context.Context, routerID string) (string, error) {
	pending, err := s.machine.Pending(ctx, routerID)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "No pending network changes", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pending network change(s):\n\n", len(pending))
	for _, p := range pending {
		fmt.Fprintf(&b, "- %s: %s at stage %s", p.SubscriptionID, p.Operation, p.Stage)
		if p.Address != "" {
			fmt.Fprintf(&b, " (address %s)", p.Address)
		}
		fmt.Fprintf(&b, ", %d attempt(s)", p.Attempts)
		if p.LastError != "" {
			fmt.Fprintf(&b, ", last error: %s", p.LastError)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Server) resume(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID != "" {
		out, err := s.machine.Resume(ctx, subscriptionID)
		if err != nil {
			if errors.Is(err, subscription.ErrPendingRehome) {
				return "Still pending: " + err.Error(), nil
			}
			return "", err
		}
		return formatOutcome(out), nil
	}

	completed, err := s.machine.ResumePending(ctx)
	remaining, listErr := s.machine.Pending(ctx, "")
	if listErr != nil {
		return "", errors.Join(err, listErr)
	}
	msg := fmt.Sprintf("Completed %d, %d still pending", completed, len(remaining))
	if err != nil {
		msg += "\nErrors: " + err.Error()
	}
	return msg, nil
}

func (s *Server) discard(ctx context.Context, subscriptionID string) (string, error) {
	marker, err := s.machine.Discard(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Discarded %s %s of %s", marker.Stage, marker.Operation, marker.SubscriptionID)
	if marker.Address != "" {
		msg += ", released " + marker.Address
	}
	return msg, nil
}

func (s *Server) getSubscription(ctx context.Context, id string) (string, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subscription: %s\n", sub.ID)
	fmt.Fprintf(&b, "Client: %s\n", sub.ClientID)
	fmt.Fprintf(&b, "Status: %s\n", sub.Status)
	fmt.Fprintf(&b, "Router: %s\n", sub.RouterID)
	fmt.Fprintf(&b, "Zone: %s\n", sub.ZoneID)
	fmt.Fprintf(&b, "Username: %s\n", sub.Username)
	if sub.CurrentIPPoolID != "" {
		fmt.Fprintf(&b, "Pool: %s\n", sub.CurrentIPPoolID)
	}
	if account, err := s.store.GetAccountBySubscription(ctx, sub.ID); err == nil && account.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", account.Address)
	}
	if pending, err := s.store.GetPending(ctx, sub.ID); err == nil {
		fmt.Fprintf(&b, "Pending: %s at stage %s", pending.Operation, pending.Stage)
		if pending.LastError != "" {
			fmt.Fprintf(&b, " (%s)", pending.LastError)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Server) transition(ctx context.Context, ev subscription.Event) (string, error) {
	if !ev.NewStatus.Valid() {
		return "", fmt.Errorf("%w: new_status %q", errInvalidArgument, ev.NewStatus)
	}
	if ev.OldStatus != "" && !ev.OldStatus.Valid() {
		return "", fmt.Errorf("%w: old_status %q", errInvalidArgument, ev.OldStatus)
	}

	out, err := s.machine.Transition(ctx, ev)
	if err != nil {
		if errors.Is(err, subscription.ErrPendingRehome) {
			return fmt.Sprintf("Status %s recorded; network change pending: %s", ev.NewStatus, err), nil
		}
		return "", err
	}
	return formatOutcome(out), nil
}

func (s *Server) listRouters(ctx context.Context) (string, error) {
	routers, err := s.store.ListRouters(ctx)
	if err != nil {
		return "", err
	}
	if len(routers) == 0 {
		return "No routers configured", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d router(s):\n\n", len(routers))
	for _, r := range routers {
		fmt.Fprintf(&b, "- %s (ID: %s) %s:%d, status %s", r.Name, r.ID, r.Host, r.Port, r.Status)
		if r.LastSeen != nil {
			fmt.Fprintf(&b, ", last seen %s", r.LastSeen.Format("2006-01-02 15:04:05"))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Server) reconcileRouter(ctx context.Context, routerID string) (string, error) {
	report, err := s.reconciler.ReconcileRouter(ctx, routerID)
	if err != nil && (report == nil || !errors.Is(err, routeros.ErrUnreachable)) {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reconciled router %s in %s\n", report.RouterID, report.Duration)
	if err != nil {
		fmt.Fprintf(&b, "Router unreachable: %s\n", err)
		return b.String(), nil
	}
	for _, kind := range []model.ObjectKind{model.ObjectPool, model.ObjectProfile, model.ObjectAccount} {
		fmt.Fprintf(&b, "Live %s objects: %d\n", kind, report.Live[kind])
	}
	for _, d := range report.Renamed {
		fmt.Fprintf(&b, "Renamed %s %s: %s -> %s\n", d.Kind, d.LocalID, d.OldName, d.NewName)
	}
	fmt.Fprintf(&b, "Findings raised: %d, resolved: %d\n", len(report.Raised), report.Resolved)
	for i := range report.Raised {
		b.WriteString(formatFinding(&report.Raised[i]))
	}
	return b.String(), nil
}

func (s *Server) poolStats(ctx context.Context, poolID string) (string, error) {
	stats, err := s.alloc.Stats(ctx, poolID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Pool %s: %d total, %d assigned, %d reserved, %d blocked, %d free",
		stats.PoolRef, stats.Total, stats.Assigned, stats.Reserved, stats.Blocked, stats.Free), nil
}

func formatFinding(f *model.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] %s", f.Kind, f.ID)
	if f.ObjectKind != "" {
		fmt.Fprintf(&b, " %s", f.ObjectKind)
	}
	fmt.Fprintf(&b, " %s on router %s", f.ObjectRef, f.RouterID)
	if f.ResolvedAt != nil {
		b.WriteString(" (resolved)")
	}
	b.WriteString("\n")
	if f.Detail != "" {
		fmt.Fprintf(&b, "  %s\n", f.Detail)
	}
	return b.String()
}

func formatOutcome(out *subscription.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription %s is %s", out.SubscriptionID, out.Status)
	if out.PoolID != "" {
		fmt.Fprintf(&b, " in pool %s", out.PoolID)
	}
	if out.Address != "" {
		fmt.Fprintf(&b, " with address %s", out.Address)
	}
	if !out.Changed {
		b.WriteString(" (no change)")
	}
	return b.String()
}
