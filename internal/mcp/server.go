package mcp

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
	"github.com/paularlott/mcp"
)

const serverVersion = "1.0.0"

// Reconciler runs one reconciliation pass
type Reconciler interface {
	ReconcileRouter(ctx context.Context, routerID string) (*reconcile.Report, error)
}

// Deps are the services the tools operate on
type Deps struct {
	Store      *storage.Store
	Machine    *subscription.Machine
	Allocator  *allocator.Allocator
	Reconciler Reconciler
}

// Server exposes operator tools over MCP
type Server struct {
	mcpServer   *mcp.Server
	store       *storage.Store
	machine     *subscription.Machine
	alloc       *allocator.Allocator
	reconciler  Reconciler
	bearerToken string
}

// NewServer creates a new MCP server
func NewServer(deps Deps, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("routersync", serverVersion),
		store:       deps.Store,
		machine:     deps.Machine,
		alloc:       deps.Allocator,
		reconciler:  deps.Reconciler,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	// Findings

	s.mcpServer.RegisterTool(
		mcp.NewTool("findings_list", "List reconciliation findings. Open findings only unless include_resolved is true.",
			mcp.String("router_id", "Filter by router ID"),
			mcp.String("kind", "Filter by kind (orphaned_local_record, unknown_remote_object, identity_conflict, no_pool_for_zone, pool_exhausted)"),
			mcp.String("include_resolved", "Set to true to include resolved findings"),
		),
		s.handleFindingsList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("finding_resolve", "Mark a finding as resolved after operator review",
			mcp.String("id", "Finding ID", mcp.Required()),
		),
		s.handleFindingResolve,
	)

	// Re-homing

	s.mcpServer.RegisterTool(
		mcp.NewTool("rehoming_pending", "List subscriptions whose network state does not yet match their billing status",
			mcp.String("router_id", "Filter by router ID"),
		),
		s.handleRehomingPending,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("rehoming_resume", "Retry pending network changes. Resumes one subscription when subscription_id is given, otherwise all of them.",
			mcp.String("subscription_id", "Subscription ID"),
		),
		s.handleRehomingResume,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("rehoming_discard", "Drop a pending network change the router keeps refusing and release its reserved address. The router is not touched.",
			mcp.String("subscription_id", "Subscription ID", mcp.Required()),
		),
		s.handleRehomingDiscard,
	)

	// Subscriptions

	s.mcpServer.RegisterTool(
		mcp.NewTool("subscription_get", "Get a subscription with its current address and pending state",
			mcp.String("id", "Subscription ID", mcp.Required()),
		),
		s.handleSubscriptionGet,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("subscription_transition", "Apply a billing status change (active, suspended, cutService, cancelled) and move the subscriber to the matching pool",
			mcp.String("subscription_id", "Subscription ID", mcp.Required()),
			mcp.String("new_status", "Target status", mcp.Required()),
			mcp.String("old_status", "Expected current status; the change is refused when it does not match"),
			mcp.String("reason", "Reason recorded in the log"),
		),
		s.handleSubscriptionTransition,
	)

	// Routers and pools

	s.mcpServer.RegisterTool(
		mcp.NewTool("router_list", "List managed routers with their last known status"),
		s.handleRouterList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("router_reconcile", "Compare a router's live objects with local records and raise findings for differences. Never changes the router.",
			mcp.String("router_id", "Router ID", mcp.Required()),
		),
		s.handleRouterReconcile,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("pool_stats", "Show address usage for an IP pool",
			mcp.String("pool_id", "Pool ID", mcp.Required()),
		),
		s.handlePoolStats,
	)
}

// HandleRequest handles MCP HTTP requests with optional bearer token authentication
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			log.Warn("MCP request missing bearer token", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized: Missing bearer token", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

// GetHTTPHandler returns the HTTP handler for the MCP server
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs MCP server startup information
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", serverVersion)
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name, "description", tool.Description)
	}
}
