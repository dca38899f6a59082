package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/profile"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
	"github.com/martinsuchenak/routersync/internal/worker"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Gateway applies operations to routers
type Gateway interface {
	Apply(ctx context.Context, routerID string, op routeros.Operation) (*routeros.Result, error)
}

// Reconciler runs a reconciliation pass on one router
type Reconciler interface {
	ReconcileRouter(ctx context.Context, routerID string) (*reconcile.Report, error)
}

// Deps are the services behind the HTTP API
type Deps struct {
	Store      *storage.Store
	Machine    *subscription.Machine
	Allocator  *allocator.Allocator
	Profiles   *profile.Synchronizer
	Gateway    Gateway
	Mapper     *identity.Mapper
	Reconciler Reconciler
	Scheduler  *worker.Scheduler // optional
	Vault      secrets.Credentials
}

// Handler handles HTTP requests
type Handler struct {
	store      *storage.Store
	machine    *subscription.Machine
	alloc      *allocator.Allocator
	profiles   *profile.Synchronizer
	gateway    Gateway
	mapper     *identity.Mapper
	reconciler Reconciler
	scheduler  *worker.Scheduler
	vault      secrets.Credentials
}

// NewHandler creates a new API handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		machine:    d.Machine,
		alloc:      d.Allocator,
		profiles:   d.Profiles,
		gateway:    d.Gateway,
		mapper:     d.Mapper,
		reconciler: d.Reconciler,
		scheduler:  d.Scheduler,
		vault:      d.Vault,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Billing ingress
	mux.HandleFunc("POST /api/events/status", h.statusEvent)
	mux.HandleFunc("POST /api/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /api/subscriptions", h.listSubscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}", h.getSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/resume", h.resumeSubscription)
	mux.HandleFunc("PUT /api/packages/{id}", h.savePackage)
	mux.HandleFunc("POST /api/packages/{id}/sync", h.syncPackage)

	// Routers and pools
	mux.HandleFunc("GET /api/routers", h.listRouters)
	mux.HandleFunc("POST /api/routers", h.createRouter)
	mux.HandleFunc("GET /api/routers/{id}", h.getRouter)
	mux.HandleFunc("POST /api/routers/{id}/reconcile", h.reconcileRouter)
	mux.HandleFunc("GET /api/pools", h.listPools)
	mux.HandleFunc("POST /api/pools", h.createPool)
	mux.HandleFunc("GET /api/pools/{id}/stats", h.poolStats)
	mux.HandleFunc("POST /api/pools/{id}/block", h.blockAddress)
	mux.HandleFunc("DELETE /api/profiles/{id}", h.deleteProfile)

	// Operator review
	mux.HandleFunc("GET /api/findings", h.listFindings)
	mux.HandleFunc("POST /api/findings/{id}/resolve", h.resolveFinding)
	mux.HandleFunc("GET /api/rehoming/pending", h.listPending)
	mux.HandleFunc("POST /api/rehoming/resume", h.resumePending)
	mux.HandleFunc("DELETE /api/rehoming/pending/{subscription_id}", h.discardPending)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
}

// decode reads a JSON body, rejecting unknown fields
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

// fail maps a service error to its HTTP status
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.internalError(w, err)
		return
	}
	h.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, subscription.ErrInvalidRequest),
		errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrCrossRouterRef),
		errors.Is(err, allocator.ErrInvalidRange),
		errors.Is(err, allocator.ErrAddressOutOfRange),
		errors.Is(err, routeros.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrRouterNotFound),
		errors.Is(err, routeros.ErrUnknownRouter),
		errors.Is(err, storage.ErrPackageNotFound),
		errors.Is(err, storage.ErrPoolNotFound),
		errors.Is(err, storage.ErrProfileNotFound),
		errors.Is(err, storage.ErrAccountNotFound),
		errors.Is(err, storage.ErrSubscriptionNotFound),
		errors.Is(err, storage.ErrPendingNotFound),
		errors.Is(err, storage.ErrFindingNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrStaleStatus),
		errors.Is(err, subscription.ErrNoPoolForZone),
		errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, allocator.ErrPoolExhausted),
		errors.Is(err, allocator.ErrAddressUnavailable),
		errors.Is(err, profile.ErrProfileInUse),
		errors.Is(err, identity.ErrIdentityConflict),
		errors.Is(err, locks.ErrContended):
		return http.StatusConflict
	case errors.Is(err, routeros.ErrUnreachable),
		errors.Is(err, routeros.ErrRejected),
		errors.Is(err, routeros.ErrMalformed),
		errors.Is(err, routeros.ErrNoSuchObject):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
