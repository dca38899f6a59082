package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
)

// routerRequest is the body of POST /api/routers
type routerRequest struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	UseTLS        bool   `json:"use_tls,omitempty"`
	SNMPCommunity string `json:"snmp_community,omitempty"`
}

// poolRequest is the body of POST /api/pools
type poolRequest struct {
	RouterID string         `json:"router_id"`
	ZoneID   string         `json:"zone_id"`
	PoolName string         `json:"pool_name"`
	Range    string         `json:"range"`
	PoolType model.PoolType `json:"pool_type"`
}

// listRouters handles GET /api/routers
func (h *Handler) listRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := h.store.ListRouters(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, routers)
}

// getRouter handles GET /api/routers/{id}
func (h *Handler) getRouter(w http.ResponseWriter, r *http.Request) {
	router, err := h.store.GetRouter(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, router)
}

// createRouter handles POST /api/routers
func (h *Handler) createRouter(w http.ResponseWriter, r *http.Request) {
	var req routerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Host == "" || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, "name, host and username are required")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		h.writeError(w, http.StatusBadRequest, "port out of range")
		return
	}

	sealed, err := h.vault.Seal(secrets.ScopeRouter, req.Password)
	if err != nil {
		h.internalError(w, err)
		return
	}
	router := &model.Router{
		Name:          req.Name,
		Host:          req.Host,
		Port:          req.Port,
		Username:      req.Username,
		Password:      sealed,
		UseTLS:        req.UseTLS,
		SNMPCommunity: req.SNMPCommunity,
	}
	if err := h.store.CreateRouter(r.Context(), router); err != nil {
		h.fail(w, err)
		return
	}
	log.Info("Router registered", "router", router.ID, "name", router.Name, "host", router.Host)
	h.writeJSON(w, http.StatusCreated, router)
}

// reconcileRouter handles POST /api/routers/{id}/reconcile
func (h *Handler) reconcileRouter(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.ReconcileRouter(r.Context(), r.PathValue("id"))
	if err != nil {
		if report != nil && errors.Is(err, routeros.ErrUnreachable) {
			h.writeJSON(w, http.StatusBadGateway, report)
			return
		}
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// listPools handles GET /api/pools
func (h *Handler) listPools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &model.IPPoolFilter{
		RouterID: q.Get("router_id"),
		ZoneID:   q.Get("zone_id"),
		PoolType: model.PoolType(q.Get("pool_type")),
	}
	if filter.PoolType != "" && !filter.PoolType.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid pool_type: "+string(filter.PoolType))
		return
	}

	pools, err := h.store.ListPools(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pools)
}

// createPool handles POST /api/pools. The pool is looked up by name on the
// router and created there when absent. An adopted pool must already hold
// the requested ranges.
func (h *Handler) createPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req poolRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RouterID == "" || req.ZoneID == "" || req.PoolName == "" {
		h.writeError(w, http.StatusBadRequest, "router_id, zone_id and pool_name are required")
		return
	}
	if !req.PoolType.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid pool_type: "+string(req.PoolType))
		return
	}
	want, err := allocator.ParseRange(req.Range)
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetRouter(ctx, req.RouterID); err != nil {
		h.fail(w, err)
		return
	}
	if existing, err := h.store.FindPoolForZone(ctx, req.RouterID, req.ZoneID, req.PoolType); err == nil {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("zone %s already has %s pool %s", req.ZoneID, req.PoolType, existing.ID))
		return
	}

	result, err := h.gateway.Apply(ctx, req.RouterID, routeros.CreatePool{Name: req.PoolName, Ranges: req.Range})
	if err != nil {
		h.fail(w, err)
		return
	}
	if result.Existing && len(result.Objects) > 0 {
		live := result.Objects[0][routeros.KeyRanges]
		got, err := allocator.ParseRange(live)
		if err != nil || !got.Equal(want) {
			h.writeError(w, http.StatusConflict, fmt.Sprintf("router pool %q holds %q, not %q", req.PoolName, live, req.Range))
			return
		}
	}

	pool := &model.IPPool{
		ZoneID:   req.ZoneID,
		RouterID: req.RouterID,
		PoolName: req.PoolName,
		Range:    req.Range,
		PoolType: req.PoolType,
	}
	if err := h.store.CreatePool(ctx, pool); err != nil {
		h.fail(w, err)
		return
	}
	entity := identity.Entity{Kind: model.ObjectPool, LocalID: pool.ID, RouterID: pool.RouterID}
	if _, err := h.mapper.UpsertMapping(ctx, entity, result.ID, req.PoolName); err != nil {
		if delErr := h.store.DeletePool(ctx, pool.ID); delErr != nil {
			log.Error("Failed to remove unmapped pool", "pool", pool.ID, "error", delErr)
		}
		h.fail(w, err)
		return
	}
	pool.PoolID = result.ID

	log.Info("Pool registered", "pool", pool.ID, "router", pool.RouterID, "router_object", pool.PoolID,
		"zone", pool.ZoneID, "type", pool.PoolType, "adopted", result.Existing)
	h.writeJSON(w, http.StatusCreated, pool)
}

// poolStats handles GET /api/pools/{id}/stats
func (h *Handler) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alloc.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// blockAddress handles POST /api/pools/{id}/block
func (h *Handler) blockAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if err := h.alloc.Block(r.Context(), r.PathValue("id"), req.Address); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
