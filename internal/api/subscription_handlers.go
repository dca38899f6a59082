package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
)

// subscriptionView is a subscription with its current address and any
// unfinished network change
type subscriptionView struct {
	*model.Subscription
	Address string               `json:"address,omitempty"`
	Pending *model.PendingRehome `json:"pending,omitempty"`
}

// pendingResponse is returned when a status is committed but the network
// change is left pending
type pendingResponse struct {
	SubscriptionID string                   `json:"subscription_id"`
	Status         model.SubscriptionStatus `json:"status,omitempty"`
	Pending        bool                     `json:"pending"`
	Error          string                   `json:"error"`
}

// statusEvent handles POST /api/events/status
func (h *Handler) statusEvent(w http.ResponseWriter, r *http.Request) {
	var ev subscription.Event
	if !h.decode(w, r, &ev) {
		return
	}
	if ev.SubscriptionID == "" {
		h.writeError(w, http.StatusBadRequest, "subscription_id is required")
		return
	}
	if ev.OldStatus != "" && !ev.OldStatus.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid old_status: "+string(ev.OldStatus))
		return
	}

	out, err := h.machine.Transition(r.Context(), ev)
	if err != nil {
		if errors.Is(err, subscription.ErrPendingRehome) {
			h.writeJSON(w, http.StatusAccepted, pendingResponse{
				SubscriptionID: ev.SubscriptionID,
				Status:         ev.NewStatus,
				Pending:        true,
				Error:          err.Error(),
			})
			return
		}
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// createSubscription handles POST /api/subscriptions
func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.NewSubscription
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.machine.Provision(r.Context(), req)
	if err != nil {
		if sub != nil && errors.Is(err, subscription.ErrPendingRehome) {
			h.writeJSON(w, http.StatusAccepted, h.view(r.Context(), sub))
			return
		}
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.view(r.Context(), sub))
}

// listSubscriptions handles GET /api/subscriptions
func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &storage.SubscriptionFilter{
		RouterID: q.Get("router_id"),
		Status:   model.SubscriptionStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid status: "+string(filter.Status))
		return
	}

	subs, err := h.store.ListSubscriptions(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, subs)
}

// getSubscription handles GET /api/subscriptions/{id}
func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(r.Context(), sub))
}

// resumeSubscription handles POST /api/subscriptions/{id}/resume
func (h *Handler) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := h.machine.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, subscription.ErrPendingRehome) {
			h.writeJSON(w, http.StatusAccepted, pendingResponse{SubscriptionID: id, Pending: true, Error: err.Error()})
			return
		}
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) view(ctx context.Context, sub *model.Subscription) *subscriptionView {
	v := &subscriptionView{Subscription: sub}
	if account, err := h.store.GetAccountBySubscription(ctx, sub.ID); err == nil {
		v.Address = account.Address
	}
	if pending, err := h.store.GetPending(ctx, sub.ID); err == nil {
		v.Pending = pending
	}
	return v
}

// savePackage handles PUT /api/packages/{id}
func (h *Handler) savePackage(w http.ResponseWriter, r *http.Request) {
	var pkg model.ServicePackage
	if !h.decode(w, r, &pkg) {
		return
	}
	pkg.ID = r.PathValue("id")

	switch {
	case pkg.Name == "":
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	case pkg.DownloadKbps <= 0 || pkg.UploadKbps <= 0:
		h.writeError(w, http.StatusBadRequest, "download_kbps and upload_kbps must be positive")
		return
	case pkg.BurstDownloadKbps < 0 || pkg.BurstUploadKbps < 0 || pkg.BurstThresholdKbps < 0 || pkg.BurstTimeSeconds < 0:
		h.writeError(w, http.StatusBadRequest, "burst parameters must not be negative")
		return
	}

	if err := h.store.SavePackage(r.Context(), &pkg); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pkg)
}

// syncPackage handles POST /api/packages/{id}/sync?router_id=
func (h *Handler) syncPackage(w http.ResponseWriter, r *http.Request) {
	routerID := r.URL.Query().Get("router_id")
	if routerID == "" {
		h.writeError(w, http.StatusBadRequest, "router_id is required")
		return
	}
	pkg, err := h.store.GetPackage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.store.GetRouter(r.Context(), routerID); err != nil {
		h.fail(w, err)
		return
	}

	prof, err := h.profiles.EnsureProfile(r.Context(), routerID, pkg)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, prof)
}

// deleteProfile handles DELETE /api/profiles/{id}
func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.DeleteProfile(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
