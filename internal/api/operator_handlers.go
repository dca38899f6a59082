package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/worker"
)

// listFindings handles GET /api/findings
func (h *Handler) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &model.FindingFilter{
		RouterID: q.Get("router_id"),
		Kind:     model.FindingKind(q.Get("kind")),
		OpenOnly: true,
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid open flag: "+v)
			return
		}
		filter.OpenOnly = open
	}

	findings, err := h.store.ListFindings(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, findings)
}

// resolveFinding handles POST /api/findings/{id}/resolve
func (h *Handler) resolveFinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.ResolveFinding(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	finding, err := h.store.GetFinding(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finding)
}

// listPending handles GET /api/rehoming/pending
func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.machine.Pending(r.Context(), r.URL.Query().Get("router_id"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pending)
}

// discardPending handles DELETE /api/rehoming/pending/{subscription_id}
func (h *Handler) discardPending(w http.ResponseWriter, r *http.Request) {
	marker, err := h.machine.Discard(r.Context(), r.PathValue("subscription_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, marker)
}

// resumePending handles POST /api/rehoming/resume
func (h *Handler) resumePending(w http.ResponseWriter, r *http.Request) {
	completed, err := h.machine.ResumePending(r.Context())
	remaining, listErr := h.machine.Pending(r.Context(), "")
	if listErr != nil {
		h.internalError(w, errors.Join(err, listErr))
		return
	}

	resp := map[string]any{
		"completed": completed,
		"remaining": len(remaining),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// listTasks handles GET /api/tasks
func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeJSON(w, http.StatusOK, []worker.Task{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.scheduler.Tasks())
}
