package flags

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Handlers exposes the administration API and the evaluation endpoint
type Handlers struct {
	service *Service
	client  *Client
	guard   *rbac.Guard
}

// NewHandlers creates flag handlers
func NewHandlers(service *Service, client *Client, guard *rbac.Guard) *Handlers {
	return &Handlers{service: service, client: client, guard: guard}
}

// RegisterRoutes registers the admin routes behind system.feature_flags and
// the evaluation endpoint. evaluateMiddleware wraps only the evaluation
// endpoint, which carries no session.
func (h *Handlers) RegisterRoutes(router *mux.Router, evaluateMiddleware ...func(http.Handler) http.Handler) {
	guarded := func(fn http.HandlerFunc) http.Handler {
		return h.guard.RequireCapabilityMiddleware(rbac.CapSystemFlags)(fn)
	}

	router.Handle("/admin/feature-flags", guarded(h.listFlags)).Methods("GET")
	router.Handle("/admin/feature-flags", guarded(h.createFlag)).Methods("POST")
	router.Handle("/admin/feature-flags/key/{key}/toggle", guarded(h.toggleFlag)).Methods("POST")
	router.Handle("/admin/feature-flags/{id}", guarded(h.getFlag)).Methods("GET")
	router.Handle("/admin/feature-flags/{id}", guarded(h.updateFlag)).Methods("PATCH")
	router.Handle("/admin/feature-flags/{id}", guarded(h.deleteFlag)).Methods("DELETE")
	router.Handle("/admin/feature-flags/{id}/history", guarded(h.getHistory)).Methods("GET")

	router.Handle("/api/feature-flags/evaluate",
		httputil.Chain(evaluateMiddleware...)(http.HandlerFunc(h.evaluate))).Methods("POST")
}

// listFlags handles GET /admin/feature-flags
func (h *Handlers) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.ListFlags(r.Context())
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"flags": flags})
}

// createFlag handles POST /admin/feature-flags
func (h *Handlers) createFlag(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	flag, err := h.service.CreateFlag(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteCreated(w, flag)
}

// getFlag handles GET /admin/feature-flags/{id}
func (h *Handlers) getFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	flag, err := h.service.GetFlag(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, flag)
}

type updateRequest struct {
	Patch
	Reason string `json:"reason,omitempty"`
}

// updateFlag handles PATCH /admin/feature-flags/{id}
func (h *Handlers) updateFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req updateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	flag, err := h.service.UpdateFlag(r.Context(), id, req.Patch, req.Reason)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, flag)
}

type toggleRequest struct {
	Enabled *bool  `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// toggleFlag handles POST /admin/feature-flags/key/{key}/toggle
func (h *Handlers) toggleFlag(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	var req toggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		httputil.WriteBadRequest(w, "enabled is required")
		return
	}

	flag, err := h.service.ToggleFlag(r.Context(), key, *req.Enabled, req.Reason)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, flag)
}

// deleteFlag handles DELETE /admin/feature-flags/{id}?reason=
func (h *Handlers) deleteFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	reason := httputil.ParseQueryString(r, "reason", "")
	if err := h.service.DeleteFlag(r.Context(), id, reason); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// getHistory handles GET /admin/feature-flags/{id}/history?limit=
func (h *Handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.service.GetFlagHistory(r.Context(), id, limit)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"history": entries})
}

// evaluateRequest takes the subject in camelCase, as product surfaces send
// it, or in the snake_case used by the admin API
type evaluateRequest struct {
	Keys      []string `json:"keys"`
	UserID    string   `json:"userId"`
	UserPlan  string   `json:"userPlan"`
	UserEmail string   `json:"userEmail"`

	SnakeUserID    string `json:"user_id"`
	SnakeUserPlan  string `json:"user_plan"`
	SnakeUserEmail string `json:"user_email"`
}

func (r evaluateRequest) subject() Subject {
	return Subject{
		UserID:    firstNonEmpty(r.UserID, r.SnakeUserID),
		UserPlan:  firstNonEmpty(r.UserPlan, r.SnakeUserPlan),
		UserEmail: firstNonEmpty(r.UserEmail, r.SnakeUserEmail),
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// evaluate handles POST /api/feature-flags/evaluate. Evaluation failures
// report off; only a malformed body is rejected, so unknown fields are
// ignored.
func (h *Handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !httputil.ParseLenientJSONOrError(w, r, &req) {
		return
	}

	result := h.client.EvaluateKeys(r.Context(), req.Keys, req.subject())
	_ = httputil.WriteSuccess(w, map[string]interface{}{"flags": result})
}
