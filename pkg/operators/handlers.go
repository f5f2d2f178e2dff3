package operators

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Handlers exposes operator management over HTTP
type Handlers struct {
	service *Service
}

// NewHandlers creates operator handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the operator routes. Capability and hierarchy
// checks happen in the service, since both depend on the target.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/operators/{id}", h.getOperator).Methods("GET")
	router.HandleFunc("/admin/operators/{id}/role", h.changeRole).Methods("POST")
	router.HandleFunc("/admin/operators/{id}/suspend", h.suspend).Methods("POST")
	router.HandleFunc("/admin/operators/{id}/reinstate", h.reinstate).Methods("POST")
}

// getOperator handles GET /admin/operators/{id}
func (h *Handlers) getOperator(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	user, err := h.service.GetOperator(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

type changeRoleRequest struct {
	Role   rbac.Role `json:"role"`
	Reason string    `json:"reason,omitempty"`
}

// changeRole handles POST /admin/operators/{id}/role
func (h *Handlers) changeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req changeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.service.ChangeRole(r.Context(), id, req.Role, req.Reason)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// suspend handles POST /admin/operators/{id}/suspend
func (h *Handlers) suspend(w http.ResponseWriter, r *http.Request) {
	h.suspension(w, r, h.service.Suspend)
}

// reinstate handles POST /admin/operators/{id}/reinstate
func (h *Handlers) reinstate(w http.ResponseWriter, r *http.Request) {
	h.suspension(w, r, h.service.Reinstate)
}

func (h *Handlers) suspension(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, id, reason string) (*rbac.DirectoryUser, error)) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req reasonRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := action(r.Context(), id, req.Reason)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}
