package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Handlers provides HTTP handlers for the audit log query API
type Handlers struct {
	store Store
	guard *rbac.Guard
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store, guard *rbac.Guard) *Handlers {
	return &Handlers{store: store, guard: guard}
}

// RegisterRoutes registers audit log routes behind the system.audit_logs capability
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	guarded := func(fn http.HandlerFunc) http.Handler {
		return h.guard.RequireCapabilityMiddleware(rbac.CapSystemAuditLogs)(fn)
	}

	router.Handle("/admin/audit-logs", guarded(h.listEntries)).Methods("GET")
	router.Handle("/admin/audit-logs/filters/{field}", guarded(h.filterValues)).Methods("GET")
	router.Handle("/admin/audit-logs/{id}", guarded(h.getEntry)).Methods("GET")
}

// listEntries handles GET /admin/audit-logs
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.store.Search(r.Context(), q)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, page)
}

// getEntry handles GET /admin/audit-logs/{id}
func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

// filterValues handles GET /admin/audit-logs/filters/{field}
func (h *Handlers) filterValues(w http.ResponseWriter, r *http.Request) {
	field, ok := httputil.ParsePathStringOrError(w, r, "field")
	if !ok {
		return
	}

	values, err := h.store.DistinctValues(r.Context(), field)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"field":  field,
		"values": values,
	})
}

func parseQuery(r *http.Request) (Query, error) {
	q := Query{
		Action:     httputil.ParseQueryString(r, "action", ""),
		AdminID:    httputil.ParseQueryString(r, "admin_id", ""),
		TargetType: httputil.ParseQueryString(r, "target_type", ""),
		TargetID:   httputil.ParseQueryString(r, "target_id", ""),
	}

	var err error
	if q.Page, err = httputil.ParseQueryInt(r, "page", 1); err != nil {
		return q, err
	}
	if q.PageSize, err = httputil.ParseQueryInt(r, "page_size", DefaultPageSize); err != nil {
		return q, err
	}
	if q.From, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return q, err
	}
	if q.To, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return q, err
	}

	q.Normalize()
	return q, nil
}
