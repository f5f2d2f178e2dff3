package operators

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

func newTestRouter(t *testing.T, actor *rbac.Principal) (*mux.Router, *fixture) {
	t.Helper()
	f := newFixture(t, actor)
	router := mux.NewRouter()
	router.Use(audit.Middleware)
	NewHandlers(f.service).RegisterRoutes(router)
	return router, f
}

func post(router http.Handler, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, target, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_ChangeRole(t *testing.T) {
	tests := []struct {
		name  string
		actor *rbac.Principal
		path  string
		body  string
		want  int
	}{
		{"demote", principal("u-admin", rbac.RoleAdmin), "/admin/operators/u-support/role", `{"role":"user","reason":"left team"}`, http.StatusOK},
		{"escalate", principal("u-admin", rbac.RoleAdmin), "/admin/operators/u-support/role", `{"role":"admin"}`, http.StatusForbidden},
		{"unknown role", principal("u-admin", rbac.RoleAdmin), "/admin/operators/u-support/role", `{"role":"owner"}`, http.StatusBadRequest},
		{"malformed body", principal("u-admin", rbac.RoleAdmin), "/admin/operators/u-support/role", `{"role":`, http.StatusBadRequest},
		{"missing user", principal("u-admin", rbac.RoleAdmin), "/admin/operators/u-ghost/role", `{"role":"user"}`, http.StatusNotFound},
		{"anonymous", nil, "/admin/operators/u-support/role", `{"role":"user"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, tt.actor)
			rec := post(router, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlers_SuspendAndReinstate(t *testing.T) {
	router, f := newTestRouter(t, principal("u-super", rbac.RoleSuperAdmin))

	rec := post(router, "/admin/operators/u-admin/suspend", `{"reason":"compromised laptop"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var user rbac.DirectoryUser
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.True(t, user.Suspended())

	rec = post(router, "/admin/operators/u-admin/suspend", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(router, "/admin/operators/u-admin/reinstate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries := f.audits.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "compromised laptop", entries[0].Metadata["reason"])
}

func TestHandlers_GetOperator(t *testing.T) {
	router, _ := newTestRouter(t, principal("u-support", rbac.RoleSupport))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/operators/u-user", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"someone@example.com"`)

	rec = post(router, "/admin/operators/u-user/suspend", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
