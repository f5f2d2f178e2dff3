package flags

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/ratelimit"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

type handlerFixture struct {
	router *mux.Router
	store  *MemoryStore
	audits *audit.MemoryStore
}

func newTestRouter(t *testing.T, p *rbac.Principal, evaluateMiddleware ...func(http.Handler) http.Handler) *handlerFixture {
	t.Helper()

	store := NewMemoryStore()
	audits := audit.NewMemoryStore()
	cache := NewLRUCache(100, time.Minute, nil)
	guard := rbac.NewGuard(rbac.StaticResolver(p), rbac.DefaultRegistry(nil), nil, nil)
	service := NewService(store, guard, audit.NewRecorder(audits, nil, nil, nil), cache, nil, nil)
	client := NewClient(NewDirectLookup(store, cache, nil, nil), nil, nil)

	router := mux.NewRouter()
	router.Use(audit.Middleware)
	NewHandlers(service, client, guard).RegisterRoutes(router, evaluateMiddleware...)
	return &handlerFixture{router: router, store: store, audits: audits}
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeFlag(t *testing.T, rec *httptest.ResponseRecorder) FeatureFlag {
	t.Helper()
	var flag FeatureFlag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flag))
	return flag
}

func TestHandlers_Authorization(t *testing.T) {
	tests := []struct {
		name      string
		principal *rbac.Principal
		want      int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"support", supportPrincipal, http.StatusForbidden},
		{"admin", adminPrincipal, http.StatusOK},
		{"super admin", &rbac.Principal{ID: "u-root", Role: rbac.RoleSuperAdmin}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestRouter(t, tt.principal)
			rec := serve(f.router, http.MethodGet, "/admin/feature-flags", "")
			assert.Equal(t, tt.want, rec.Code)

			rec = serve(f.router, http.MethodPost, "/admin/feature-flags", `{"key":"x","name":"X","flag_type":"boolean"}`)
			if tt.want == http.StatusOK {
				assert.Equal(t, http.StatusCreated, rec.Code)
			} else {
				assert.Equal(t, tt.want, rec.Code)
			}
		})
	}
}

func TestHandlers_FlagLifecycle(t *testing.T) {
	f := newTestRouter(t, adminPrincipal)

	rec := serve(f.router, http.MethodPost, "/admin/feature-flags",
		`{"key":"new_editor","name":"New editor","flag_type":"percentage","rollout_percentage":100,"is_enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeFlag(t, rec)
	assert.False(t, created.IsEnabled)

	rec = serve(f.router, http.MethodPost, "/admin/feature-flags",
		`{"key":"new_editor","name":"Again","flag_type":"boolean"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"key"`)

	rec = serve(f.router, http.MethodPost, "/admin/feature-flags/key/new_editor/toggle", `{"reason":"missing flag"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f.router, http.MethodPost, "/admin/feature-flags/key/new_editor/toggle", `{"enabled":true,"reason":"launch"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeFlag(t, rec).IsEnabled)

	rec = serve(f.router, http.MethodPost, "/admin/feature-flags/key/unknown/toggle", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(f.router, http.MethodPatch, "/admin/feature-flags/"+created.ID, `{"rollout_percentage":0,"reason":"pause"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decodeFlag(t, rec).RolloutPercentage)

	rec = serve(f.router, http.MethodPatch, "/admin/feature-flags/"+created.ID, `{"rollout_percentage":140}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f.router, http.MethodPatch, "/admin/feature-flags/"+created.ID, `{"unknown_field":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f.router, http.MethodGet, "/admin/feature-flags/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new_editor", decodeFlag(t, rec).Key)

	rec = serve(f.router, http.MethodGet, "/admin/feature-flags/"+created.ID+"/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.History, 2)
	assert.Equal(t, ChangeUpdated, page.History[0].ChangeType)
	assert.Equal(t, ChangeEnabled, page.History[1].ChangeType)

	rec = serve(f.router, http.MethodGet, "/admin/feature-flags/"+created.ID+"/history?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f.router, http.MethodDelete, "/admin/feature-flags/"+created.ID+"?reason=retired", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(f.router, http.MethodGet, "/admin/feature-flags/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(f.router, http.MethodDelete, "/admin/feature-flags/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	actions := []string{}
	for _, e := range f.audits.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{audit.ActionFlagCreate, audit.ActionFlagToggle, audit.ActionFlagUpdate, audit.ActionFlagDelete}, actions)
	assert.Equal(t, "retired", f.audits.Entries()[3].Metadata["reason"])
}

func TestHandlers_ListFlags(t *testing.T) {
	f := newTestRouter(t, adminPrincipal)
	for _, key := range []string{"zeta", "alpha"} {
		rec := serve(f.router, http.MethodPost, "/admin/feature-flags", `{"key":"`+key+`","name":"N","flag_type":"boolean"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := serve(f.router, http.MethodGet, "/admin/feature-flags", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Flags []FeatureFlag `json:"flags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Flags, 2)
	assert.Equal(t, "alpha", body.Flags[0].Key)
	assert.Equal(t, "zeta", body.Flags[1].Key)
}

func TestHandlers_Evaluate(t *testing.T) {
	// Evaluation is open to any caller, including anonymous ones
	f := newTestRouter(t, nil)
	seedEnabled(t, f.store, CreateInput{Key: "pro_export", Name: "Pro export", FlagType: TypePlanBased, TargetPlans: []string{"pro"}})
	seedEnabled(t, f.store, CreateInput{Key: "beta_list", Name: "Beta", FlagType: TypeUserList, TargetUserEmails: []string{"ada@example.com"}})

	tests := []struct {
		name string
		body string
		want map[string]bool
	}{
		{
			name: "plan match",
			body: `{"keys":["pro_export","missing"],"user_plan":"pro"}`,
			want: map[string]bool{"pro_export": true, "missing": false},
		},
		{
			name: "email matches case-insensitively",
			body: `{"keys":["beta_list"],"user_email":" Ada@Example.com "}`,
			want: map[string]bool{"beta_list": true},
		},
		{
			name: "camelCase subject",
			body: `{"keys":["pro_export","beta_list"],"userId":"u1","userPlan":"pro","userEmail":"ada@example.com"}`,
			want: map[string]bool{"pro_export": true, "beta_list": true},
		},
		{
			name: "unknown fields are ignored",
			body: `{"keys":["pro_export"],"userPlan":"pro","locale":"fr"}`,
			want: map[string]bool{"pro_export": true},
		},
		{
			name: "all flags when no keys",
			body: `{"user_plan":"free"}`,
			want: map[string]bool{"pro_export": false, "beta_list": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.router, http.MethodPost, "/api/feature-flags/evaluate", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body struct {
				Flags map[string]bool `json:"flags"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Flags)
		})
	}

	rec := serve(f.router, http.MethodPost, "/api/feature-flags/evaluate", `{"keys":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_EvaluateFailsClosed(t *testing.T) {
	f := newTestRouter(t, nil)
	seedEnabled(t, f.store, CreateInput{Key: "always", Name: "Always", FlagType: TypeBoolean})
	f.store.FailWith = assert.AnError

	rec := serve(f.router, http.MethodPost, "/api/feature-flags/evaluate", `{"keys":["always"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"flags":{"always":false}}`, rec.Body.String())
}

func TestHandlers_EvaluateRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Requests: 1, Window: time.Minute})
	f := newTestRouter(t, adminPrincipal, ratelimit.Middleware(limiter, "evaluate", nil, nil, nil))

	rec := serve(f.router, http.MethodPost, "/api/feature-flags/evaluate", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(f.router, http.MethodPost, "/api/feature-flags/evaluate", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Admin routes are not throttled
	for i := 0; i < 3; i++ {
		rec = serve(f.router, http.MethodGet, "/admin/feature-flags", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
