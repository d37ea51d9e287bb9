package chi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/apikey"
	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/memory"
)

func newTestRouter(t *testing.T) (http.Handler, string, string) {
	t.Helper()

	auth, err := agentauth.New(
		agentauth.WithStore(memory.New()),
		agentauth.WithMasterSecret("this-is-a-32-character-secret!!!"),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = auth.Close() })

	ctx := context.Background()
	err = auth.RBAC().CreateRole(ctx, &store.Role{
		Name: "a1-runner",
		Permissions: []permission.Permission{{
			Resource:    "agent",
			Action:      "execute",
			Constraints: map[string]any{"agent_id": "a1"},
		}},
	})
	if err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	runner, err := auth.APIKeys().CreateKey(ctx, "runner", &apikey.CreateKeyOptions{Roles: []string{"a1-runner"}})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	guest, err := auth.APIKeys().CreateKey(ctx, "guest", &apikey.CreateKeyOptions{Roles: []string{rbac.RoleGuest}})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(auth, nil))

		r.With(RequirePermission(auth, "agent:read", nil)).Get("/agents", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(User(r).UserID))
		})
		r.With(RequireRoutePermission(auth, "agent:execute", nil)).Post("/agents/{agent_id}/run", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(URLParam(r, "agent_id")))
		})
		r.With(RequireOperation(auth, "manage_tools", nil)).Delete("/tools/{tool}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r, runner.RawKey, guest.RawKey
}

func TestRouter(t *testing.T) {
	router, runner, guest := newTestRouter(t)

	tests := []struct {
		name     string
		method   string
		path     string
		key      string
		expected int
		body     string
	}{
		{name: "public", method: http.MethodGet, path: "/health", expected: http.StatusOK},
		{name: "unauthenticated", method: http.MethodGet, path: "/agents", expected: http.StatusUnauthorized},
		{name: "guest reads", method: http.MethodGet, path: "/agents", key: guest, expected: http.StatusOK, body: "guest"},
		{name: "runner cannot read", method: http.MethodGet, path: "/agents", key: runner, expected: http.StatusForbidden},
		{name: "runner runs own agent", method: http.MethodPost, path: "/agents/a1/run", key: runner, expected: http.StatusOK, body: "a1"},
		{name: "runner blocked on other agent", method: http.MethodPost, path: "/agents/a2/run", key: runner, expected: http.StatusForbidden},
		{name: "guest cannot run", method: http.MethodPost, path: "/agents/a1/run", key: guest, expected: http.StatusForbidden},
		{name: "guest cannot manage tools", method: http.MethodDelete, path: "/tools/search", key: guest, expected: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(agentauth.HeaderAPIKey, tt.key)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Errorf("status = %d, want %d", rec.Code, tt.expected)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestURLParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if URLParams(req) != nil {
		t.Error("URLParams() outside a route should be nil")
	}

	var got map[string]any
	r := chi.NewRouter()
	r.Get("/orgs/{org}/agents/{agent}", func(w http.ResponseWriter, r *http.Request) {
		got = URLParams(r)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orgs/acme/agents/a1", nil))

	if got["org"] != "acme" || got["agent"] != "a1" {
		t.Errorf("URLParams() = %v", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil || cfg.ErrorHandler == nil {
		t.Error("DefaultConfig() should set an error handler")
	}
}
