package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/andrebq/gatekeeper/credstore"
	"github.com/andrebq/gatekeeper/internal/testutil"
	"github.com/andrebq/gatekeeper/scopes"
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/steinfletcher/apitest"
	jsonpath "github.com/steinfletcher/apitest-jsonpath"
	"github.com/stretchr/testify/require"
)

func TestHealthAndCatalog(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	apitest.New().
		Handler(handler).
		Get("/").
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Present("$.message")).
		End()
	apitest.New().
		Handler(handler).
		Get("/scopes").
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.read_profile", "Read user profile information")).
		Assert(jsonpath.Present("$.admin")).
		End()
}

func TestRegister(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	apitest.New().
		Handler(handler).
		Post("/register").
		JSON(`{"username": "alice", "email": "alice@x.com", "password": "pw123"}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Equal("$.email", "alice@x.com")).
		Assert(jsonpath.Equal("$.is_active", true)).
		End()
	// same username or same email, both must conflict
	apitest.New().
		Handler(handler).
		Post("/register").
		JSON(`{"username": "alice", "email": "other@x.com", "password": "pw123"}`).
		Expect(t).
		Status(http.StatusBadRequest).
		Assert(jsonpath.Equal("$.error", "conflict")).
		End()
	apitest.New().
		Handler(handler).
		Post("/register").
		JSON(`{"username": "other", "email": "alice@x.com", "password": "pw123"}`).
		Expect(t).
		Status(http.StatusBadRequest).
		Assert(jsonpath.Equal("$.error", "conflict")).
		End()
	apitest.New().
		Handler(handler).
		Post("/register").
		JSON(`{"username": "", "email": "", "password": ""}`).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func TestLoginFiltersScopes(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")

	// requesting a scope the user does not hold drops it silently,
	// the login itself still succeeds
	apitest.New().
		Handler(handler).
		Post("/login").
		JSON(`{"username": "alice", "password": "pw123", "scopes": ["admin"]}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Present("$.access_token")).
		Assert(jsonpath.Equal("$.token_type", "bearer")).
		Assert(jsonpath.Len("$.scopes", 0)).
		End()
	apitest.New().
		Handler(handler).
		Post("/login").
		JSON(`{"username": "alice", "password": "pw123", "scopes": ["read_profile", "no-such-scope"]}`).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$.scopes", 1)).
		Assert(jsonpath.Contains("$.scopes", "read_profile")).
		End()
}

func TestLoginFailuresAreUniform(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")

	badPassword := postJSON(t, handler, "/login", `{"username": "alice", "password": "wrong"}`, "")
	unknownUser := postJSON(t, handler, "/login", `{"username": "nobody", "password": "pw123"}`, "")
	require.Equal(t, http.StatusUnauthorized, badPassword.Code)
	require.Equal(t, http.StatusUnauthorized, unknownUser.Code)
	require.Equal(t, badPassword.Body.String(), unknownUser.Body.String())
}

func TestProfileScopeEnforcement(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")
	withScope := login(t, handler, "alice", "pw123", scopes.ReadProfile)
	withoutScope := login(t, handler, "alice", "pw123")

	apitest.New().
		Handler(handler).
		Get("/profile").
		Header("Authorization", "Bearer "+withScope).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Contains("$.available_scopes", scopes.ReadProfile)).
		End()
	// valid token, missing scope
	apitest.New().
		Handler(handler).
		Get("/profile").
		Header("Authorization", "Bearer "+withoutScope).
		Expect(t).
		Status(http.StatusForbidden).
		Assert(jsonpath.Equal("$.error", "forbidden")).
		End()
	// no token at all
	apitest.New().
		Handler(handler).
		Get("/profile").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
	apitest.New().
		Handler(handler).
		Get("/profile").
		Header("Authorization", "Bearer garbage").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func TestMyScopesReportsLiveAndTokenScopes(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")
	token := login(t, handler, "alice", "pw123", scopes.ReadProfile)

	apitest.New().
		Handler(handler).
		Get("/me/scopes").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Len("$.available_scopes", 2)).
		Assert(jsonpath.Len("$.current_token_scopes", 1)).
		Assert(jsonpath.Contains("$.current_token_scopes", scopes.ReadProfile)).
		End()
}

// TestGrantChangesNextLoginNotOldTokens walks the full lifecycle: a
// token issued before a grant never gains the new scope, a login after
// the grant does.
func TestGrantChangesNextLoginNotOldTokens(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	aliceID := registerUser(t, handler, "alice", "alice@x.com", "pw123")
	oldToken := login(t, handler, "alice", "pw123", scopes.ReadUsers)
	adminToken := login(t, handler, credstore.BootstrapUsername, credstore.BootstrapPassword, scopes.Admin)

	// before the grant, read_users was filtered out of the token
	apitest.New().
		Handler(handler).
		Get("/users").
		Header("Authorization", "Bearer "+oldToken).
		Expect(t).
		Status(http.StatusForbidden).
		End()

	apitest.New().
		Handler(handler).
		Post("/admin/users/"+itoa(aliceID)+"/scopes/read_users").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Present("$.message")).
		End()

	newToken := login(t, handler, "alice", "pw123", scopes.ReadUsers)
	apitest.New().
		Handler(handler).
		Get("/users").
		Header("Authorization", "Bearer "+newToken).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.requested_by", "alice")).
		End()
	// the old token embeds its issuance-time scopes until it expires
	apitest.New().
		Handler(handler).
		Get("/users").
		Header("Authorization", "Bearer "+oldToken).
		Expect(t).
		Status(http.StatusForbidden).
		End()
}

func TestAdminSurface(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	aliceID := registerUser(t, handler, "alice", "alice@x.com", "pw123")
	adminToken := login(t, handler, credstore.BootstrapUsername, credstore.BootstrapPassword, scopes.Admin)
	aliceToken := login(t, handler, "alice", "pw123", scopes.ReadProfile)

	apitest.New().
		Handler(handler).
		Get("/admin/users").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$", 2)).
		Assert(jsonpath.Equal("$[0].username", credstore.BootstrapUsername)).
		Assert(jsonpath.Equal("$[1].username", "alice")).
		End()
	apitest.New().
		Handler(handler).
		Get("/admin/users").
		Header("Authorization", "Bearer "+aliceToken).
		Expect(t).
		Status(http.StatusForbidden).
		End()

	apitest.New().
		Handler(handler).
		Get("/admin/users/"+itoa(aliceID)+"/scopes").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.username", "alice")).
		Assert(jsonpath.Len("$.available_scopes", 2)).
		End()
	apitest.New().
		Handler(handler).
		Get("/admin/users/99999/scopes").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusNotFound).
		End()

	// invalid scope or unknown target user map to the same failure
	apitest.New().
		Handler(handler).
		Post("/admin/users/"+itoa(aliceID)+"/scopes/root").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
	apitest.New().
		Handler(handler).
		Post("/admin/users/99999/scopes/read_users").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusBadRequest).
		End()

	apitest.New().
		Handler(handler).
		Delete("/admin/users/"+itoa(aliceID)+"/scopes/write_profile").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(handler).
		Get("/admin/users/"+itoa(aliceID)+"/scopes").
		Header("Authorization", "Bearer "+adminToken).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Len("$.available_scopes", 1)).
		Assert(jsonpath.Contains("$.available_scopes", scopes.ReadProfile)).
		End()
}

func TestEnvVarLifecycle(t *testing.T) {
	handler, cleanup := testHandler(t, 0)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")
	token := login(t, handler, "alice", "pw123")

	apitest.New().
		Handler(handler).
		Post("/environment-variables").
		Header("Authorization", "Bearer "+token).
		JSON(`{"name": "KEY", "value": "1"}`).
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(handler).
		Post("/environment-variables").
		Header("Authorization", "Bearer "+token).
		JSON(`{"name": "KEY", "value": "2"}`).
		Expect(t).
		Status(http.StatusOK).
		End()
	// second set replaced the value, no duplicate row
	apitest.New().
		Handler(handler).
		Get("/environment-variables/KEY").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.value", "2")).
		End()
	apitest.New().
		Handler(handler).
		Get("/environment-variables").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusOK).
		Assert(jsonpath.Equal("$.total_count", float64(1))).
		Assert(jsonpath.Equal("$.username", "alice")).
		End()

	apitest.New().
		Handler(handler).
		Put("/environment-variables/OTHER").
		Header("Authorization", "Bearer "+token).
		JSON(`{"name": "KEY", "value": "3"}`).
		Expect(t).
		Status(http.StatusBadRequest).
		Assert(jsonpath.Equal("$.error", "invalid_input")).
		End()
	apitest.New().
		Handler(handler).
		Put("/environment-variables/KEY").
		Header("Authorization", "Bearer "+token).
		JSON(`{"name": "KEY", "value": "3"}`).
		Expect(t).
		Status(http.StatusOK).
		End()

	apitest.New().
		Handler(handler).
		Delete("/environment-variables/KEY").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(handler).
		Get("/environment-variables/KEY").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusNotFound).
		End()
	apitest.New().
		Handler(handler).
		Delete("/environment-variables/KEY").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusNotFound).
		End()
}

func TestExpiredTokensAreRejected(t *testing.T) {
	handler, cleanup := testHandler(t, 200*time.Millisecond)
	defer cleanup()
	registerUser(t, handler, "alice", "alice@x.com", "pw123")
	token := login(t, handler, "alice", "pw123")

	apitest.New().
		Handler(handler).
		Get("/protected").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusOK).
		End()
	time.Sleep(500 * time.Millisecond)
	// the memoized claims carry the expiry, the cache cannot keep a
	// dead token alive
	apitest.New().
		Handler(handler).
		Get("/protected").
		Header("Authorization", "Bearer "+token).
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func testHandler(t *testing.T, ttl time.Duration) (http.Handler, func()) {
	ctx := context.Background()
	store, cleanup := testutil.AcquireStore(ctx, t, "api")
	svc := tokens.NewService([]byte("api-test-signing-secret"), ttl)
	return AsHandler(store, svc, scopes.Default()), cleanup
}

func registerUser(t *testing.T, handler http.Handler, username, email, password string) int64 {
	body, err := json.Marshal(map[string]string{"username": username, "email": email, "password": password})
	require.NoError(t, err)
	rec := postJSON(t, handler, "/register", string(body), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var user credstore.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	return user.ID
}

func login(t *testing.T, handler http.Handler, username, password string, requested ...string) string {
	body, err := json.Marshal(map[string]interface{}{
		"username": username,
		"password": password,
		"scopes":   requested,
	})
	require.NoError(t, err)
	rec := postJSON(t, handler, "/login", string(body), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.AccessToken)
	return res.AccessToken
}

func postJSON(t *testing.T, handler http.Handler, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
