// Package api exposes every service operation over HTTP. Routes are
// wired once in AsHandler and every protected route goes through the
// same SecurityRealm guard, parameterized by its required scope.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/andrebq/gatekeeper/credstore"
	"github.com/andrebq/gatekeeper/internal/logutil"
	"github.com/andrebq/gatekeeper/scopes"
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/julienschmidt/httprouter"
)

type (
	handler struct {
		store   *credstore.Store
		tokens  *tokens.Service
		catalog scopes.Catalog
	}

	registerRequest struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	loginRequest struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		Scopes   []string `json:"scopes"`
	}

	tokenResponse struct {
		AccessToken string   `json:"access_token"`
		TokenType   string   `json:"token_type"`
		Scopes      []string `json:"scopes"`
	}

	envVarRequest struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// AsHandler wires every route of the service onto a single router.
func AsHandler(store *credstore.Store, tokenSvc *tokens.Service, catalog scopes.Catalog) http.Handler {
	h := &handler{store: store, tokens: tokenSvc, catalog: catalog}
	realm := NewRealm(tokenSvc)
	router := httprouter.New()

	router.GET("/", h.health)
	router.GET("/scopes", h.availableScopes)
	router.POST("/register", h.register)
	router.POST("/login", h.login)

	router.GET("/profile", realm.Protect(scopes.ReadProfile, h.profile))
	router.PUT("/profile", realm.Protect(scopes.WriteProfile, h.updateProfile))
	router.GET("/users", realm.Protect(scopes.ReadUsers, h.users))
	router.GET("/admin", realm.Protect(scopes.Admin, h.adminArea))
	router.GET("/protected", realm.Protect("", h.protected))
	router.GET("/me/scopes", realm.Protect("", h.myScopes))

	router.GET("/admin/users", realm.Protect(scopes.Admin, h.listUsers))
	router.GET("/admin/users/:id/scopes", realm.Protect(scopes.Admin, h.userScopes))
	router.POST("/admin/users/:id/scopes/:scope", realm.Protect(scopes.Admin, h.grantScope))
	router.DELETE("/admin/users/:id/scopes/:scope", realm.Protect(scopes.Admin, h.revokeScope))

	router.GET("/environment-variables", realm.Protect("", h.listEnvVars))
	router.GET("/environment-variables/:name", realm.Protect("", h.getEnvVar))
	router.POST("/environment-variables", realm.Protect("", h.setEnvVar))
	router.PUT("/environment-variables/:name", realm.Protect("", h.updateEnvVar))
	router.DELETE("/environment-variables/:name", realm.Protect("", h.deleteEnvVar))

	return router
}

func (h *handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "gatekeeper is running"})
}

func (h *handler) availableScopes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.catalog)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "username, email and password are required")
		return
	}
	id, err := h.store.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	var conflict credstore.Conflict
	if errors.As(err, &conflict) {
		writeError(w, http.StatusBadRequest, "conflict", conflict.Error())
		return
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.store.UserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created.User)
}

// login authenticates, filters the requested scopes against the grants
// held right now, and mints a token embedding the filtered set. Scopes
// the user does not hold are dropped, never rejected.
func (h *handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.store.Authenticate(r.Context(), req.Username, req.Password)
	var denied credstore.AuthFailure
	if errors.As(err, &denied) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized", denied.Error())
		return
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	granted := scopes.Filter(req.Scopes, user.Scopes)
	token, err := h.tokens.Issue(r.Context(), user.Username, granted, 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Scopes:      granted,
	})
}

func (h *handler) profile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *handler) updateProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("profile updated for %v", caller.Username),
	})
}

func (h *handler) users(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "here are all users",
		"requested_by": caller.Username,
	})
}

func (h *handler) adminArea(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "welcome to the admin area",
		"admin":   caller.Username,
	})
}

func (h *handler) protected(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("hello %v, this is a protected route", caller.Username),
	})
}

// myScopes reports both the live grants (a fresh store read) and the
// scopes frozen into the presented token, which may lag behind.
func (h *handler) myScopes(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":             user.Username,
		"available_scopes":     user.Scopes,
		"current_token_scopes": caller.Scopes,
	})
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ Caller) {
	users, err := h.store.ListUsersWithScopes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if users == nil {
		users = []credstore.UserWithScopes{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *handler) userScopes(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ Caller) {
	id, ok := userID(w, ps)
	if !ok {
		return
	}
	user, err := h.store.UserByID(r.Context(), id)
	var missing credstore.UserNotFound
	if errors.As(err, &missing) {
		writeError(w, http.StatusNotFound, "not_found", missing.Error())
		return
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":          user.ID,
		"username":         user.Username,
		"available_scopes": user.Scopes,
	})
}

func (h *handler) grantScope(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller Caller) {
	id, ok := userID(w, ps)
	if !ok {
		return
	}
	scope := ps.ByName("scope")
	err := h.store.GrantScope(r.Context(), id, scope, caller.Username)
	var invalid credstore.InvalidScope
	var missing credstore.UserNotFound
	switch {
	case errors.As(err, &invalid), errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to grant scope, invalid scope or user not found")
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("scope %v granted to user %v", scope, id),
	})
}

func (h *handler) revokeScope(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ Caller) {
	id, ok := userID(w, ps)
	if !ok {
		return
	}
	scope := ps.ByName("scope")
	err := h.store.RevokeScope(r.Context(), id, scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to revoke scope")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("scope %v revoked from user %v", scope, id),
	})
}

func (h *handler) listEnvVars(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	vars, err := h.store.EnvVars(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"variables":   vars,
		"total_count": len(vars),
		"username":    user.Username,
	})
}

func (h *handler) getEnvVar(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller Caller) {
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	envvar, err := h.store.EnvVar(r.Context(), user.ID, ps.ByName("name"))
	var missing credstore.VarNotFound
	if errors.As(err, &missing) {
		writeError(w, http.StatusNotFound, "not_found", missing.Error())
		return
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envvar)
}

func (h *handler) setEnvVar(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
	var req envVarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.upsertEnvVar(w, r, caller, req)
}

// updateEnvVar is the same upsert as setEnvVar, except the path names
// the variable and must agree with the body.
func (h *handler) updateEnvVar(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller Caller) {
	var req envVarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if ps.ByName("name") != req.Name {
		writeError(w, http.StatusBadRequest, "invalid_input", "variable name in path must match name in request body")
		return
	}
	h.upsertEnvVar(w, r, caller, req)
}

func (h *handler) upsertEnvVar(w http.ResponseWriter, r *http.Request, caller Caller, req envVarRequest) {
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "variable name is required")
		return
	}
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	err := h.store.SetEnvVar(r.Context(), user.ID, req.Name, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  fmt.Sprintf("environment variable %v set successfully", req.Name),
		"name":     req.Name,
		"value":    req.Value,
		"username": user.Username,
	})
}

func (h *handler) deleteEnvVar(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller Caller) {
	user, ok := h.currentUser(w, r, caller)
	if !ok {
		return
	}
	name := ps.ByName("name")
	err := h.store.DeleteEnvVar(r.Context(), user.ID, name)
	var missing credstore.VarNotFound
	if errors.As(err, &missing) {
		writeError(w, http.StatusNotFound, "not_found", missing.Error())
		return
	} else if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  fmt.Sprintf("environment variable %v deleted successfully", name),
		"name":     name,
		"username": user.Username,
	})
}

// currentUser re-reads the caller from the store. A token can outlive
// its user, in which case the request is treated as unauthenticated.
func (h *handler) currentUser(w http.ResponseWriter, r *http.Request, caller Caller) (*credstore.UserWithScopes, bool) {
	user, err := h.store.UserByUsername(r.Context(), caller.Username)
	var missing credstore.UserNotFound
	if errors.As(err, &missing) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "could not validate credentials")
		return nil, false
	} else if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return user, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := logutil.GetOrDefault(r.Context())
	log.Error().Err(err).Msg("Unexpected error while serving request")
	writeError(w, http.StatusInternalServerError, "internal", "server is mis-behaving")
}

func userID(w http.ResponseWriter, ps httprouter.Params) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "user id must be an integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(out)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
