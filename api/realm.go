package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/andrebq/gatekeeper/internal/logutil"
	"github.com/andrebq/gatekeeper/scopes"
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/cespare/xxhash/v2"
	"github.com/julienschmidt/httprouter"
)

type (
	// SecurityRealm guards sensitive routes behind a bearer token and
	// an optional required scope. Verified claims are memoized by the
	// token's hash so repeated requests with the same bearer skip the
	// signature check; entries carry their own expiry and are
	// re-validated on every hit, so a cached token never outlives its
	// TTL.
	SecurityRealm struct {
		tokens *tokens.Service
		seen   *bigcache.BigCache
	}

	// Caller is the authenticated identity attached to a request, as
	// embedded in the token at issuance time. Scopes here may be
	// staler than the store, that is the documented tradeoff of
	// stateless verification.
	Caller struct {
		Username  string    `json:"username"`
		Scopes    []string  `json:"scopes"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	// ProtectedHandle is a route handler that only runs for
	// authenticated callers.
	ProtectedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller Caller)
)

var (
	bearerTokenRE = regexp.MustCompile(`^Bearer (\S+)$`)
)

// NewRealm builds a realm around the given token service.
func NewRealm(tokenSvc *tokens.Service) *SecurityRealm {
	cache, _ := bigcache.NewBigCache(bigcache.DefaultConfig(10 * time.Minute))
	return &SecurityRealm{
		tokens: tokenSvc,
		seen:   cache,
	}
}

// Protect wraps sensitive so it only runs for callers presenting a
// valid token that carries the required scope. An empty required scope
// means any authenticated caller passes. Token failures map to 401,
// missing scopes to 403.
func (s *SecurityRealm) Protect(required string, sensitive ProtectedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		caller, ok := s.checkToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "could not validate credentials")
			return
		}
		if required != "" && !scopes.Contains(caller.Scopes, required) {
			writeError(w, http.StatusForbidden, "forbidden",
				fmt.Sprintf("insufficient permissions, required scope: %v", required))
			return
		}
		sensitive(w, r, ps, caller)
	}
}

func (s *SecurityRealm) checkToken(r *http.Request) (Caller, bool) {
	ctx := r.Context()
	groups := bearerTokenRE.FindStringSubmatch(r.Header.Get("Authorization"))
	if len(groups) == 0 {
		return Caller{}, false
	}
	tk := groups[1]
	key := strconv.FormatUint(xxhash.Sum64String(tk), 16)
	if buf, err := s.seen.Get(key); err == nil {
		var caller Caller
		if json.Unmarshal(buf, &caller) == nil && time.Now().Before(caller.ExpiresAt) {
			return caller, true
		}
	}
	claims, err := s.tokens.Verify(ctx, tk)
	if err != nil {
		return Caller{}, false
	}
	caller := Caller{
		Username:  claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if buf, err := json.Marshal(caller); err == nil {
		if err := s.seen.Set(key, buf); err != nil {
			log := logutil.GetOrDefault(ctx)
			log.Debug().Err(err).Msg("Unable to memoize verified token")
		}
	}
	return caller, true
}
