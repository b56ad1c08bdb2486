package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"testing"

	"github.com/andrebq/gatekeeper/scopes"
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/julienschmidt/httprouter"
	"github.com/steinfletcher/apitest"
)

func TestProtect(t *testing.T) {
	ctx := context.Background()
	os.Setenv("TEST_GATEKEEPER_SECRET", "blmHX4evD5FygUEa3EWxjzuAPF7lC4sKuWBrhgti20")
	key, err := tokens.KeyFromEnv("TEST_GATEKEEPER_SECRET")
	if err != nil {
		t.Fatal(err)
	}
	if os.Getenv("TEST_GATEKEEPER_SECRET") != "" {
		t.Fatal("reading the secret should remove it from the environment")
	}
	svc := tokens.NewService(key, 0)
	sr := NewRealm(svc)
	var count uint32
	router := httprouter.New()
	router.GET("/", sr.Protect(scopes.Admin, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller Caller) {
		atomic.AddUint32(&count, 1)
		http.Error(w, caller.Username, http.StatusOK)
	}))

	apitest.Handler(router).Get("/").Expect(t).Status(http.StatusUnauthorized).End()

	plain, err := svc.Issue(ctx, "alice", []string{scopes.ReadProfile}, 0)
	if err != nil {
		t.Fatal(err)
	}
	apitest.Handler(router).Get("/").Header("Authorization", fmt.Sprintf("Bearer %v", plain)).Expect(t).Status(http.StatusForbidden).End()

	elevated, err := svc.Issue(ctx, "root", []string{scopes.Admin}, 0)
	if err != nil {
		t.Fatal(err)
	}
	apitest.Handler(router).Get("/").Header("Authorization", fmt.Sprintf("Bearer %v", elevated)).Expect(t).Status(http.StatusOK).End()
	// second call with the same bearer hits the memoized claims
	apitest.Handler(router).Get("/").Header("Authorization", fmt.Sprintf("Bearer %v", elevated)).Expect(t).Status(http.StatusOK).End()
	if count != 2 {
		t.Fatalf("protected endpoint should have been called twice, got %v", count)
	}
}
