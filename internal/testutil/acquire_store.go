package testutil

import (
	"context"
	"os"
	"path/filepath"

	"github.com/andrebq/gatekeeper/credstore"
	"github.com/andrebq/gatekeeper/scopes"
)

type (
	TestLog interface {
		Fatal(...interface{})
		Log(...interface{})
	}
)

// AcquireStore opens a throwaway credential store backed by a temp
// directory, already bootstrapped with the admin account.
func AcquireStore(ctx context.Context, t TestLog, name string) (*credstore.Store, func()) {
	dir, err := os.MkdirTemp("", "gatekeeper-tests")
	if err != nil {
		t.Fatal(err)
	}
	abspath := filepath.Join(dir, name+".db")
	store, err := credstore.Open(ctx, abspath, scopes.Default())
	if err != nil {
		t.Fatal(err)
	}
	return store, func() {
		err := store.Close()
		if err != nil {
			t.Log("unable to close credential store", err)
		}
		err = os.RemoveAll(dir)
		if err != nil {
			t.Log("unable to cleanup temp dir", dir)
		}
	}
}
