package credstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvVarUpsert(t *testing.T) {
	ctx := context.Background()
	store, cleanup := tempStore(ctx, t, "envvars")
	defer cleanup()
	id, err := store.CreateUser(ctx, "alice", "alice@x.com", "pw123")
	require.NoError(t, err)

	require.NoError(t, store.SetEnvVar(ctx, id, "KEY", "1"))
	require.NoError(t, store.SetEnvVar(ctx, id, "KEY", "2"))

	v, err := store.EnvVar(ctx, id, "KEY")
	require.NoError(t, err)
	require.Equal(t, "2", v.Value)

	// the second set replaced the row, it did not add one
	vars, err := store.EnvVars(ctx, id)
	require.NoError(t, err)
	require.Len(t, vars, 1)
}

func TestEnvVarsAreOrderedByName(t *testing.T) {
	ctx := context.Background()
	store, cleanup := tempStore(ctx, t, "envvars-order")
	defer cleanup()
	id, err := store.CreateUser(ctx, "alice", "alice@x.com", "pw123")
	require.NoError(t, err)

	require.NoError(t, store.SetEnvVar(ctx, id, "ZETA", "z"))
	require.NoError(t, store.SetEnvVar(ctx, id, "ALPHA", "a"))
	vars, err := store.EnvVars(ctx, id)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	require.Equal(t, "ALPHA", vars[0].Name)
	require.Equal(t, "ZETA", vars[1].Name)
}

func TestEnvVarsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	store, cleanup := tempStore(ctx, t, "envvars-owner")
	defer cleanup()
	alice, err := store.CreateUser(ctx, "alice", "alice@x.com", "pw123")
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob", "bob@x.com", "pw123")
	require.NoError(t, err)

	require.NoError(t, store.SetEnvVar(ctx, alice, "KEY", "alice-value"))
	_, err = store.EnvVar(ctx, bob, "KEY")
	require.ErrorAs(t, err, &VarNotFound{})
}

func TestEnvVarDelete(t *testing.T) {
	ctx := context.Background()
	store, cleanup := tempStore(ctx, t, "envvars-delete")
	defer cleanup()
	id, err := store.CreateUser(ctx, "alice", "alice@x.com", "pw123")
	require.NoError(t, err)

	require.NoError(t, store.SetEnvVar(ctx, id, "KEY", "1"))
	require.NoError(t, store.DeleteEnvVar(ctx, id, "KEY"))
	_, err = store.EnvVar(ctx, id, "KEY")
	require.ErrorAs(t, err, &VarNotFound{})
	err = store.DeleteEnvVar(ctx, id, "KEY")
	require.ErrorAs(t, err, &VarNotFound{})
}
