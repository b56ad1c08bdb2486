package admin

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andrebq/gatekeeper/credstore"
	"github.com/andrebq/gatekeeper/internal/cmdflags"
	"github.com/andrebq/gatekeeper/scopes"
	"github.com/urfave/cli/v2"
)

// Cmd exposes store operations that have no HTTP surface or that
// operators need before the service is up (first user, cleanup).
func Cmd() *cli.Command {
	var store *credstore.Store
	dbPath := "gatekeeper.db"
	return &cli.Command{
		Name:  "admin",
		Usage: "Operate directly on the credential database",
		Flags: []cli.Flag{
			cmdflags.Database(&dbPath),
		},
		Before: func(ctx *cli.Context) error {
			var err error
			store, err = credstore.Open(ctx.Context, dbPath, scopes.Default())
			return err
		},
		After: func(ctx *cli.Context) error {
			if store == nil {
				return nil
			}
			return store.Close()
		},
		Subcommands: []*cli.Command{
			registerCmd(&store),
			grantCmd(&store),
			revokeCmd(&store),
			listCmd(&store),
			clearCmd(&store),
		},
	}
}

func registerCmd(store **credstore.Store) *cli.Command {
	var username string
	var email string
	return &cli.Command{
		Name:  "register",
		Usage: "Register a new user (password is read from stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "username",
				Aliases:     []string{"u", "user"},
				Usage:       "Name of the user to register",
				Destination: &username,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "email",
				Aliases:     []string{"e"},
				Usage:       "Email of the user to register",
				Destination: &email,
				Required:    true,
			},
		},
		Action: func(ctx *cli.Context) error {
			sc := bufio.NewScanner(os.Stdin)
			if !sc.Scan() {
				return sc.Err()
			}
			password := strings.TrimSpace(sc.Text())
			if len(password) == 0 {
				return errors.New("missing password from stdin")
			}
			id, err := (*store).CreateUser(ctx.Context, username, email, password)
			if err != nil {
				return err
			}
			fmt.Printf("user %v registered with id %v\n", username, id)
			return nil
		},
	}
}

func grantCmd(store **credstore.Store) *cli.Command {
	var userID int64
	var scope string
	return &cli.Command{
		Name:  "grant",
		Usage: "Grant a scope to a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "user-id",
				Usage:       "Id of the target user",
				Destination: &userID,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "scope",
				Usage:       "Scope to grant",
				Destination: &scope,
				Required:    true,
			},
		},
		Action: func(ctx *cli.Context) error {
			return (*store).GrantScope(ctx.Context, userID, scope, "cli")
		},
	}
}

func revokeCmd(store **credstore.Store) *cli.Command {
	var userID int64
	var scope string
	return &cli.Command{
		Name:  "revoke",
		Usage: "Revoke a scope from a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "user-id",
				Usage:       "Id of the target user",
				Destination: &userID,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "scope",
				Usage:       "Scope to revoke",
				Destination: &scope,
				Required:    true,
			},
		},
		Action: func(ctx *cli.Context) error {
			return (*store).RevokeScope(ctx.Context, userID, scope)
		},
	}
}

func listCmd(store **credstore.Store) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Print every user with its granted scopes",
		Action: func(ctx *cli.Context) error {
			users, err := (*store).ListUsersWithScopes(ctx.Context)
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%v\t%v\t%v\t%v\n", u.ID, u.Username, u.Role, strings.Join(u.Scopes, ","))
			}
			return nil
		},
	}
}

func clearCmd(store **credstore.Store) *cli.Command {
	var keepAdmin bool
	return &cli.Command{
		Name:  "clear",
		Usage: "Wipe users, scope grants and environment variables",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "keep-admin",
				Usage:       "Keep the bootstrap admin account",
				Destination: &keepAdmin,
			},
		},
		Action: func(ctx *cli.Context) error {
			return (*store).Clear(ctx.Context, keepAdmin)
		},
	}
}
