package serve

import (
	"github.com/andrebq/gatekeeper/api"
	"github.com/andrebq/gatekeeper/credstore"
	"github.com/andrebq/gatekeeper/internal/cmdflags"
	"github.com/andrebq/gatekeeper/internal/httpserver"
	"github.com/andrebq/gatekeeper/internal/logutil"
	"github.com/andrebq/gatekeeper/scopes"
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/urfave/cli/v2"
)

func Cmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Root command to start gatekeeper services",
		Subcommands: []*cli.Command{
			apiCmd(),
		},
	}
}

func apiCmd() *cli.Command {
	dbPath := "gatekeeper.db"
	bindAddr := "localhost:7009"
	var secretEnvVar string
	tokenTTL := tokens.DefaultTTL
	return &cli.Command{
		Name:  "api",
		Usage: "Start the authentication/authorization HTTP API",
		Flags: []cli.Flag{
			cmdflags.Database(&dbPath),
			cmdflags.Bind(&bindAddr),
			cmdflags.SecretEnvVar(&secretEnvVar),
			&cli.DurationFlag{
				Name:        "token-ttl",
				Usage:       "Lifetime of issued tokens",
				Value:       tokenTTL,
				Destination: &tokenTTL,
			},
		},
		Action: func(ctx *cli.Context) error {
			log := logutil.Service(ctx.Context, "api")
			key, err := tokens.KeyFromEnv(secretEnvVar)
			if err != nil {
				// tokens signed with an ephemeral key die with the
				// process, acceptable for local runs only
				log.Warn().Str("envvar", secretEnvVar).Msg("No signing secret found, using an ephemeral random key")
				key, err = tokens.RandomKey()
				if err != nil {
					return err
				}
			}
			catalog := scopes.Default()
			store, err := credstore.Open(ctx.Context, dbPath, catalog)
			if err != nil {
				return err
			}
			defer store.Close()
			handler := api.AsHandler(store, tokens.NewService(key, tokenTTL), catalog)
			return httpserver.Serve(logutil.WithLogger(ctx.Context, log), bindAddr, handler)
		},
	}
}
