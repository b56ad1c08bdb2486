package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/andrebq/gatekeeper/cmd/gatekeeper/admin"
	"github.com/andrebq/gatekeeper/cmd/gatekeeper/serve"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gatekeeper",
		Usage: "Credential and authorization service with scope-based access control",
		Commands: []*cli.Command{
			serve.Cmd(),
			admin.Cmd(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Error().Err(err).Msg("Application failed")
	}
}
