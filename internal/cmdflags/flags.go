package cmdflags

import (
	"github.com/andrebq/gatekeeper/tokens"
	"github.com/urfave/cli/v2"
)

func Database(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "db",
		Aliases:     []string{"database"},
		Usage:       "Path to the credential database",
		Destination: out,
		Value:       *out,
	}
}

func Bind(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "bind",
		Aliases:     []string{"b"},
		Usage:       "Address to expose the HTTP API",
		Destination: out,
		Value:       *out,
	}
}

func SecretEnvVar(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = tokens.SecretEnvVar
	}
	return &cli.StringFlag{
		Name:        "secret-envvar-name",
		Usage:       "Name of the environment variable that holds the token signing secret. The secret itself should not be passed as an argument",
		Value:       *out,
		Destination: out,
	}
}
