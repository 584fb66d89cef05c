package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/docpilot/internal/devstub"
)

// StubCommand returns the CLI command for starting the local stub backend
func StubCommand() *cli.Command {
	return &cli.Command{
		Name:  "stub",
		Usage: "Start a local stub backend for development",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the stub backend",
				Value:   8181,
			},
		},
		Action: func(c *cli.Context) error {
			port := c.Int("port")
			fmt.Printf("Starting DocPilot stub backend on port %d...\n", port)

			server := devstub.NewServer(port)
			return server.Start()
		},
	}
}
