package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/docpilot/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "docpilot",
		Usage:   "Terminal client for the DocPilot document chat backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./docpilot.toml, ~/.docpilot.toml)",
			},
		},
		Commands: []*cli.Command{
			cmd.ChatCommand(),
			cmd.UploadCommand(),
			cmd.ConversationsCommand(),
			cmd.DocumentsCommand(),
			cmd.ConfigCommand(),
			cmd.StubCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
