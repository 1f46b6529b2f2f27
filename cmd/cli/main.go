package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ouroboros-graph",
		Usage: "load object graphs and query their children",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML config", EnvVars: []string{"OUROBOROS_GRAPH_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		},
		Commands: []*cli.Command{
			downloadCommand(),
			pgMigrateCommand(),
			pgExportCommand(),
			pgQueryCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
