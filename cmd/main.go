package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagCfg = "cfg"
)

const (
	appName = "settlement-core"
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "off-chain settlement core for the peer-to-peer fiat off-ramp"
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Aliases:  []string{"c"},
			Usage:    "Configuration `FILE`",
			Required: false,
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "version",
			Usage:  "Application version and build",
			Action: versionCmd,
		},
		{
			Name:   "run",
			Usage:  "Run the settlement core",
			Action: start,
			Flags:  flags,
		},
		{
			Name:   "migrate",
			Usage:  "Apply pending database migrations and exit",
			Action: migrateCmd,
			Flags:  flags,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", err)
		os.Exit(1)
	}
}
