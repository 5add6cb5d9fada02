package main

import (
	"os"

	settlementcore "github.com/offramp-labs/settlement-core"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	settlementcore.PrintVersion(os.Stdout)
	return nil
}
