package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "walletindexer",
		Usage: "Index wallet activity across EVM and STARK chains",
		Flags: appFlags(),
		Before: func(c *cli.Context) error {
			return loadEnvFile(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the indexing service, progress channel and batch error reconciler",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "remove",
				Usage:  "Remove a wallet's indexed transactions, events and batch errors",
				Flags:  removeFlags(),
				Action: remove,
			},
			{
				Name:   "import-abi",
				Usage:  "Store the functions and events of a contract ABI for decoding",
				Flags:  importABIFlags(),
				Action: importABI,
			},
			{
				Name:   "token",
				Usage:  "Issue a progress channel token",
				Flags:  tokenFlags(),
				Action: issueToken,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
