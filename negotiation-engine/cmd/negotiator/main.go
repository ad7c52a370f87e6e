// negotiator runs the bill negotiation engine.
//
// Usage:
//
//	negotiator serve
//	negotiator plan --provider comcast --category internet --rate 89.99
//	negotiator import-leverage --file leverage.yaml
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "negotiator",
		Usage:   "Negotiate recurring bills over outbound calls",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			planCommand(),
			importCommand(),
		},
	}
}
