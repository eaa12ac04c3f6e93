package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const ServiceName = "handrelay"

var version = "0.0.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    ServiceName,
		Usage:   "Relay observed poker hands to a real-time hub",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				EnvVars: []string{"HANDRELAY_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			relayCmd(),
			produceCmd(),
			hubstubCmd(),
		},
	}
}
