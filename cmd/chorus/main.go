package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "chorus",
		Usage: "combine the predictions of several model-serving peers into one",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "chorus.yaml",
				Usage:   "path to the configuration file (YAML or JSON)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "one of trace, debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			&predictCmd,
			&runCmd,
			&standingCmd,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %+v\n", err)
		os.Exit(1)
	}
}
