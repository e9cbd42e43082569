// Package main is the kinfu command: it runs a fusion pipeline from a config file and inspects
// recorded depth files.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	_ "go.viam.com/kinfu/input/fake"
	_ "go.viam.com/kinfu/input/replay"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagFrames = "frames"
	flagOutput = "output"
	flagMin    = "min"
	flagMax    = "max"
	flagBins   = "bins"
)

func newApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "kinfu",
		Usage: "fuse depth streams into a dense surface",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "track and fuse a depth stream",
				UsageText: "kinfu run [-c FILE] [--frames N] [--output DIR]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagConfig,
						Aliases: []string{"c"},
						Usage:   "load configuration from `FILE`; defaults run the fake source",
					},
					&cli.IntFlag{
						Name:  flagFrames,
						Usage: "stop after `N` frames; 0 runs until the stream ends",
					},
					&cli.StringFlag{
						Name:  flagOutput,
						Usage: "write a rendering of every frame to `DIR`",
					},
				},
				Action: func(c *cli.Context) error {
					return runCommand(c, logger)
				},
			},
			{
				Name:      "depth",
				Usage:     "render a depth file as a false color picture and print its statistics",
				UsageText: "kinfu depth [--min MM] [--max MM] <depth file> <output image>",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  flagMin,
						Usage: "clamp the color range below at `MM`",
					},
					&cli.UintFlag{
						Name:  flagMax,
						Value: uint(rimage.MaxDepth),
						Usage: "clamp the color range above at `MM`",
					},
					&cli.IntFlag{
						Name:  flagBins,
						Value: 10,
						Usage: "print a histogram of the readings with `N` bins; 0 disables it",
					},
				},
				Action: depthCommand,
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(logging.NewLogger("kinfu")).RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}
