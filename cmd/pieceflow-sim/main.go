// pieceflow-sim runs seeders and leechers of a random torrent in a single process
// over loopback connections and prints their progress.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/log"
	"github.com/pieceflow/pieceflow/internal/jsonutil"
	"github.com/pieceflow/pieceflow/internal/logger"
	"github.com/pieceflow/pieceflow/torrent"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "pieceflow-sim"
	app.Usage = "simulate a swarm on loopback"
	app.Version = torrent.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read torrent config from `FILE`",
			Value: "~/.pieceflow.yaml",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
		cli.IntFlag{
			Name:  "pieces",
			Usage: "number of pieces in torrent",
			Value: 64,
		},
		cli.IntFlag{
			Name:  "piece-length",
			Usage: "piece length in KiB",
			Value: 256,
		},
		cli.IntFlag{
			Name:  "seeders",
			Usage: "number of seeders",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "leechers",
			Usage: "number of leechers",
			Value: 4,
		},
		cli.StringFlag{
			Name:  "resume",
			Usage: "save leecher resume data to bolt database at `FILE`",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "stop if the leechers do not complete in this duration",
			Value: 5 * time.Minute,
		},
		cli.DurationFlag{
			Name:  "interval",
			Usage: "print progress in every interval",
			Value: time.Second,
		},
		cli.BoolFlag{
			Name:  "color",
			Usage: "colorize stats output",
		},
	}
	app.Before = func(c *cli.Context) error {
		jsonutil.SetColor(c.GlobalBool("color"))
		return nil
	}
	app.Action = handleSimulate
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handleSimulate(c *cli.Context) error {
	cfg, err := torrent.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err = setLogLevel(cfg.LogLevel, c.GlobalBool("debug")); err != nil {
		return err
	}
	o := options{
		NumPieces:   c.Int("pieces"),
		PieceLength: uint32(c.Int("piece-length")) * 1024,
		Seeders:     c.Int("seeders"),
		Leechers:    c.Int("leechers"),
		ResumeDB:    c.String("resume"),
		Timeout:     c.Duration("timeout"),
		Interval:    c.Duration("interval"),
		Config:      cfg,
		Output:      os.Stdout,
	}
	return simulate(o)
}

// setLogLevel applies the level from the config file. The debug flag overrides it.
func setLogLevel(name string, debug bool) error {
	if debug {
		logger.SetLevel(log.DEBUG)
		return nil
	}
	level, err := logger.ParseLevel(name)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}
