package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/torrentpeer/torrentpeer/internal/client"
	"github.com/torrentpeer/torrentpeer/internal/config"
	"github.com/torrentpeer/torrentpeer/internal/logging"
)

func main() {
	var (
		torrentPath = flag.String("torr", "", "path to the .torrent file")
		dest        = flag.String("dest", "", "destination directory (defaults to the user's download dir)")
		port        = flag.Uint("port", 6881, "TCP port to listen on for incoming peer connections")
		clean       = flag.Bool("clean", false, "discard any prior partial download and bitfield before starting")
		seed        = flag.Bool("seed", false, "keep running and uploading after the download completes")
		rarest      = flag.Bool("rarest", false, "use the rarest-first piece strategy (default)")
		random      = flag.Bool("random", false, "use the random piece strategy")
		propShare   = flag.Bool("propshare", false, "use the proportional-share piece strategy")
		endgame     = flag.Float64("endgame", 0.95, "verified-completion fraction at which endgame mode activates")
		noColor     = flag.Bool("no-color", false, "disable ANSI color in log output")
	)
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "torrentpeer: -torr is required")
		os.Exit(2)
	}

	setupLogger(*noColor)

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err.Error())
		os.Exit(1)
	}

	config.Update(func(c *config.Config) {
		c.TorrentPath = *torrentPath
		if *dest != "" {
			c.DestDir = *dest
		}
		c.Port = uint16(*port)
		c.Clean = *clean
		c.Seed = *seed
		c.NoColor = *noColor
		c.EndgameThreshold = *endgame

		switch {
		case *random:
			c.PieceStrategy = config.StrategyRandom
		case *propShare:
			c.PieceStrategy = config.StrategyProportionalShare
		case *rarest:
			c.PieceStrategy = config.StrategyRarestFirst
		}
	})

	torrentData, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", *torrentPath, "error", err.Error())
		os.Exit(1)
	}

	c, err := client.New(torrentData, slog.Default())
	if err != nil {
		slog.Error("failed to initialize client", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		slog.Error("torrentpeer exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogger(noColor bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.ShowSource = false
	opts.UseColor = !noColor

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
