package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/corestream/corestream/internal/logger"
	"github.com/corestream/corestream/pkg/metrics"
	"github.com/corestream/corestream/pkg/transport"
	"github.com/corestream/corestream/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "corestream"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "corestream",
		Usage:   "connects to a peer over WebSocket and multiplexes messages over it",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
	ctx = logger.InContext(ctx, slog.Default())

	cfg := transport.ConfigFromCommand(cmd)
	url := cmd.String("url")
	name := cmd.String("name")

	socket, err := websocket.NewFramedSocket(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}

	conn, err := transport.New(ctx, socket, cfg, name, true)
	if err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}

	conn.RegisterCallback(func(msg *transport.Message, events transport.EventMask) {
		if events&transport.EventComplete != 0 {
			slog.Default().Info("message complete",
				slog.Int("bytes", msg.BytesReceived()), slog.String("connection", conn.Name()))
		}
		if events&transport.EventCancelled != 0 {
			slog.Default().Info("message cancelled", slog.String("connection", conn.Name()))
		}
	}, transport.EventAll)
	conn.BeginDispatch()

	if interval := cmd.Duration("stats-interval"); interval > 0 {
		go recordStatsPeriodically(ctx, conn, interval)
	}

	reason := conn.WaitClose()
	slog.Default().Info("connection closed", slog.String("reason", reason.Error()))
	return nil
}

func recordStatsPeriodically(ctx context.Context, conn *transport.Connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			metrics.RecordConnectionStats(logger.FromContext(ctx), t, conn.Stats())
			if conn.IsClosing() {
				return
			}
		}
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:     "url",
			Usage:    "WebSocket URL of the peer to connect to",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "display name for this connection in logs and metrics",
		},
		&cli.DurationFlag{
			Name:  "stats-interval",
			Usage: "how often to record connection stats, 0 to disable",
			Value: 0,
		},
	}

	path := configFile()
	return append(fs, transport.Flags(path)...)
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the default logger, based on whether it's
// running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}
