package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pipebridge/pipebridge/bridge"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "pipebridge",
		Usage: "the communication bridge between pipeline editor frontends and an external application",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the bridge worker.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "frontend-path",
						Usage: "Directory with the built frontend assets to serve.",
					},
					&cli.StringFlag{
						Name:  "link-host",
						Usage: "Host the external-application link listens on.",
						Value: "127.0.0.1",
					},
					&cli.IntFlag{
						Name:  "link-port",
						Usage: "Port the external-application link listens on.",
						Value: 9000,
					},
					&cli.StringFlag{
						Name:  "host",
						Usage: "Host for the frontend-facing service.",
						Value: "127.0.0.1",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "Port for the frontend-facing service.",
						Value: 5000,
					},
					&cli.StringFlag{
						Name:  "verbosity",
						Usage: "Logging verbosity. One of [DEBUG,INFO,WARNING,ERROR,CRITICAL].",
						Value: "INFO",
					},
				},
				Action: serve,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	level, err := parseVerbosity(ctx.String("verbosity"))
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	linkAddr := fmt.Sprintf("%s:%d", ctx.String("link-host"), ctx.Int("link-port"))
	listenAddr := fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("port"))

	b, err := bridge.New(
		linkAddr,
		bridge.WithLogger(logger),
		bridge.WithLogLevel(level),
		bridge.WithListenAddr(listenAddr),
		bridge.WithFrontendPath(ctx.String("frontend-path")),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		b.Stop()
	}()

	return b.Run()
}

func parseVerbosity(v string) (zapcore.Level, error) {
	switch strings.ToUpper(v) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "CRITICAL":
		return zapcore.FatalLevel, nil
	}
	return 0, fmt.Errorf("unsupported verbosity %q", v)
}
