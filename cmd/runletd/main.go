package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/runlet/runlet/config"
	"github.com/runlet/runlet/history"
	"github.com/runlet/runlet/pipeline"
	"github.com/runlet/runlet/server"
)

func main() {
	app := &cli.App{
		Name:  "runletd",
		Usage: "HTTP server that runs the comment pipeline and streams its output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file. Defaults to searching for runlet.yaml.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "script",
				Usage: "Path of the pipeline driver script. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if addr := ctx.String("listen-addr"); addr != "" {
				cfg.ListenAddr = addr
			}
			if script := ctx.String("script"); script != "" {
				cfg.Script = script
			}

			var level zapcore.Level
			if err := level.Set(ctx.String("log-level")); err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			launcher := &pipeline.Launcher{
				Interpreter: cfg.Interpreter,
				Script:      cfg.Script,
				WorkDir:     cfg.WorkDir,
				Env:         cfg.Env,
			}

			opts := []server.Option{
				server.WithListenAddr(cfg.ListenAddr),
				server.WithUploadDir(cfg.UploadDir),
				server.WithQueueSize(cfg.QueueSize),
				server.WithKillOnDisconnect(cfg.KillOnDisconnect),
				server.WithLogLevel(level),
			}
			if cfg.HistoryDB != "" {
				store, err := history.NewStore(cfg.HistoryDB)
				if err != nil {
					return fmt.Errorf("opening history store: %w", err)
				}
				defer store.Close()
				opts = append(opts, server.WithStore(store))
			}

			srv, err := server.New(launcher, opts...)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			err = srv.Run()
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
