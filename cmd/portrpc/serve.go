package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/guseggert/portrpc/agent"
	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/internal/demo"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the demo surface to WebSocket peers",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:  "message-key",
			Usage: "Only accept frames carrying this key.",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Log values that cannot be transmitted.",
		},
		&cli.StringFlag{
			Name:  "ca-cert-file",
			Usage: "CA cert PEM file. Together with --cert-file and --key-file this enables mTLS.",
		},
		&cli.StringFlag{
			Name:  "cert-file",
			Usage: "Server cert PEM file.",
		},
		&cli.StringFlag{
			Name:  "key-file",
			Usage: "Server key PEM file.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("listen-addr") {
			cfg.Agent.ListenAddr = ctx.String("listen-addr")
		}
		if ctx.IsSet("message-key") {
			cfg.Connection.MessageKey = ctx.String("message-key")
		}
		if ctx.IsSet("debug") {
			cfg.Connection.Debug = ctx.Bool("debug")
		}
		if ctx.IsSet("ca-cert-file") {
			cfg.Agent.CACertFile = ctx.String("ca-cert-file")
		}
		if ctx.IsSet("cert-file") {
			cfg.Agent.CertFile = ctx.String("cert-file")
		}
		if ctx.IsSet("key-file") {
			cfg.Agent.KeyFile = ctx.String("key-file")
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		opts := []agent.Option{
			agent.WithListenAddr(cfg.Agent.ListenAddr),
			agent.WithLogger(logger),
			agent.WithConnectionOptions(cfg.ConnectionOptions()...),
		}
		if cfg.Agent.CertFile != "" {
			caPEM, certPEM, keyPEM, err := agent.ReadPEMFiles(cfg.Agent.CACertFile, cfg.Agent.CertFile, cfg.Agent.KeyFile)
			if err != nil {
				return err
			}
			opts = append(opts, agent.WithTLS(caPEM, certPEM, keyPEM))
		}

		a, err := agent.New(func() connection.Local { return demo.New() }, opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			a.Stop()
		}()
		return a.Run()
	},
}
