package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/portrpc/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "portrpc",
		Usage: "serve and call RPC Connections over message ports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML or TOML config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config file.",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			callCommand,
			brokerDemoCommand,
			certsCommand,
		},
	}
}

// loadConfig resolves the config file, the environment and then global flags, in that order of precedence.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	if lvl > zapcore.DebugLevel {
		zcfg.DisableCaller = true
	}
	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}
