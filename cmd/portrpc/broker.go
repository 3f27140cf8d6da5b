package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/portrpc/broker"
	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/host"
	"github.com/guseggert/portrpc/internal/config"
	"github.com/guseggert/portrpc/internal/demo"
	"github.com/guseggert/portrpc/port"
	"github.com/guseggert/portrpc/port/redisport"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

var brokerDemoCommand = &cli.Command{
	Name:      "broker-demo",
	Usage:     "negotiate a channel between two in-process windows and call add over it",
	ArgsUsage: "[NUMBER...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "redis-url",
			Usage: "Carry the channel over Redis pub/sub instead of an in-memory pipe.",
		},
		&cli.StringFlag{
			Name:  "channel-prefix",
			Usage: "Prefix of the Redis pub/sub channels.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("redis-url") {
			cfg.Broker.RedisURL = ctx.String("redis-url")
		}
		if ctx.IsSet("channel-prefix") {
			cfg.Broker.ChannelPrefix = ctx.String("channel-prefix")
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Sugar()

		factory := port.Factory(port.PipeFactory)
		transport := "pipe"
		if cfg.Broker.RedisURL != "" {
			redisOpts, err := redisport.ParseURL(cfg.Broker.RedisURL)
			if err != nil {
				return err
			}
			client := redis.NewUniversalClient(redisOpts)
			defer client.Close()
			if err := client.Ping(ctx.Context).Err(); err != nil {
				return fmt.Errorf("pinging redis: %w", err)
			}
			factory = redisport.Factory(client, cfg.Broker.ChannelPrefix, log)
			transport = "redis"
		}

		brokerOpts := []broker.Option{
			broker.WithLogger(logger),
			broker.WithPortFactory(factory),
			broker.WithConnectionOptions(cfg.ConnectionOptions()...),
			broker.WithOptions(config.Merge(nil, cfg.Broker.Options, map[string]any{"transport": transport})),
		}

		desktop := host.NewDesktop(log)
		app := desktop.NewWindow("https://app.portrpc.local/", "app")
		appBroker, err := broker.New(app, brokerOpts...)
		if err != nil {
			return err
		}
		defer appBroker.Close()
		if err := appBroker.AddFactory("calc", func(fctx broker.FactoryContext) (connection.Local, error) {
			log.Infow("serving channel", "Type", fctx.Type, "Window", fctx.Window.WindowID(), "Transport", fctx.Broker.Options()["transport"])
			return demo.New(), nil
		}); err != nil {
			return err
		}

		popup, err := appBroker.Open("https://popup.portrpc.local/", "popup", "")
		if err != nil {
			return err
		}
		popupBroker, err := broker.New(popup.(*host.Window), brokerOpts...)
		if err != nil {
			return err
		}
		defer popupBroker.Close()
		if err := popupBroker.AddFactory("calc", func(broker.FactoryContext) (connection.Local, error) {
			return nil, nil
		}); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx.Context, 10*time.Second)
		defer cancel()
		fut, err := popupBroker.Request(app, "calc")
		if err != nil {
			return err
		}
		v, err := fut.Wait(waitCtx)
		if err != nil {
			return fmt.Errorf("establishing channel: %w", err)
		}
		conn := v.(*connection.Connection)
		defer conn.Close()

		sum, err := conn.Invoke("add", parseArgs(ctx.Args().Slice())...).Wait(waitCtx)
		if err != nil {
			return fmt.Errorf("invoking add: %w", err)
		}
		fmt.Fprintln(ctx.App.Writer, sum)
		return nil
	},
}
