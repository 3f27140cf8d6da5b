package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/guseggert/portrpc/agent"
	"github.com/urfave/cli/v2"
)

var callCommand = &cli.Command{
	Name:        "call",
	Usage:       "invoke a method on an agent and print the result as JSON",
	ArgsUsage:   "METHOD [ARG...]",
	Description: "Each ARG is parsed as JSON when possible and sent as a string otherwise.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Base URL of the agent.",
			Value: "http://127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:  "message-key",
			Usage: "Key to stamp on every frame.",
		},
		&cli.StringFlag{
			Name:  "certs-dir",
			Usage: "Directory holding ca.pem, client.pem and client-key.pem for mTLS.",
		},
		&cli.DurationFlag{
			Name:  "heartbeat-interval",
			Usage: "Send heartbeats to the agent at this interval while the call runs. Zero disables them.",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the connection and the reply.",
			Value: 10 * time.Second,
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("a method name is required")
		}
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("message-key") {
			cfg.Connection.MessageKey = ctx.String("message-key")
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		var clientOpts []agent.ClientOption
		if dir := ctx.String("certs-dir"); dir != "" {
			caPEM, certPEM, keyPEM, err := agent.ReadPEMFiles(
				filepath.Join(dir, agent.CACertFile),
				filepath.Join(dir, agent.ClientCertFile),
				filepath.Join(dir, agent.ClientKeyFile),
			)
			if err != nil {
				return err
			}
			certs := &agent.Certs{}
			certs.CA.CertPEMBytes = caPEM
			certs.Client.CertPEMBytes = certPEM
			certs.Client.KeyPEMBytes = keyPEM
			clientOpts = append(clientOpts, agent.WithClientTLS(certs))
		}
		client, err := agent.NewClient(logger.Sugar(), ctx.String("url"), clientOpts...)
		if err != nil {
			return err
		}

		if interval := ctx.Duration("heartbeat-interval"); interval > 0 {
			client.StartHeartbeat(interval)
			defer client.StopHeartbeat()
		}

		callCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
		defer cancel()
		conn, err := client.Dial(callCtx, nil, cfg.ConnectionOptions()...)
		if err != nil {
			return err
		}
		defer conn.Close()

		method := ctx.Args().First()
		args := parseArgs(ctx.Args().Tail())
		v, err := conn.Invoke(method, args...).Wait(callCtx)
		if err != nil {
			return fmt.Errorf("invoking %s: %w", method, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Fprintln(ctx.App.Writer, string(b))
		return nil
	},
}

func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
			args[i] = s
			continue
		}
		args[i] = v
	}
	return args
}
