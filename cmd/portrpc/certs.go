package main

import (
	"fmt"

	"github.com/guseggert/portrpc/agent"
	"github.com/urfave/cli/v2"
)

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA with server and client certs for mTLS",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "Directory to write the PEM files into.",
			Value: "certs",
		},
	},
	Action: func(ctx *cli.Context) error {
		certs, err := agent.GenerateCerts()
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		dir := ctx.String("out")
		if err := certs.WriteFiles(dir); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "wrote certs to %s\n", dir)
		return nil
	},
}
