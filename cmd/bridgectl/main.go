// Command bridgectl is a small operator tool for a federatr node: it makes
// keys, publishes and queries events over the relay websocket, follows the
// streaming API and resolves lightning addresses.
package main

import (
	"fmt"
	"os"

	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/urfave/cli/v2"
)

var log, chk = slog.New(os.Stderr)

const name = "bridgectl"

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:        name,
		Usage:       "operator client for a federatr node",
		Description: "talks to a node over its relay and streaming endpoints",
		Version:     version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Value:   "ws://127.0.0.1:3334",
				Usage:   "node address",
				EnvVars: []string{"BRIDGECTL_URL"},
			},
			&cli.BoolFlag{Name: "V", Usage: "verbose"},
		},
		Before: func(cCtx *cli.Context) error {
			if cCtx.Bool("V") {
				slog.SetLogLevel(slog.Debug)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "generate a key pair",
				Action: doKeygen,
			},
			{
				Name:      "publish",
				Aliases:   []string{"p"},
				Usage:     "sign and publish an event",
				ArgsUsage: "[content]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sec", Usage: "secret key, hex or nsec",
						EnvVars: []string{"BRIDGECTL_SEC"}, Required: true},
					&cli.IntFlag{Name: "kind", Aliases: []string{"k"}, Value: 1},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"},
						Usage: "tag as name=value[,value...]"},
				},
				Action: doPublish,
			},
			{
				Name:  "req",
				Usage: "query stored events",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "author", Aliases: []string{"a"}},
					&cli.StringSliceFlag{Name: "id", Aliases: []string{"i"}},
					&cli.IntSliceFlag{Name: "kind", Aliases: []string{"k"}},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"},
						Usage: "tag as name=value[,value...]"},
					&cli.StringFlag{Name: "search", Aliases: []string{"s"}},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
					&cli.BoolFlag{Name: "local", Usage: "only this node's users"},
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"},
						Usage: "keep printing live events after EOSE"},
				},
				Action: doReq,
			},
			{
				Name:  "stream",
				Usage: "follow a streaming API category",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Usage: "npub or hex pubkey",
						Required: true},
					&cli.StringFlag{Name: "stream", Value: "public"},
					&cli.StringFlag{Name: "tag", Usage: "hashtag for hashtag streams"},
				},
				Action: doStream,
			},
			{
				Name:      "lnurl",
				Usage:     "show the pay parameters behind an lnurl",
				ArgsUsage: "<lnurl>",
				Action:    doLnurl,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
