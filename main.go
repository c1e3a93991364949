package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/federatr/app"
	"github.com/Hubmakerlabs/federatr/pkg/interrupt"
	"github.com/Hubmakerlabs/federatr/pkg/relay"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/Hubmakerlabs/federatr/pkg/telemetry"
	"github.com/alexflint/go-arg"
	"golang.org/x/net/netutil"
)

var (
	AppName = "federatr"
	Version = relay.Version
)

var log, chk = slog.New(os.Stderr)

var args, conf app.Config

func main() {
	arg.MustParse(&args)
	var err error
	var dataDirBase string
	if dataDirBase, err = os.UserHomeDir(); chk.E(err) {
		os.Exit(1)
	}
	dataDir := filepath.Join(dataDirBase, args.Profile)
	log.D.F("using profile directory: %s", dataDir)
	if err = os.MkdirAll(dataDir, 0700); chk.E(err) {
		os.Exit(1)
	}
	configPath := filepath.Join(dataDir, "config.json")
	if args.InitCfgCmd != nil {
		// generate an admin identity if one wasn't given
		if args.SecKey == "" {
			args.SecKey = signer.Generate().Secret()
		}
		if err = args.Validate(); chk.E(err) {
			os.Exit(1)
		}
		if err = args.Save(configPath); chk.E(err) {
			log.E.F("failed to write node configuration: '%s'", err)
			os.Exit(1)
		}
		log.I.Ln("wrote configuration to", configPath)
		return
	}
	if _, err = os.Stat(configPath); err == nil {
		if err = conf.Load(configPath); chk.E(err) {
			log.E.F("failed to load node configuration: '%s'", err)
			os.Exit(1)
		}
		args.Merge(&conf)
	}
	slog.SetLogLevel(slog.LevelFromString(args.LogLevel))
	if err = args.Validate(); chk.E(err) {
		os.Exit(1)
	}
	log.T.S(args)
	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stopTracing func(context.Context) error
	if stopTracing, err = telemetry.InitTracing(c, args.Tracing, 1,
		Version); chk.E(err) {
		os.Exit(1)
	}
	var n *app.Node
	if n, err = app.NewNode(c, &args, filepath.Join(dataDir, "db"),
		nil); chk.E(err) {
		log.E.F("unable to start node: '%s'", err)
		os.Exit(1)
	}
	switch {
	case args.ImportCmd != nil:
		_, err = n.Import(c, args.ImportCmd.FromFile)
		n.Close()
		if chk.E(err) {
			os.Exit(1)
		}
		return
	case args.ExportCmd != nil:
		_, err = n.Export(c, args.ExportCmd.ToFile)
		n.Close()
		if chk.E(err) {
			os.Exit(1)
		}
		return
	}
	var ln net.Listener
	if ln, err = net.Listen("tcp", args.Listen); chk.E(err) {
		n.Close()
		os.Exit(1)
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	interrupt.AddHandler(func() {
		chk.E(stopTracing(context.Background()))
	})
	interrupt.AddHandler(func() {
		log.I.Ln("closing database")
		n.Close()
	})
	interrupt.AddHandler(func() {
		sc, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		chk.E(srv.Shutdown(sc))
		n.Shutdown(sc)
		cancel()
	})
	log.I.F("%s %s listening on %s as %s", AppName, Version, ln.Addr(),
		n.Admin.PublicKey())
	if err = srv.Serve(netutil.LimitListener(ln, args.MaxConns)); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		chk.E(err)
		interrupt.Request()
	}
	<-interrupt.HandlersDone
}
