package main

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.livestore.dev/core/mainboilerplate"
	"go.livestore.dev/core/pubsub/websocket"
	"golang.org/x/sync/errgroup"
)

type cmdHub struct {
	Service mbp.ServiceConfig `group:"Hub" namespace:"hub" env-namespace:"HUB"`
	Path    string            `long:"path" env:"HUB_PATH" default:"/pubsub" description:"HTTP path at which websocket connections are accepted"`
}

func (cmd *cmdHub) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	var ctx, cancel = startup()
	defer cancel()

	var hub = websocket.NewHub(Config.PubSub.Auth.MustKeyedAuth())

	var mux = http.NewServeMux()
	mux.Handle(cmd.Path, hub)
	mbp.RegisterDiagnostics(mux)

	var ln = cmd.Service.MustListen()
	var srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log.WithFields(log.Fields{
		"id":      cmd.Service.ProcessID(),
		"address": ln.Addr().String(),
		"path":    cmd.Path,
	}).Info("serving hub")

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()

		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	var err = g.Wait()
	log.WithFields(log.Fields{"err": err, "peers": hub.Peers()}).Info("hub stopped")
	return err
}
