package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntRouter/wampmeter/internal/admin"
	"github.com/BurntRouter/wampmeter/internal/auth"
	"github.com/BurntRouter/wampmeter/internal/bridge"
	"github.com/BurntRouter/wampmeter/internal/config"
	"github.com/BurntRouter/wampmeter/internal/metrics"
	"github.com/BurntRouter/wampmeter/internal/wamp"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfgPath := os.Getenv("WAMPMETER_CONFIG")
	if len(os.Args) >= 2 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run(cfg config.Config) error {
	metrics.Register()

	routerTLS, err := clientTLSConfig(cfg.Router.TLS)
	if err != nil {
		return err
	}
	dc := wamp.DialConfig{
		TLS:              routerTLS,
		HandshakeTimeout: cfg.Router.HandshakeTimeout,
		WriteTimeout:     cfg.Router.WriteTimeout,
		MaxMessageBytes:  cfg.Router.MaxMessageBytes,
	}
	wc := wamp.Config{
		Realm:          cfg.Router.Realm,
		Auth:           auth.FromConfig(cfg.Auth),
		Logger:         log.Default(),
		GoodbyeTimeout: cfg.Router.GoodbyeTimeout,
	}
	dial := func(ctx context.Context) (bridge.Session, error) {
		hctx, cancel := context.WithTimeout(ctx, cfg.Router.HandshakeTimeout)
		defer cancel()
		c, err := wamp.Dial(hctx, cfg.Router.URL, dc, wc)
		if err != nil {
			return nil, err
		}
		log.Printf("wampmeter: joined realm %q on %s as session %d", cfg.Router.Realm, cfg.Router.URL, c.SessionID())
		return c, nil
	}

	b := bridge.New(dial, metrics.Sink{RouterURL: cfg.Router.URL, Realm: cfg.Router.Realm}, bridge.Options{
		Core: bridge.Config{
			AbsenceErrors:  string(cfg.Bridge.AbsenceErrors),
			FailureWindow:  cfg.Bridge.FailureWindow,
			FailureMaxRate: cfg.Bridge.FailureMaxRate,
		},
		MinBackoff: cfg.Bridge.MinBackoff,
		MaxBackoff: cfg.Bridge.MaxBackoff,
	}, log.Default())

	adminCfg := admin.Config{Addr: cfg.Admin.Addr, EnablePprof: cfg.Admin.EnablePprof, H3Addr: cfg.Admin.H3Addr}
	if cfg.Admin.H3Addr != "" {
		adminCfg.H3TLS, err = serverTLSConfig(cfg.Admin.TLS, []string{http3.NextProtoH3})
		if err != nil {
			return err
		}
	}
	adminSrv := admin.New(adminCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					log.Printf("wampmeter: SIGHUP, resyncing")
					b.RequestResync()
					continue
				}
				log.Printf("wampmeter: %v, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adminSrv.ListenAndServe(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	return g.Wait()
}
