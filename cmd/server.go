/*
Copyright 2024 Paylane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/paylane/paylane"
	"github.com/paylane/paylane/api"
	"github.com/paylane/paylane/config"
	trace "github.com/paylane/paylane/internal/traces"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

/*
newTLSServer builds an HTTPS server whose certificates are managed by CertMagic.
If no domain is specified, the certificate is issued for localhost.
*/
func newTLSServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

func initializeRouter(p *paylaneInstance) *gin.Engine {
	return api.NewAPI(p.paylane).Router()
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, "PAYLANE")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// startPollers runs the submission, status and retry pollers until ctx is done.
func startPollers(ctx context.Context, engine *paylane.Paylane) []*paylane.Poller {
	pollers := engine.Pollers()
	for _, p := range pollers {
		p.Start(ctx)
		logrus.WithField("poller", p.Name()).Info("poller started")
	}
	return pollers
}

// serve runs srv until it fails or ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, tls bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls {
			log.Printf("Starting HTTPS server on %s\n", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting server on http://localhost%s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

/*
serverCommands returns the Cobra command responsible for starting the Paylane server.
It seeds gateway configs, starts the background pollers and serves the API until the process
receives SIGINT or SIGTERM.
*/
func serverCommands(p *paylaneInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start paylane server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			shutdown, err := initializeTracing(ctx, cfg)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := p.paylane.SeedGatewayConfigs(ctx); err != nil {
				log.Fatalf("Error seeding gateway configs: %v", err)
			}

			pollers := startPollers(ctx, p.paylane)
			defer func() {
				for _, poller := range pollers {
					poller.Stop()
				}
			}()

			router := initializeRouter(p)
			srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
			if cfg.Server.SSL {
				srv, err = newTLSServer(ctx, router, cfg.Server)
				if err != nil {
					log.Fatal(err)
				}
			}

			if err := serve(ctx, srv, cfg.Server.SSL); err != nil {
				logrus.Errorf("server stopped: %v", err)
			}
		},
	}

	return cmd
}
