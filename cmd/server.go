/*
Copyright 2024 FieldSync Authors.

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
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"

	"github.com/farmforce/fieldsync/api"
	"github.com/farmforce/fieldsync/config"
	"github.com/farmforce/fieldsync/internal/search"
)

/*
serveTLS starts an HTTPS server with TLS enabled using CertMagic for automatic
certificate management. If no domain is specified, the server defaults to
localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "path/to/certmagic/storage"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}

	return nil
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeRouter(b *fieldsyncInstance) *gin.Engine {
	return api.NewAPI(b.fieldsync).Router()
}

func initializeTypeSense(ctx context.Context, cfg *config.Configuration) (*search.TypesenseClient, error) {
	newSearch := search.NewTypesenseClient(cfg.TypeSenseKey, []string{cfg.TypeSense.Dns})
	if err := newSearch.EnsureCollectionsExist(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure collections exist: %v", err)
	}
	return newSearch, nil
}

// initializeObservability starts the PostHog heartbeat when an API key is
// configured. Telemetry is off otherwise.
func initializeObservability(cfg *config.Configuration) (posthog.Client, error) {
	if cfg.Analytics.PostHogApiKey == "" {
		return nil, nil
	}

	endpoint := cfg.Analytics.PostHogHost
	if endpoint == "" {
		endpoint = "https://us.i.posthog.com"
	}
	client, err := posthog.NewWithConfig(cfg.Analytics.PostHogApiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	heartbeatID := uuid.New().String()
	sendHeartbeat(client, heartbeatID)
	return client, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

/*
serverCommands returns the Cobra command responsible for starting the HTTP
server. It sets up the API routes and the TypeSense client before launching.
*/
func serverCommands(b *fieldsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start fieldsync server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			router := initializeRouter(b)

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			phClient, err := initializeObservability(cfg)
			if err != nil {
				log.Fatal(err)
			}
			if phClient != nil {
				defer phClient.Close()
			}

			_, err = initializeTypeSense(ctx, cfg)
			if err != nil {
				log.Printf("TypeSense initialization error: %v", err)
			}

			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
