package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantgate.io/internal/billing"
	"tenantgate.io/internal/config"
	"tenantgate.io/internal/directory"
	"tenantgate.io/internal/httpapi"
	"tenantgate.io/internal/idp"
	"tenantgate.io/internal/obs"
	"tenantgate.io/internal/session"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	sessions, err := session.New(rdb, session.WithIdentityTTL(cfg.Access.IdentityTTL))
	if err != nil {
		log.Fatalf("session store: %v", err)
	}

	verifier, err := idp.NewVerifier(cfg.Provider.JWTSecret, cfg.Provider.Issuer)
	if err != nil {
		log.Fatalf("token verifier: %v", err)
	}

	dir, err := directory.New(cfg.Upstream.DirectoryURL)
	if err != nil {
		log.Fatalf("directory client: %v", err)
	}

	// Billing is optional: without a configured backend the billing endpoints
	// answer 503 and everything else works.
	var billingClient httpapi.BillingClient
	if cfg.Upstream.BillingURL != "" {
		bc, err := billing.New(cfg.Upstream.BillingURL)
		if err != nil {
			log.Fatalf("billing client: %v", err)
		}
		billingClient = bc
	}

	api, err := httpapi.New(httpapi.Options{
		Version:       version,
		Verifier:      verifier,
		Directory:     dir,
		Billing:       billingClient,
		Sessions:      sessions,
		ReadyProbe:    httpapi.ReadyProbe{Sessions: sessions},
		Freshness:     cfg.Access.Freshness,
		SelectionPath: cfg.Access.SelectionPath,
		RateBurst:     cfg.Server.RateBurst,
		RatePerSec:    cfg.Server.RatePerSec,
	})
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tenantgate %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = rdb.Close()
	log.Println("Stopped")
}
