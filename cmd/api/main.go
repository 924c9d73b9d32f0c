package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"planarian/api/internal/app"
	"planarian/api/internal/config"
	"planarian/api/internal/email"
	"planarian/api/internal/lookup"
	"planarian/api/internal/search"
	"planarian/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := store.ApplyMigrations(db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	dataStore := store.NewPostgresStore(db)

	var names lookup.Resolver = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := lookup.NewRedisCache(cfg.RedisURL, dataStore, cfg.LookupCacheTTL)
		if err != nil {
			log.Printf("lookup: redis unavailable, resolving names from postgres: %v", err)
		} else {
			log.Printf("lookup: caching names in redis for %s", cfg.LookupCacheTTL)
			defer cache.Close()
			names = cache
		}
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("email: SMTP not configured, review notifications disabled")
	}

	service := app.New(cfg, dataStore, names, searchService, mailer)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigins)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Planarian API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
