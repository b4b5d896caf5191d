package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vigilcam/vigil/internal/analysis"
	"github.com/vigilcam/vigil/internal/capture"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/dispatch"
	"github.com/vigilcam/vigil/internal/email"
	"github.com/vigilcam/vigil/internal/geoip"
	"github.com/vigilcam/vigil/internal/security"
	"github.com/vigilcam/vigil/internal/server"
	"github.com/vigilcam/vigil/internal/storage"
	"github.com/vigilcam/vigil/internal/ws"
)

func main() {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	store, err := storage.New(ctx, storage.Config{
		Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
		PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		Bucket:         getEnv("S3_BUCKET", "vigil"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         getEnv("S3_REGION", "us-west-2"),
	})
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("storage bucket check failed: %v", err)
	}
	log.Println("storage bucket ready")

	if origins := os.Getenv("MONITOR_ORIGINS"); origins != "" {
		if err := store.SetCORS(ctx, strings.Split(origins, ",")); err != nil {
			log.Printf("storage CORS setup failed: %v", err)
		}
	}

	spoolDir := getEnv("SPOOL_DIR", "./data/spool")
	archiveDir := getEnv("ARCHIVE_DIR", "./data/archive")
	for _, dir := range []string{spoolDir, archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	var geo *geoip.Resolver
	if dbPath := os.Getenv("GEOIP_DB"); dbPath != "" {
		geo, err = geoip.New(dbPath)
		if err != nil {
			log.Printf("geoip disabled: %v", err)
			geo = nil
		} else {
			log.Println("geoip database loaded")
		}
	}

	hub := ws.NewHub()
	go hub.Run()

	emailClient := email.New(email.Config{
		BaseURL:    os.Getenv("LISTMONK_URL"),
		Username:   getEnv("LISTMONK_USER", "admin"),
		Password:   os.Getenv("LISTMONK_PASSWORD"),
		TemplateID: int(getEnvInt64("LISTMONK_TEMPLATE_ID", 0)),
	})
	smsClient := dispatch.NewSMSClient(
		os.Getenv("SMS_BASE_URL"),
		os.Getenv("SMS_ACCOUNT_SID"),
		os.Getenv("SMS_AUTH_TOKEN"),
		os.Getenv("SMS_FROM"),
	)
	mapsClient := dispatch.NewMapsClient(os.Getenv("MAPS_BASE_URL"), os.Getenv("MAPS_API_KEY"))
	dispatcher := dispatch.New(db.Pool, emailClient, smsClient, mapsClient)
	if smsClient.Enabled() {
		log.Println("SMS dispatch enabled")
	}
	if mapsClient.Enabled() {
		log.Println("distance-matrix ranking enabled")
	}

	annotator := analysis.NewClient(
		getEnv("ANALYZER_URL", "http://localhost:9300"),
		os.Getenv("ANALYZER_API_KEY"),
	)

	crowdCapacity := int(getEnvInt64("CROWD_CAPACITY", 50))
	alertLevel := parseAlertLevel(getEnv("ALERT_LEVEL", "high"))
	analysisWorker := analysis.NewWorker(db.Pool, store, annotator, hub, dispatcher, crowdCapacity, alertLevel)

	uploader := capture.NewUploader(db.Pool, store, hub)

	baseURL := getEnv("BASE_URL", "http://localhost:8080")

	srv, err := server.New(server.Config{
		DB:               db.Pool,
		Pinger:           db,
		Storage:          store,
		JWTSecret:        jwtSecret,
		BaseURL:          baseURL,
		SpoolDir:         spoolDir,
		ArchiveDir:       archiveDir,
		MaxChunkBytes:    getEnvInt64("MAX_CHUNK_BYTES", 200*1024*1024),
		Geo:              geo,
		Hub:              hub,
		SessionForgetter: analysisWorker,
	})
	if err != nil {
		log.Fatalf("server initialization failed: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	uploader.Start(workerCtx, getEnvDuration("UPLOAD_INTERVAL", 3*time.Second))
	analysisWorker.Start(workerCtx, getEnvDuration("ANALYSIS_INTERVAL", 5*time.Second))
	capture.StartCleanupLoop(workerCtx, db.Pool, store, spoolDir,
		getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),
		getEnvDuration("SESSION_STALE_AFTER", 2*time.Hour),
		getEnvDuration("RETENTION", 30*24*time.Hour),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("vigil listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

func parseAlertLevel(v string) security.Level {
	switch v {
	case "elevated":
		return security.LevelElevated
	case "high":
		return security.LevelHigh
	case "critical":
		return security.LevelCritical
	default:
		log.Printf("unknown ALERT_LEVEL %q, using high", v)
		return security.LevelHigh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
