/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Donegeon economy server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), parse flags and environment
  2. Open the store (SQLite or Postgres) and run migrations
  3. Optionally load the demo catalog
  4. Create engine, event hub and maintenance scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (default: 8080, env PORT)
  -dialect      sqlite or postgres (env DB_DIALECT)
  -db           SQLite path or Postgres DSN (env DB_SQLITE_PATH / DATABASE_URL)
                Use ":memory:" for an in-memory SQLite database
  -seed         Load the demo catalog at startup
  -sweep        Maintenance interval, 0 disables (env SWEEP_INTERVAL)
  -issue-token  Print a 24h token for the given user id and exit

ENVIRONMENT:
  JWT_SECRET        HS256 secret for bearer tokens (required outside dev)
  ALLOWED_ORIGINS   Comma separated CORS origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the maintenance scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Local SQLite with demo data
  ./server -db="./data/donegeon.db" -seed

  # Postgres
  DATABASE_URL=postgres://localhost/donegeon ./server -dialect=postgres

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"flag"
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

	"github.com/mckayc/task-donegeon-sub004/api"
	"github.com/mckayc/task-donegeon-sub004/economy"
	"github.com/mckayc/task-donegeon-sub004/factory"
	"github.com/mckayc/task-donegeon-sub004/store/sqlstore"
)

const devSecret = "donegeon-dev-secret"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	// Flags
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dialectName := flag.String("dialect", envString("DB_DIALECT", "sqlite"), "Database dialect (sqlite, postgres)")
	dsn := flag.String("db", "", "SQLite path or Postgres DSN")
	seed := flag.Bool("seed", false, "Load the demo catalog at startup")
	sweep := flag.Duration("sweep", envDuration("SWEEP_INTERVAL", 5*time.Minute), "Maintenance sweep interval (0 disables)")
	issueFor := flag.String("issue-token", "", "Print a token for this user id and exit")
	flag.Parse()

	secret := envString("JWT_SECRET", "")
	if secret == "" {
		log.Println("Warning: JWT_SECRET not set, using the development secret")
		secret = devSecret
	}
	auth := api.NewAuthenticator(secret)

	if *issueFor != "" {
		token, err := auth.IssueToken(economy.UserID(*issueFor), 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	dialect, err := sqlstore.ParseDialect(*dialectName)
	if err != nil {
		log.Fatalf("Invalid dialect: %v", err)
	}
	if *dsn == "" {
		if dialect == sqlstore.DialectPostgres {
			*dsn = os.Getenv("DATABASE_URL")
		} else {
			*dsn = envString("DB_SQLITE_PATH", "donegeon.db")
		}
	}

	// Initialize store
	ctx := context.Background()
	store, err := sqlstore.Open(ctx, dialect, *dsn)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if *seed {
		cat, err := factory.DemoCatalog()
		if err != nil {
			log.Fatalf("Failed to parse demo catalog: %v", err)
		}
		if err := cat.Load(ctx, store); err != nil {
			log.Fatalf("Failed to load demo catalog: %v", err)
		}
	}

	// Engine, events, scheduler
	engine := economy.NewEngine(store)
	hub := api.NewHub()
	engine.Broadcaster = hub

	scheduler := api.NewMaintenanceScheduler(engine)
	scheduler.Interval = *sweep
	scheduler.Enabled = *sweep > 0
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Create router
	router := api.NewRouter(api.NewHandler(engine), api.RouterConfig{
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		Auth:           auth,
		Hub:            hub,
	})

	// WriteTimeout stays zero: /api/events streams indefinitely.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", *port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d (%s)", *port, dialect)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
