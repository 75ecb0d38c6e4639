/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the change propagation server: configuration,
  dependency wiring, graceful shutdown.

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: sync.db)
               Use ":memory:" for an in-memory database
  -strict      Use the fully transactional changelog write path instead of
               the fast path (closes the membership check-then-write window)

ENVIRONMENT:
  LOG_LEVEL    debug, info, warn, error (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), close the store, exit.

SEE ALSO:
  - api/server.go: Router configuration
  - docstore/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/sync-engine/api"
	"github.com/warp/sync-engine/changelog"
	"github.com/warp/sync-engine/docstore/sqlite"
	"github.com/warp/sync-engine/pkg/logging"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "sync.db", "SQLite database path")
	strict := flag.Bool("strict", false, "use transactional changelog writes")
	flag.Parse()

	logging.Setup()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("store initialized", "database", *dbPath)

	strategy := changelog.StrategyFastPath
	if *strict {
		strategy = changelog.StrategyTransactional
	}

	handler := api.NewHandler(store, strategy)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", server.Addr, "strict", *strict)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
