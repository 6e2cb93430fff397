// Command seatfinder serves the exam-seating lookup engine: admission-gated
// HTTP endpoints plus optional MCP tools over stdio.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/campuskit/seatfinder/dbopen"
	"github.com/campuskit/seatfinder/directory"
	"github.com/campuskit/seatfinder/enquiry"
	"github.com/campuskit/seatfinder/fetch"
	"github.com/campuskit/seatfinder/seating"
	"github.com/campuskit/seatfinder/shield"
)

func main() {
	configPath := env("CONFIG", "seatfinder.yaml")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := seating.LoadConfig(configPath)
	if err != nil {
		slog.Error("config", "error", err, "path", configPath)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Directory store and enquiry log share one database.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(directory.Schema),
		dbopen.WithSchema(enquiry.Schema))
	if err != nil {
		slog.Error("open db", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer db.Close()

	resolver := directory.NewResolver(directory.NewSQLStore(db), cfg.Directory, logger)
	if err := resolver.Warm(ctx); err != nil {
		// Lookups retry lazily; a cold start is not fatal.
		slog.Warn("directory warm-up failed", "error", err)
	}

	enquiries := enquiry.New(db, cfg.EnquiryBuffer, enquiry.WithLogger(logger))
	defer enquiries.Close()
	go retentionLoop(ctx, enquiries, cfg.RetentionDays)

	fetcher := fetch.New(cfg.Fetch, logger)
	svc := seating.NewService(cfg, fetcher, resolver, logger,
		seating.WithEnquiryLogger(enquiries))

	// Admission gate and cache sweepers.
	gate := shield.NewGate(cfg.Admission)
	gate.StartSweeper(ctx.Done(), time.Minute)
	svc.Cache().StartSweeper(ctx.Done(), time.Minute)

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "seatfinder",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	// Router.
	r := chi.NewRouter()
	r.Use(shield.TraceID)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.HeadToGet)
	r.Use(gate.Middleware("/healthz"))
	svc.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming responses outlive normal requests; keep the write
		// timeout generous enough for a full fan-out.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "sources", len(cfg.Sources))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// retentionLoop prunes old enquiry records once a day.
func retentionLoop(ctx context.Context, enquiries *enquiry.Logger, days int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := enquiries.Cleanup(ctx, days)
			if err != nil {
				slog.Error("enquiry cleanup", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("enquiry cleanup", "deleted", deleted)
			}
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
