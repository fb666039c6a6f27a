// Package contains a reference or sample implementation of a REST service
// surfacing a duet coordinated pair. Please feel free to reuse or copy-paste
// it to implement your own service.
package main

import (
	"context"
	log "log/slog"
	"os"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/database"
	"github.com/sharedcode/duet/restapi"
)

// @BasePath /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	duet.ConfigureLogging()
	ctx := context.Background()

	opts := database.DefaultOptions()
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		opts.Neo4j.URI = uri
		opts.Neo4j.Username = os.Getenv("NEO4J_USERNAME")
		opts.Neo4j.Password = os.Getenv("NEO4J_PASSWORD")
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		opts.Postgres.ConnString = dsn
	}

	db, err := database.New(ctx, opts)
	if err != nil {
		log.Error("database setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close(ctx)

	// Resolve transactions a previous run left behind before taking traffic.
	if err := db.RecoverPending(ctx); err != nil {
		log.Warn("startup recovery sweep failed, the background sweep will retry", "error", err.Error())
	}

	// Register the sample application method.
	registerAccounts(db)

	addr := os.Getenv("DUET_LISTEN")
	if addr == "" {
		addr = "localhost:8080"
	}
	log.Info("duet rest service starting", "version", duet.Version, "addr", addr)
	server := restapi.NewServer(db)
	if err := server.Router().Run(addr); err != nil {
		log.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}
