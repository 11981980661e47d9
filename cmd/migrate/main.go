package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"chatengine/internal/migrations"
	"chatengine/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./chatengine.db", "Path to the database file")
	status := flag.Bool("status", false, "Print the schema version without applying migrations")
	flag.Parse()

	if err := security.ValidateFilePath(*dbPath); err != nil {
		log.Fatalf("Invalid database path: %v", err)
	}
	if _, err := os.Stat(*dbPath); os.IsNotExist(err) && *status {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if *status {
		version, err := migrations.CurrentVersion(ctx, db)
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		fmt.Printf("Schema version: %d\n", version)
		return
	}

	before, err := migrations.CurrentVersion(ctx, db)
	if err != nil {
		// Fresh databases have no schema_migrations table yet.
		before = 0
	}
	after, err := migrations.Apply(ctx, db)
	if err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	if after == before {
		fmt.Printf("Schema already at version %d, nothing to apply\n", after)
		return
	}
	fmt.Printf("Schema migrated from version %d to %d\n", before, after)
}
